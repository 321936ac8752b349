package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/lanchat/internal/chat"
	"github.com/omochice/lanchat/internal/events"
	"github.com/omochice/lanchat/internal/storage"
	"github.com/omochice/lanchat/internal/transport/tcp"
	"github.com/omochice/lanchat/internal/transport/ws"
	"github.com/omochice/lanchat/pkg/protocol"
)

// DefaultDownloadDir is where received files go when no Store is configured.
const DefaultDownloadDir = "Downloads"

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrNotJoined is returned by send operations before Join.
	ErrNotJoined = errors.New("not joined")

	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("already connected")
)

// Option configures a Session.
type Option func(*Session)

// WithSink sets the event sink. The default discards events.
func WithSink(sink events.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithStore sets where received files are written.
func WithStore(store *storage.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithBlockSize sets the chunk size used by SendFile.
func WithBlockSize(n int) Option {
	return func(s *Session) {
		s.blockSize = n
	}
}

// WithWriteTimeout bounds each frame or chunk write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// Session is one client connection to a chat server. A single goroutine
// reads the connection for the session's lifetime; outbound operations are
// serialized so a text frame never lands inside this session's own file
// stream.
type Session struct {
	address      string
	sink         events.Sink
	store        *storage.Store
	blockSize    int
	writeTimeout time.Duration

	mu       sync.RWMutex
	conn     *chat.Conn
	username string
	reason   error
	closing  bool
	cancel   context.CancelFunc

	outMu sync.Mutex
	wg    sync.WaitGroup
}

// New creates a Session for address, which is host:port for raw TCP or a
// ws:// or wss:// URL for WebSocket.
func New(address string, opts ...Option) *Session {
	s := &Session{
		address:   address,
		sink:      events.Nop{},
		blockSize: protocol.DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the connection and starts the inbound dispatch loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyConnected
	}

	stream, err := dial(ctx, s.address)
	if err != nil {
		return err
	}
	conn := chat.NewConn(stream, chat.WithWriteTimeout(s.writeTimeout))
	runCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel

	log.Info().Str("conn", conn.ID()).Str("remote", conn.RemoteAddr()).Msg("connected to server")
	s.sink.Connected(conn.RemoteAddr())

	s.wg.Add(1)
	go s.receive(runCtx, conn)
	return nil
}

func dial(ctx context.Context, address string) (chat.Stream, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return ws.Dial(ctx, address)
	}
	return tcp.Dial(ctx, address)
}

// Disconnect closes the connection and waits for the dispatch loop to exit.
// It must not be called from an event sink callback.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.closing = true
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	s.wg.Wait()
}

// IsConnected reports whether the session has a live connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.conn.State() != chat.StateClosed
}

// Username returns the name given to Join.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Join sends JOIN|username.
func (s *Session) Join(username string) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	msg := protocol.Message{Type: protocol.MessageTypeJoin, Sender: username}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := s.send(conn, payload); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	if err := conn.Bind(username); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	return nil
}

// SendText sends MSG|username|text.
func (s *Session) SendText(text string) error {
	conn, username, err := s.joined()
	if err != nil {
		return err
	}
	msg := protocol.Message{Type: protocol.MessageTypeText, Sender: username, Content: text}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := s.send(conn, payload); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendFile sends the file at path under displayName (the base name of path
// when empty). ctx is checked between chunks; on cancellation the stream is
// still terminated and ctx's error returned.
func (s *Session) SendFile(ctx context.Context, path, displayName string) error {
	conn, username, err := s.joined()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("failed to send %s: not a regular file", path)
	}

	if displayName == "" {
		displayName = filepath.Base(path)
	}
	name := protocol.SanitizeFileName(displayName)
	header := protocol.FileHeader{
		Sender:   username,
		FileName: name,
		Size:     info.Size(),
		IsImage:  protocol.IsImageName(name),
	}
	payload, err := header.Encode()
	if err != nil {
		return fmt.Errorf("failed to send file: %w", err)
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if err := s.send(conn, payload); err != nil {
		return fmt.Errorf("failed to send file header: %w", err)
	}
	src := io.LimitReader(f, header.Size)
	sent, err := protocol.SendChunks(ctx, src, conn, s.blockSize, header.Size, name, s.sink.FileProgress)
	if err == nil && sent < header.Size {
		err = fmt.Errorf("%w: %s shrank to %d of %d bytes while sending", protocol.ErrTransferIntegrity, path, sent, header.Size)
	}
	if err != nil {
		s.noteWriteErr(err)
		s.sink.TransferFailed(name, err)
		log.Warn().Err(err).Str("file", name).Int64("bytes", sent).
			Str("outcome", protocol.OutcomeOf(err).String()).Msg("file send failed")
		return fmt.Errorf("failed to send file: %w", err)
	}

	log.Info().Str("file", name).Int64("bytes", sent).Msg("file sent")
	return nil
}

func (s *Session) send(conn *chat.Conn, payload string) error {
	err := conn.SendText(payload)
	s.noteWriteErr(err)
	return err
}

// noteWriteErr keeps the first failed write as the disconnect reason.
func (s *Session) noteWriteErr(err error) {
	if protocol.OutcomeOf(err) != protocol.OutcomeDisconnected {
		return
	}
	s.mu.Lock()
	if s.reason == nil {
		s.reason = err
	}
	s.mu.Unlock()
}

func (s *Session) live() (*chat.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil || s.conn.State() == chat.StateClosed {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *Session) joined() (*chat.Conn, string, error) {
	conn, err := s.live()
	if err != nil {
		return nil, "", err
	}
	if conn.State() != chat.StateJoined {
		return nil, "", ErrNotJoined
	}
	return conn, conn.Username(), nil
}
