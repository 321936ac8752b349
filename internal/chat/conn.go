// Package chat provides the core chat domain logic shared by all transports:
// the per-peer connection, the session registry and the relay engine.
package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/lanchat/pkg/protocol"
)

const readBufferSize = 64 << 10

// Stream is a bidirectional byte stream to one peer. net.Conn satisfies it,
// as do the WebSocket stream adapters.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// State is the lifecycle state of a Conn.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Conn.
type Option func(*Conn)

// WithWriteTimeout bounds every single frame or chunk write. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

// WithCloseHook registers fn to run once, after the stream is closed.
func WithCloseHook(fn func(*Conn)) Option {
	return func(c *Conn) {
		c.onClose = fn
	}
}

// Conn is one peer connection. Writes are serialized per frame or per chunk
// by a single write lock; reads are reserved for the one goroutine that owns
// the connection.
type Conn struct {
	id           string
	stream       Stream
	reader       *bufio.Reader
	writeTimeout time.Duration
	onClose      func(*Conn)

	writeMu sync.Mutex

	mu       sync.RWMutex
	state    State
	username string

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewConn wraps stream in a Conn in the Connecting state.
func NewConn(stream Stream, opts ...Option) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		stream: stream,
		reader: bufio.NewReaderSize(stream, readBufferSize),
		state:  StateConnecting,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	if addr := c.stream.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Username returns the bound username, or "" before JOIN.
func (c *Conn) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Bind records username and moves the connection to Joined. A later JOIN
// replaces the username. It fails once the connection is closed.
func (c *Conn) Bind(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return protocol.ErrClosed
	}
	c.username = username
	c.state = StateJoined
	return nil
}

// SendFrame writes one pre-encoded frame.
func (c *Conn) SendFrame(frame []byte) error {
	return c.writeUnit(func(w io.Writer) error {
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("%w: write frame: %w", protocol.ErrDisconnected, err)
		}
		return nil
	})
}

// SendText encodes text as a frame and writes it.
func (c *Conn) SendText(text string) error {
	frame, err := protocol.EncodeFrame(text)
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// SendChunk writes one chunk of a file stream.
func (c *Conn) SendChunk(p []byte) error {
	return c.writeUnit(func(w io.Writer) error {
		return protocol.WriteChunk(w, p)
	})
}

// SendEnd writes the terminal chunk marker.
func (c *Conn) SendEnd() error {
	return c.writeUnit(protocol.WriteEnd)
}

func (c *Conn) writeUnit(write func(io.Writer) error) error {
	select {
	case <-c.done:
		return protocol.ErrClosed
	default:
	}

	c.writeMu.Lock()
	err := c.writeLocked(write)
	c.writeMu.Unlock()

	if err != nil {
		// A partial unit leaves the peer's stream unframed.
		c.Close()
	}
	return err
}

func (c *Conn) writeLocked(write func(io.Writer) error) error {
	if c.writeTimeout > 0 {
		if d, ok := c.stream.(writeDeadliner); ok {
			if err := d.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err == nil {
				defer d.SetWriteDeadline(time.Time{})
			}
		}
	}
	return write(c.stream)
}

// ReadFrame reads the next control frame. Only the owning reader may call it.
func (c *Conn) ReadFrame() (string, error) {
	return protocol.ReadFrame(c.reader)
}

// ReadExact reads exactly n bytes. Only the owning reader may call it.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	return protocol.ReadExact(c.reader, n)
}

// ReadChunk reads the next chunk of a file stream. Only the owning reader
// may call it.
func (c *Conn) ReadChunk(buf []byte) ([]byte, bool, error) {
	return protocol.ReadChunk(c.reader, buf)
}

// Close moves the connection to Closed and closes the stream. Only the first
// call has an effect; it runs the close hook.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)

		if err := c.stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.closeErr
}

// Done is closed when the connection enters Closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

var (
	_ protocol.ChunkWriter = (*Conn)(nil)
	_ protocol.ChunkReader = (*Conn)(nil)
)
