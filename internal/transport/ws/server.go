// Package ws carries the chat byte stream over WebSocket binary messages.
// Message boundaries carry no meaning: frames and chunks are reassembled from
// the concatenated payloads exactly as on a TCP stream.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const closeTimeout = time.Second

// ServerStream is the server side of a WebSocket chat stream, built on
// gobwas/ws.
type ServerStream struct {
	conn    net.Conn
	reader  *wsutil.Reader
	control wsutil.FrameHandlerFunc

	inMessage bool

	wmu       sync.Mutex
	closeOnce sync.Once
}

// Upgrade upgrades an HTTP request to a WebSocket ServerStream.
func Upgrade(w http.ResponseWriter, r *http.Request) (*ServerStream, error) {
	conn, rw, _, err := gobwas.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}
	return NewServerStream(conn, src), nil
}

// NewServerStream wraps an already upgraded connection. src is where frames
// are read from; it is conn unless the handshake left bytes buffered.
func NewServerStream(conn net.Conn, src io.Reader) *ServerStream {
	s := &ServerStream{conn: conn}
	handle := wsutil.ControlFrameHandler(conn, gobwas.StateServerSide)
	// Control replies share the connection with data writes.
	s.control = func(h gobwas.Header, r io.Reader) error {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		return handle(h, r)
	}
	s.reader = &wsutil.Reader{
		Source:         src,
		State:          gobwas.StateServerSide,
		OnIntermediate: s.control,
	}
	return s
}

// Read reads message payload bytes, crossing message boundaries as needed.
// A close frame from the peer reads as io.EOF.
func (s *ServerStream) Read(p []byte) (int, error) {
	for {
		if s.inMessage {
			n, err := s.reader.Read(p)
			if errors.Is(err, io.EOF) {
				s.inMessage = false
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		hdr, err := s.reader.NextFrame()
		if err != nil {
			return 0, err
		}
		if hdr.OpCode.IsControl() {
			if err := s.control(hdr, s.reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					return 0, io.EOF
				}
				return 0, err
			}
			continue
		}
		if hdr.OpCode != gobwas.OpBinary && hdr.OpCode != gobwas.OpText {
			if err := s.reader.Discard(); err != nil {
				return 0, err
			}
			continue
		}
		s.inMessage = true
	}
}

// Write sends p as one binary message.
func (s *ServerStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := wsutil.WriteServerBinary(s.conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetWriteDeadline sets the deadline on the underlying connection.
func (s *ServerStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address.
func (s *ServerStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close sends a close frame when no write is in flight and closes the
// connection.
func (s *ServerStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.wmu.TryLock() {
			_ = s.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
			body := gobwas.NewCloseFrameBody(gobwas.StatusNormalClosure, "")
			_ = wsutil.WriteServerMessage(s.conn, gobwas.OpClose, body)
			s.wmu.Unlock()
		}
		err = s.conn.Close()
	})
	return err
}
