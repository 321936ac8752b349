package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientStream is the client side of a WebSocket chat stream, built on
// gorilla/websocket.
type ClientStream struct {
	conn *websocket.Conn
	cur  io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
}

// Dial opens a WebSocket chat stream to url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*ClientStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	return NewClientStream(conn), nil
}

// NewClientStream wraps an established gorilla connection.
func NewClientStream(conn *websocket.Conn) *ClientStream {
	return &ClientStream{conn: conn}
}

// Read reads message payload bytes, crossing message boundaries as needed.
// A normal close from the server reads as io.EOF.
func (c *ClientStream) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			c.cur = r
		}

		n, err := c.cur.Read(p)
		if errors.Is(err, io.EOF) {
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (c *ClientStream) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetWriteDeadline sets the write deadline of the underlying connection.
func (c *ClientStream) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the server address.
func (c *ClientStream) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close sends a close message and closes the connection.
func (c *ClientStream) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		err = c.conn.Close()
	})
	return err
}
