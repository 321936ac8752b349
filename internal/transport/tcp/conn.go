// Package tcp provides the raw TCP transport for the chat server and client.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultKeepAlive is the TCP keep-alive period used by Dial.
const DefaultKeepAlive = 30 * time.Second

// Conn wraps a net.Conn whose reads go through a buffered reader, so bytes
// peeked during protocol detection are not lost.
type Conn struct {
	net.Conn
	reader *bufio.Reader
}

// NewConn wraps conn. If reader is nil a new one is created.
func NewConn(conn net.Conn, reader *bufio.Reader) *Conn {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &Conn{Conn: conn, reader: reader}
}

// Read reads through the buffered reader.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Peek returns the next n bytes without consuming them.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.reader.Peek(n)
}

// Dial connects to address over TCP.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: DefaultKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return conn, nil
}
