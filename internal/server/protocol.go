package server

import (
	"bytes"
	"errors"
	"net"
	"time"

	"github.com/omochice/lanchat/internal/transport/tcp"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

// detectTimeout bounds how long a new connection may stay silent before it
// is treated as a raw TCP peer. HTTP clients always speak first; chat peers
// may wait before sending JOIN.
const detectTimeout = 500 * time.Millisecond

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"),
	[]byte("PATC"),
	[]byte("DELE"),
	[]byte("CONN"),
}

// detectProtocol peeks at the first bytes to determine protocol type. A raw
// frame can never look like an HTTP method: its length is at most 1 MiB, so
// the fourth byte is always zero.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, *tcp.Conn, error) {
	c := tcp.NewConn(conn, nil)
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	peek, err := c.Peek(4)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return protocolTCP, c, nil
		}
		return protocolTCP, c, err
	}

	for _, m := range httpMethods {
		if bytes.Equal(peek, m) {
			return protocolHTTP, c, nil
		}
	}
	return protocolTCP, c, nil
}
