package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lanchat/pkg/protocol"
)

func TestDetectProtocol(t *testing.T) {
	frame, err := protocol.EncodeFrame("JOIN|alice")
	require.NoError(t, err)

	tests := []struct {
		name  string
		input []byte
		want  protocolType
	}{
		{"websocket upgrade", []byte("GET /ws HTTP/1.1\r\n"), protocolHTTP},
		{"health check", []byte("HEAD /health HTTP/1.1\r\n"), protocolHTTP},
		{"post", []byte("POST /x HTTP/1.1\r\n"), protocolHTTP},
		{"join frame", frame, protocolTCP},
		{"lowercase method", []byte("get / HTTP/1.1\r\n"), protocolTCP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()
			go client.Write(tt.input)

			got, conn, err := detectProtocol(server, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Peeked bytes are still readable.
			buf := make([]byte, 4)
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			assert.Equal(t, tt.input[:4], buf)
		})
	}
}

func TestDetectProtocol_SilentPeerIsTCP(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	got, conn, err := detectProtocol(server, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocolTCP, got)

	// The deadline is cleared, so later bytes still arrive.
	go protocol.WriteFrame(client, "JOIN|late")
	payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "JOIN|late", payload)
}

func TestDetectProtocol_ClosedBeforeData(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	client.Close()

	_, _, err := detectProtocol(server, time.Second)
	assert.Error(t, err)
}

func TestChanListener(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	l := newChanListener(addr)
	assert.Equal(t, addr, l.Addr())

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { assert.True(t, l.push(server)) }()
	got, err := l.Accept()
	require.NoError(t, err)
	assert.Same(t, server, got)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = l.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.False(t, l.push(client))
}
