package chat_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lanchat/internal/chat"
	"github.com/omochice/lanchat/pkg/protocol"
)

// mockStream is an in-memory chat.Stream. Every Write call is recorded
// separately so tests can observe how units are split.
type mockStream struct {
	reader io.Reader

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   atomic.Bool
}

func newMockStream(wire []byte) *mockStream {
	return &mockStream{reader: bytes.NewReader(wire)}
}

func (m *mockStream) Read(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, net.ErrClosed
	}
	return m.reader.Read(p)
}

func (m *mockStream) Write(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, net.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.written.Write(p)
}

func (m *mockStream) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
}

func (m *mockStream) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.written.Bytes())
}

func (m *mockStream) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

type deadlineStream struct {
	*mockStream
	deadlines []time.Time
}

func (d *deadlineStream) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

func TestConn_StateTransitions(t *testing.T) {
	var hookCalls atomic.Int32
	conn := chat.NewConn(newMockStream(nil), chat.WithCloseHook(func(*chat.Conn) {
		hookCalls.Add(1)
	}))

	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, "127.0.0.1:5000", conn.RemoteAddr())
	assert.Equal(t, chat.StateConnecting, conn.State())

	require.NoError(t, conn.Bind("alice"))
	assert.Equal(t, chat.StateJoined, conn.State())
	assert.Equal(t, "alice", conn.Username())

	require.NoError(t, conn.Bind("alicia"))
	assert.Equal(t, "alicia", conn.Username())

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.Equal(t, chat.StateClosed, conn.State())
	assert.Equal(t, int32(1), hookCalls.Load())

	select {
	case <-conn.Done():
	default:
		t.Error("Done() not closed after Close")
	}

	assert.ErrorIs(t, conn.Bind("bob"), protocol.ErrClosed)
	assert.ErrorIs(t, conn.SendText("MSG|a|b"), protocol.ErrClosed)
}

func TestConn_ConcurrentCloseRunsHookOnce(t *testing.T) {
	var hookCalls atomic.Int32
	conn := chat.NewConn(newMockStream(nil), chat.WithCloseHook(func(*chat.Conn) {
		hookCalls.Add(1)
	}))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestConn_WriteFailureClosesConnection(t *testing.T) {
	stream := newMockStream(nil)
	stream.failWrites(errors.New("connection reset by peer"))
	closed := make(chan struct{})
	conn := chat.NewConn(stream, chat.WithCloseHook(func(*chat.Conn) { close(closed) }))

	err := conn.SendText("MSG|alice|hi")
	assert.ErrorIs(t, err, protocol.ErrDisconnected)
	assert.Equal(t, chat.StateClosed, conn.State())
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close hook did not run")
	}
}

func TestConn_SendTextRejectsEmpty(t *testing.T) {
	conn := chat.NewConn(newMockStream(nil))
	assert.ErrorIs(t, conn.SendText(""), protocol.ErrProtocolViolation)
	assert.Equal(t, chat.StateConnecting, conn.State())
}

func TestConn_WriteTimeoutAppliesPerUnit(t *testing.T) {
	stream := &deadlineStream{mockStream: newMockStream(nil)}
	conn := chat.NewConn(stream, chat.WithWriteTimeout(time.Second))

	require.NoError(t, conn.SendText("JOIN|alice"))
	require.NoError(t, conn.SendChunk([]byte("data")))

	require.Len(t, stream.deadlines, 4)
	assert.False(t, stream.deadlines[0].IsZero())
	assert.True(t, stream.deadlines[1].IsZero())
	assert.False(t, stream.deadlines[2].IsZero())
	assert.True(t, stream.deadlines[3].IsZero())
}

func TestConn_Read(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&wire, "FILE|bob|a.txt|5|False"))
	require.NoError(t, protocol.WriteChunk(&wire, []byte("hello")))
	require.NoError(t, protocol.WriteEnd(&wire))
	wire.WriteString("raw")

	conn := chat.NewConn(newMockStream(wire.Bytes()))

	text, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "FILE|bob|a.txt|5|False", text)

	chunk, last, err := conn.ReadChunk(nil)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, "hello", string(chunk))

	_, last, err = conn.ReadChunk(nil)
	require.NoError(t, err)
	assert.True(t, last)

	raw, err := conn.ReadExact(3)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(raw))

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, protocol.ErrDisconnected)
}

// Frames are filled with 'F' and chunks with 'C'; a unit split by another
// writer shows up as a body with mixed bytes or a bogus length.
func TestConn_NoInterleavingOfFramesAndChunks(t *testing.T) {
	stream := newMockStream(nil)
	conn := chat.NewConn(stream)

	const rounds = 200
	frame := strings.Repeat("F", 300)
	chunk := bytes.Repeat([]byte("C"), 4096)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range rounds {
			assert.NoError(t, conn.SendText(frame))
		}
	}()
	go func() {
		defer wg.Done()
		for range rounds {
			assert.NoError(t, conn.SendChunk(chunk))
		}
	}()
	wg.Wait()

	r := bytes.NewReader(stream.Bytes())
	var frames, chunks int
	for r.Len() > 0 {
		body, last, err := protocol.ReadChunk(r, nil)
		require.NoError(t, err)
		require.False(t, last)
		switch {
		case len(body) == len(frame) && string(body) == frame:
			frames++
		case len(body) == len(chunk) && bytes.Equal(body, chunk):
			chunks++
		default:
			t.Fatalf("unit of %d bytes has mixed content", len(body))
		}
	}
	assert.Equal(t, rounds, frames)
	assert.Equal(t, rounds, chunks)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state chat.State
		want  string
	}{
		{chat.StateConnecting, "connecting"},
		{chat.StateJoined, "joined"},
		{chat.StateClosed, "closed"},
		{chat.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
