package chat_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lanchat/internal/chat"
)

func TestRegistry_Add(t *testing.T) {
	reg := chat.NewRegistry()
	conn := chat.NewConn(newMockStream(nil))

	assert.True(t, reg.Add(conn))
	assert.False(t, reg.Add(conn), "second Add of the same connection")
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, 0, reg.JoinedCount())
}

func TestRegistry_SnapshotOrderAndBind(t *testing.T) {
	reg := chat.NewRegistry()
	conns := make([]*chat.Conn, 5)
	for i := range conns {
		conns[i] = chat.NewConn(newMockStream(nil))
		require.True(t, reg.Add(conns[i]))
	}

	require.True(t, reg.Bind(conns[1], "alice"))
	require.True(t, reg.Bind(conns[3], "alice"), "usernames are not unique")

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, len(conns))
	for i, e := range snapshot {
		assert.Same(t, conns[i], e.Conn)
	}
	assert.True(t, snapshot[1].Joined)
	assert.Equal(t, "alice", snapshot[1].Username)
	assert.False(t, snapshot[2].Joined)
	assert.Equal(t, 2, reg.JoinedCount())
	assert.Equal(t, chat.StateJoined, conns[3].State())
}

func TestRegistry_BindRequiresOpenRegisteredConn(t *testing.T) {
	reg := chat.NewRegistry()

	stranger := chat.NewConn(newMockStream(nil))
	assert.False(t, reg.Bind(stranger, "mallory"))

	closed := chat.NewConn(newMockStream(nil))
	reg.Add(closed)
	closed.Close()
	assert.False(t, reg.Bind(closed, "bob"))
	assert.Equal(t, 0, reg.JoinedCount())
}

func TestRegistry_RemoveOnce(t *testing.T) {
	reg := chat.NewRegistry()
	conn := chat.NewConn(newMockStream(nil))
	reg.Add(conn)
	reg.Bind(conn, "bob")

	e, ok := reg.Remove(conn)
	require.True(t, ok)
	assert.Equal(t, "bob", e.Username)
	assert.True(t, e.Joined)

	_, ok = reg.Remove(conn)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := chat.NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := chat.NewConn(newMockStream(nil))
			reg.Add(conn)
			if i%2 == 0 {
				reg.Bind(conn, "user")
			}
			_ = reg.Snapshot()
			if i%5 == 0 {
				reg.Remove(conn)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, reg.Count())
	assert.Len(t, reg.Snapshot(), 40)
}
