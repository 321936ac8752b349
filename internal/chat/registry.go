package chat

import (
	"cmp"
	"slices"
	"sync"
)

// Entry is a registry snapshot of one connection.
type Entry struct {
	Conn     *Conn
	Username string
	Joined   bool

	seq uint64
}

// Registry tracks live connections. Iteration always happens over a
// snapshot, never under the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[*Conn]Entry
	nextSeq uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[*Conn]Entry),
	}
}

// Add registers c. It reports false if c is already registered.
func (r *Registry) Add(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c]; ok {
		return false
	}
	r.nextSeq++
	r.entries[c] = Entry{Conn: c, seq: r.nextSeq}
	return true
}

// Remove unregisters c and returns its last entry. Only the first call for a
// connection reports true.
func (r *Registry) Remove(c *Conn) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if ok {
		delete(r.entries, c)
	}
	return e, ok
}

// Bind attaches username to a registered, open connection.
func (r *Registry) Bind(c *Conn, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if !ok {
		return false
	}
	if err := c.Bind(username); err != nil {
		return false
	}
	e.Username = username
	e.Joined = true
	r.entries[c] = e
	return true
}

// Snapshot returns the current entries in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// JoinedCount returns the number of connections that have sent JOIN.
func (r *Registry) JoinedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Joined {
			n++
		}
	}
	return n
}
