package chat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/lanchat/pkg/protocol"
)

// DefaultSlack is how far a relayed chunk stream may run past the declared
// file size before the sender is treated as misbehaving.
const DefaultSlack int64 = 64 << 10

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithClock sets the clock used to stamp broadcast payloads.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		r.now = now
	}
}

// WithSlack sets the allowed overrun past a declared file size.
func WithSlack(n int64) RelayOption {
	return func(r *Relay) {
		if n >= 0 {
			r.slack = n
		}
	}
}

// Relay fans broadcasts and file streams out to the connections in a
// Registry.
type Relay struct {
	registry *Registry
	now      func() time.Time
	slack    int64
}

// NewRelay creates a Relay over registry.
func NewRelay(registry *Registry, opts ...RelayOption) *Relay {
	r := &Relay{
		registry: registry,
		now:      time.Now,
		slack:    DefaultSlack,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Transfer summarizes one relayed file.
type Transfer struct {
	Header    protocol.FileHeader
	Targets   int
	Delivered int
	Bytes     int64
}

// Broadcast writes payload to every registered connection, sender included,
// and returns how many writes succeeded. Per-target failures are logged and
// do not affect the other targets.
func (r *Relay) Broadcast(payload string) (int, error) {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode broadcast: %w", err)
	}
	snapshot := r.registry.Snapshot()
	targets := make([]*Conn, 0, len(snapshot))
	for _, e := range snapshot {
		targets = append(targets, e.Conn)
	}
	live := fanOut(targets, func(c *Conn) error { return c.SendFrame(frame) })
	return len(live), nil
}

// BroadcastChat broadcasts "[HH:mm:ss] username: text".
func (r *Relay) BroadcastChat(username, text string) (int, error) {
	return r.Broadcast(protocol.FormatChat(r.now(), username, text))
}

// BroadcastSystem broadcasts "[HH:mm:ss] [SYSTEM] note".
func (r *Relay) BroadcastSystem(note string) (int, error) {
	return r.Broadcast(protocol.FormatSystem(r.now(), note))
}

// RelayFile forwards the FILE header rawHeader and the chunk stream that
// follows it on sender to every other joined connection. It must be called
// from sender's reader goroutine.
//
// Targets whose write fails are dropped for the rest of the transfer. If the
// sender's stream fails, or overruns the declared size by more than the
// slack, the terminal marker is still forwarded to the remaining targets and
// the error is returned; the sender's stream is then no longer framed.
func (r *Relay) RelayFile(ctx context.Context, sender *Conn, header protocol.FileHeader, rawHeader string) (Transfer, error) {
	t := Transfer{Header: header}

	frame, err := protocol.EncodeFrame(rawHeader)
	if err != nil {
		return t, fmt.Errorf("failed to encode file header: %w", err)
	}

	var targets []*Conn
	for _, e := range r.registry.Snapshot() {
		if e.Joined && e.Conn != sender {
			targets = append(targets, e.Conn)
		}
	}
	t.Targets = len(targets)

	live := fanOut(targets, func(c *Conn) error { return c.SendFrame(frame) })
	limit := header.Size + r.slack

	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			t.Delivered = len(endStream(live))
			return t, err
		}

		chunk, last, err := sender.ReadChunk(buf)
		if err != nil {
			t.Delivered = len(endStream(live))
			return t, fmt.Errorf("failed to relay %q: %w", header.FileName, err)
		}
		if last {
			break
		}
		buf = chunk

		t.Bytes += int64(len(chunk))
		if t.Bytes > limit {
			t.Delivered = len(endStream(live))
			return t, fmt.Errorf("%w: %q overran declared size %d", protocol.ErrProtocolViolation, header.FileName, header.Size)
		}

		live = fanOut(live, func(c *Conn) error { return c.SendChunk(chunk) })
	}

	live = endStream(live)
	t.Delivered = len(live)
	if t.Bytes < header.Size {
		return t, fmt.Errorf("%w: %q relayed %d of %d bytes", protocol.ErrTransferIntegrity, header.FileName, t.Bytes, header.Size)
	}
	return t, nil
}

// DrainFile discards the chunk stream following a FILE header that could not
// be parsed, keeping sender's stream framed.
func (r *Relay) DrainFile(sender *Conn) (int64, error) {
	return protocol.DrainChunks(sender)
}

func endStream(targets []*Conn) []*Conn {
	return fanOut(targets, func(c *Conn) error { return c.SendEnd() })
}

// fanOut runs write against every target concurrently, waits for all of
// them, and returns the targets that succeeded in their original order.
func fanOut(targets []*Conn, write func(*Conn) error) []*Conn {
	if len(targets) == 0 {
		return targets
	}

	var (
		g      errgroup.Group
		failed = make([]atomic.Bool, len(targets))
	)
	for i, c := range targets {
		g.Go(func() error {
			if err := write(c); err != nil {
				failed[i].Store(true)
				log.Debug().Err(err).
					Str("conn", c.ID()).
					Str("user", c.Username()).
					Str("outcome", protocol.OutcomeOf(err).String()).
					Msg("dropping target after failed write")
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	live := make([]*Conn, 0, len(targets))
	for i, c := range targets {
		if !failed[i].Load() {
			live = append(live, c)
		}
	}
	return live
}
