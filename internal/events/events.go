// Package events defines the notifications a client session emits to its
// presentation layer, and a few ready-made sinks for them.
package events

import (
	"sync"
	"time"

	"github.com/omochice/lanchat/pkg/protocol"
)

// Sink receives session events. Implementations must be safe for concurrent
// use: inbound events arrive from the session's reader goroutine while send
// progress arrives from the caller of SendFile.
type Sink interface {
	Connected(addr string)
	Disconnected(err error)
	ChatReceived(sender, text string, at time.Time)
	SystemNotice(text string)
	FileProgress(done, total int64, name string)
	FileReceived(path string, meta protocol.FileHeader)
	TransferFailed(name string, err error)
}

// Kind identifies an Event.
type Kind int

const (
	KindConnected Kind = iota
	KindDisconnected
	KindChat
	KindSystem
	KindProgress
	KindFileReceived
	KindTransferFailed
)

var kindNames = map[Kind]string{
	KindConnected:      "connected",
	KindDisconnected:   "disconnected",
	KindChat:           "chat",
	KindSystem:         "system",
	KindProgress:       "progress",
	KindFileReceived:   "file_received",
	KindTransferFailed: "transfer_failed",
}

// String returns the string representation of Kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func parseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Event is a Sink call captured as a value. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind   Kind
	Time   time.Time
	Addr   string
	Sender string
	Text   string
	Path   string
	File   protocol.FileHeader
	Done   int64
	Total  int64
	Name   string
	Err    error
}

// Apply replays e onto s.
func (e Event) Apply(s Sink) {
	switch e.Kind {
	case KindConnected:
		s.Connected(e.Addr)
	case KindDisconnected:
		s.Disconnected(e.Err)
	case KindChat:
		s.ChatReceived(e.Sender, e.Text, e.Time)
	case KindSystem:
		s.SystemNotice(e.Text)
	case KindProgress:
		s.FileProgress(e.Done, e.Total, e.Name)
	case KindFileReceived:
		s.FileReceived(e.Path, e.File)
	case KindTransferFailed:
		s.TransferFailed(e.Name, e.Err)
	}
}

// recorder turns Sink calls into Events for an emit function.
type recorder struct {
	emit func(Event)
}

func (r recorder) Connected(addr string) {
	r.emit(Event{Kind: KindConnected, Addr: addr})
}

func (r recorder) Disconnected(err error) {
	r.emit(Event{Kind: KindDisconnected, Err: err})
}

func (r recorder) ChatReceived(sender, text string, at time.Time) {
	r.emit(Event{Kind: KindChat, Sender: sender, Text: text, Time: at})
}

func (r recorder) SystemNotice(text string) {
	r.emit(Event{Kind: KindSystem, Text: text})
}

func (r recorder) FileProgress(done, total int64, name string) {
	r.emit(Event{Kind: KindProgress, Done: done, Total: total, Name: name})
}

func (r recorder) FileReceived(path string, meta protocol.FileHeader) {
	r.emit(Event{Kind: KindFileReceived, Path: path, File: meta, Name: meta.FileName})
}

func (r recorder) TransferFailed(name string, err error) {
	r.emit(Event{Kind: KindTransferFailed, Name: name, Err: err})
}

// ChanSink delivers events on a channel.
type ChanSink struct {
	recorder
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewChanSink creates a ChanSink with the given channel buffer size.
func NewChanSink(size int) *ChanSink {
	s := &ChanSink{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
	s.recorder = recorder{emit: s.send}
	return s
}

// Events returns the channel events are delivered on.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Close stops delivery. Pending and later events are dropped instead of
// blocking the session.
func (s *ChanSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ChanSink) send(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

type multi []Sink

// Multi returns a Sink that forwards every event to each of sinks in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Connected(addr string) {
	for _, s := range m {
		s.Connected(addr)
	}
}

func (m multi) Disconnected(err error) {
	for _, s := range m {
		s.Disconnected(err)
	}
}

func (m multi) ChatReceived(sender, text string, at time.Time) {
	for _, s := range m {
		s.ChatReceived(sender, text, at)
	}
}

func (m multi) SystemNotice(text string) {
	for _, s := range m {
		s.SystemNotice(text)
	}
}

func (m multi) FileProgress(done, total int64, name string) {
	for _, s := range m {
		s.FileProgress(done, total, name)
	}
}

func (m multi) FileReceived(path string, meta protocol.FileHeader) {
	for _, s := range m {
		s.FileReceived(path, meta)
	}
}

func (m multi) TransferFailed(name string, err error) {
	for _, s := range m {
		s.TransferFailed(name, err)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Connected(string)                         {}
func (Nop) Disconnected(error)                       {}
func (Nop) ChatReceived(string, string, time.Time)   {}
func (Nop) SystemNotice(string)                      {}
func (Nop) FileProgress(int64, int64, string)        {}
func (Nop) FileReceived(string, protocol.FileHeader) {}
func (Nop) TransferFailed(string, error)             {}

var (
	_ Sink = (*ChanSink)(nil)
	_ Sink = multi(nil)
	_ Sink = Nop{}
)
