package events

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/lanchat/pkg/protocol"
)

// ProtoSink writes events to w as a stream of length-delimited protobuf
// Struct messages, for a presentation layer running in another process.
type ProtoSink struct {
	recorder
	mu sync.Mutex
	w  io.Writer
}

// NewProtoSink creates a ProtoSink writing to w.
func NewProtoSink(w io.Writer) *ProtoSink {
	s := &ProtoSink{w: w}
	s.recorder = recorder{emit: s.write}
	return s
}

func (s *ProtoSink) write(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	msg, err := EncodeProto(e)
	if err != nil {
		log.Error().Err(err).Str("kind", e.Kind.String()).Msg("failed to encode event")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := protodelim.MarshalTo(s.w, msg); err != nil {
		log.Error().Err(err).Str("kind", e.Kind.String()).Msg("failed to write event")
	}
}

// EncodeProto converts e to a protobuf Struct.
func EncodeProto(e Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind": e.Kind.String(),
		"time": e.Time.Format(time.RFC3339Nano),
	}
	switch e.Kind {
	case KindConnected:
		fields["addr"] = e.Addr
	case KindDisconnected, KindTransferFailed:
		fields["name"] = e.Name
		if e.Err != nil {
			fields["error"] = e.Err.Error()
			fields["outcome"] = protocol.OutcomeOf(e.Err).String()
		}
	case KindChat:
		fields["sender"] = e.Sender
		fields["text"] = e.Text
	case KindSystem:
		fields["text"] = e.Text
	case KindProgress:
		fields["name"] = e.Name
		fields["done"] = e.Done
		fields["total"] = e.Total
	case KindFileReceived:
		fields["path"] = e.Path
		fields["sender"] = e.File.Sender
		fields["name"] = e.File.FileName
		fields["size"] = e.File.Size
		fields["is_image"] = e.File.IsImage
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build event struct: %w", err)
	}
	return msg, nil
}

// ReadProto reads the next event written by a ProtoSink.
func ReadProto(r protodelim.Reader) (Event, error) {
	var msg structpb.Struct
	if err := protodelim.UnmarshalFrom(r, &msg); err != nil {
		return Event{}, err
	}
	return DecodeProto(&msg)
}

// DecodeProto converts a Struct produced by EncodeProto back to an Event.
// Errors come back as plain text and lose their identity.
func DecodeProto(msg *structpb.Struct) (Event, error) {
	f := msg.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }
	num := func(key string) int64 { return int64(f[key].GetNumberValue()) }

	kind, ok := parseKind(str("kind"))
	if !ok {
		return Event{}, fmt.Errorf("unknown event kind %q", str("kind"))
	}
	e := Event{Kind: kind, Name: str("name")}
	if ts := str("time"); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("invalid event time: %w", err)
		}
		e.Time = at
	}
	if text := str("error"); text != "" {
		e.Err = errors.New(text)
	}

	switch kind {
	case KindConnected:
		e.Addr = str("addr")
	case KindChat:
		e.Sender = str("sender")
		e.Text = str("text")
	case KindSystem:
		e.Text = str("text")
	case KindProgress:
		e.Done = num("done")
		e.Total = num("total")
	case KindFileReceived:
		e.Path = str("path")
		e.File = protocol.FileHeader{
			Sender:   str("sender"),
			FileName: str("name"),
			Size:     num("size"),
			IsImage:  f["is_image"].GetBoolValue(),
		}
	}
	return e, nil
}

var _ Sink = (*ProtoSink)(nil)
