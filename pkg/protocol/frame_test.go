package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/omochice/lanchat/pkg/protocol"
)

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"single byte", "x"},
		{"join payload", "JOIN|alice"},
		{"multibyte utf-8", "MSG|bob|xin chào 👋"},
		{"maximum size", strings.Repeat("a", protocol.MaxFrameSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := protocol.WriteFrame(&buf, tt.text); err != nil {
				t.Fatalf("WriteFrame() error = %v", err)
			}
			if got := binary.LittleEndian.Uint32(buf.Bytes()[:4]); int(got) != len(tt.text) {
				t.Errorf("length prefix = %d, want %d", got, len(tt.text))
			}

			// One byte at a time exercises partial reads.
			got, err := protocol.ReadFrame(iotest.OneByteReader(&buf))
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if got != tt.text {
				t.Errorf("ReadFrame() returned %d bytes, want %d", len(got), len(tt.text))
			}
		})
	}
}

func TestEncodeFrame_RejectsOutOfRange(t *testing.T) {
	for _, text := range []string{"", strings.Repeat("a", protocol.MaxFrameSize+1)} {
		if _, err := protocol.EncodeFrame(text); !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Errorf("EncodeFrame(len %d) error = %v, want ErrProtocolViolation", len(text), err)
		}
	}
}

func TestReadFrame_RejectsOutOfRangeLength(t *testing.T) {
	tests := []struct {
		name   string
		length int32
	}{
		{"zero", 0},
		{"negative", -1},
		{"most negative", -1 << 31},
		{"above maximum", protocol.MaxFrameSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_ = binary.Write(&buf, binary.LittleEndian, tt.length)
			buf.WriteString("payload that must not be consumed as a message")

			_, err := protocol.ReadFrame(&buf)
			if !errors.Is(err, protocol.ErrProtocolViolation) {
				t.Errorf("ReadFrame() error = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

func TestReadFrame_Disconnected(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty stream", nil},
		{"truncated header", []byte{5, 0}},
		{"truncated payload", []byte{5, 0, 0, 0, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, protocol.ErrDisconnected) {
				t.Errorf("ReadFrame() error = %v, want ErrDisconnected", err)
			}
		})
	}
}

func TestReadFrame_ReplacesInvalidUTF8(t *testing.T) {
	data := []byte{3, 0, 0, 0, 'a', 0xff, 'b'}
	got, err := protocol.ReadFrame(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got != "a\uFFFDb" {
		t.Errorf("ReadFrame() = %q, want %q", got, "a\uFFFDb")
	}
}

func TestReadExact(t *testing.T) {
	r := iotest.HalfReader(bytes.NewReader([]byte("abcdefgh")))
	got, err := protocol.ReadExact(r, 6)
	if err != nil {
		t.Fatalf("ReadExact() error = %v", err)
	}
	if string(got) != "abcdef" {
		t.Errorf("ReadExact() = %q, want %q", got, "abcdef")
	}
	if _, err := protocol.ReadExact(r, 6); !errors.Is(err, protocol.ErrDisconnected) {
		t.Errorf("ReadExact() past end error = %v, want ErrDisconnected", err)
	}
}

func TestWriteFrame_WriterFailure(t *testing.T) {
	err := protocol.WriteFrame(failingWriter{}, "MSG|a|b")
	if !errors.Is(err, protocol.ErrDisconnected) {
		t.Errorf("WriteFrame() error = %v, want ErrDisconnected", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
