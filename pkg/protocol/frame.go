// Package protocol implements the LAN chat wire format: length-prefixed
// control frames, the pipe-delimited domain messages they carry, and the
// chunked binary file stream that follows a FILE header on the same
// connection.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const (
	// HeaderSize is the size of the little-endian length prefix used by
	// both frames and chunks.
	HeaderSize = 4

	// MaxFrameSize is the largest control frame payload accepted.
	MaxFrameSize = 1 << 20
)

// EncodeFrame encodes text as a length-prefixed frame.
func EncodeFrame(text string) ([]byte, error) {
	n := len(text)
	if n < 1 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d out of range", ErrProtocolViolation, n)
	}
	buf := make([]byte, HeaderSize+n)
	binary.LittleEndian.PutUint32(buf, uint32(int32(n)))
	copy(buf[HeaderSize:], text)
	return buf, nil
}

// WriteFrame encodes text and writes it to w with a single Write call.
func WriteFrame(w io.Writer, text string) error {
	frame, err := EncodeFrame(text)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: write frame: %w", ErrDisconnected, err)
	}
	return nil
}

// ReadExact reads exactly n bytes from r. Partial reads are retried; a stream
// that ends or fails before n bytes arrive reports ErrDisconnected.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// readLength reads a 4-byte little-endian signed length.
func readLength(r io.Reader) (int32, error) {
	var hdr [HeaderSize]byte
	if err := readFull(r, hdr[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(hdr[:])), nil
}

// ReadFrame reads one control frame from r and returns its payload.
func ReadFrame(r io.Reader) (string, error) {
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if n < 1 || n > MaxFrameSize {
		return "", fmt.Errorf("%w: frame length %d out of range", ErrProtocolViolation, n)
	}
	payload, err := ReadExact(r, int(n))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(payload), "\uFFFD"), nil
}
