package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// MaxChunkSize is the largest chunk body accepted from the wire.
	MaxChunkSize = 10 << 20

	// DefaultBlockSize is the chunk size used when sending files.
	DefaultBlockSize = 64 << 10
)

// ProgressFunc receives transfer progress after each chunk.
type ProgressFunc func(done, total int64, name string)

// ChunkWriter writes chunks as indivisible units.
type ChunkWriter interface {
	SendChunk(p []byte) error
	SendEnd() error
}

// ChunkReader reads chunks. last is true for the terminal marker.
type ChunkReader interface {
	ReadChunk(buf []byte) (chunk []byte, last bool, err error)
}

// EncodeChunkHeader returns the 4-byte length prefix for a chunk of n bytes.
func EncodeChunkHeader(n int) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(int32(n)))
	return hdr
}

// WriteChunk writes one chunk. An empty p is rejected; use WriteEnd to
// terminate a stream.
func WriteChunk(w io.Writer, p []byte) error {
	if len(p) == 0 || len(p) > MaxChunkSize {
		return fmt.Errorf("%w: chunk length %d out of range", ErrProtocolViolation, len(p))
	}
	hdr := EncodeChunkHeader(len(p))
	bufs := net.Buffers{hdr[:], p}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("%w: write chunk: %w", ErrDisconnected, err)
	}
	return nil
}

// WriteEnd writes the terminal marker.
func WriteEnd(w io.Writer) error {
	hdr := EncodeChunkHeader(0)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: write end marker: %w", ErrDisconnected, err)
	}
	return nil
}

// ReadChunk reads one chunk from r into buf, growing it when needed. The
// returned slice aliases buf.
func ReadChunk(r io.Reader, buf []byte) ([]byte, bool, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, true, nil
	}
	if n < 0 || n > MaxChunkSize {
		return nil, false, fmt.Errorf("%w: chunk length %d out of range", ErrProtocolViolation, n)
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if err := readFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

type streamChunkWriter struct {
	w io.Writer
}

// NewChunkWriter adapts a plain writer to ChunkWriter.
func NewChunkWriter(w io.Writer) ChunkWriter {
	return streamChunkWriter{w: w}
}

func (s streamChunkWriter) SendChunk(p []byte) error { return WriteChunk(s.w, p) }
func (s streamChunkWriter) SendEnd() error           { return WriteEnd(s.w) }

type streamChunkReader struct {
	r io.Reader
}

// NewChunkReader adapts a plain reader to ChunkReader.
func NewChunkReader(r io.Reader) ChunkReader {
	return streamChunkReader{r: r}
}

func (s streamChunkReader) ReadChunk(buf []byte) ([]byte, bool, error) {
	return ReadChunk(s.r, buf)
}

// SendChunks streams src to w in blocks of at most blockSize bytes and ends
// the stream with the terminal marker. ctx is checked between chunks; when
// it is done the terminal marker is still written so the peer's stream stays
// framed, and ctx's error is returned.
func SendChunks(ctx context.Context, src io.Reader, w ChunkWriter, blockSize int, total int64, name string, progress ProgressFunc) (int64, error) {
	if blockSize <= 0 || blockSize > MaxChunkSize {
		blockSize = DefaultBlockSize
	}
	buf := make([]byte, blockSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			if endErr := w.SendEnd(); endErr != nil {
				return sent, errors.Join(err, endErr)
			}
			return sent, err
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if err := w.SendChunk(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, total, name)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			if endErr := w.SendEnd(); endErr != nil {
				return sent, errors.Join(readErr, endErr)
			}
			return sent, fmt.Errorf("read source: %w", readErr)
		}
	}
	return sent, w.SendEnd()
}

// ReceiveChunks appends the chunk stream from r to dst until the terminal
// marker. A stream shorter than total reports ErrTransferIntegrity after the
// marker has been consumed, so the caller's stream remains framed.
func ReceiveChunks(ctx context.Context, r ChunkReader, dst io.Writer, total int64, name string, progress ProgressFunc) (int64, error) {
	var (
		received int64
		buf      []byte
		writeErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		chunk, last, err := r.ReadChunk(buf)
		if err != nil {
			return received, err
		}
		if last {
			break
		}
		buf = chunk
		if writeErr == nil {
			if _, err := dst.Write(chunk); err != nil {
				// Keep consuming so the stream stays framed.
				writeErr = fmt.Errorf("write destination: %w", err)
			}
		}
		received += int64(len(chunk))
		if progress != nil {
			progress(received, total, name)
		}
	}
	if writeErr != nil {
		return received, writeErr
	}
	if received < total {
		return received, fmt.Errorf("%w: received %d of %d bytes", ErrTransferIntegrity, received, total)
	}
	return received, nil
}

// DrainChunks discards a chunk stream up to and including its terminal marker.
func DrainChunks(r ChunkReader) (int64, error) {
	return ReceiveChunks(context.Background(), r, io.Discard, 0, "", nil)
}
