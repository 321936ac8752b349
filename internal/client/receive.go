package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/lanchat/internal/chat"
	"github.com/omochice/lanchat/internal/storage"
	"github.com/omochice/lanchat/pkg/protocol"
)

// receive is the connection's only reader. It emits Disconnected exactly once
// when the connection ends, after the session is ready to Connect again.
func (s *Session) receive(ctx context.Context, conn *chat.Conn) {
	defer s.wg.Done()

	err := s.dispatch(ctx, conn)
	conn.Close()

	s.mu.Lock()
	s.cancel()
	reason := s.reason
	if reason == nil && !s.closing {
		reason = err
	}
	if s.conn == conn {
		s.conn = nil
		s.cancel = nil
		s.reason = nil
		s.closing = false
		s.username = ""
	}
	s.mu.Unlock()

	if reason != nil {
		log.Warn().Err(reason).Str("conn", conn.ID()).
			Str("outcome", protocol.OutcomeOf(reason).String()).Msg("disconnected from server")
	} else {
		log.Info().Str("conn", conn.ID()).Msg("disconnected from server")
	}
	s.sink.Disconnected(reason)
}

func (s *Session) dispatch(ctx context.Context, conn *chat.Conn) error {
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			return err
		}

		// The chunk stream follows the header immediately, so it is read here
		// before the next frame.
		if protocol.IsFileHeader(payload) {
			if err := s.receiveFile(ctx, conn, payload); err != nil {
				return err
			}
			continue
		}

		b, err := protocol.ParseBroadcast(payload, time.Now())
		if err != nil {
			s.sink.SystemNotice(payload)
			continue
		}
		if b.System {
			s.sink.SystemNotice(b.Text)
		} else {
			s.sink.ChatReceived(b.Sender, b.Text, b.Time)
		}
	}
}

// receiveFile stores one incoming file. It returns an error only when the
// connection can no longer be read; a failed transfer that left the stream
// framed is reported to the sink and the session continues.
func (s *Session) receiveFile(ctx context.Context, conn *chat.Conn, payload string) error {
	header, err := protocol.ParseFileHeader(payload)
	if err != nil {
		log.Warn().Err(err).Str("header", payload).Msg("discarding file with malformed header")
		s.sink.TransferFailed(payload, err)
		_, drainErr := protocol.DrainChunks(conn)
		return drainErr
	}

	logger := log.With().Str("file", header.FileName).Str("user", header.Sender).Int64("size", header.Size).Logger()

	path, err := s.storeFile(ctx, conn, header)
	if err == nil {
		logger.Info().Str("path", path).Msg("file received")
		s.sink.FileReceived(path, header)
		return nil
	}

	outcome := protocol.OutcomeOf(err)
	logger.Warn().Err(err).Str("outcome", outcome.String()).Msg("file receive failed")
	s.sink.TransferFailed(header.FileName, err)

	switch outcome {
	case protocol.OutcomeDisconnected, protocol.OutcomeProtocolViolation, protocol.OutcomeCanceled:
		return err
	default:
		return nil
	}
}

func (s *Session) storeFile(ctx context.Context, conn *chat.Conn, header protocol.FileHeader) (string, error) {
	store, err := s.fileStore()
	if err != nil {
		return "", drain(conn, err)
	}
	w, path, err := store.Create(header.FileName)
	if err != nil {
		return "", drain(conn, err)
	}

	_, err = protocol.ReceiveChunks(ctx, conn, w, header.Size, header.FileName, s.sink.FileProgress)
	if closeErr := w.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	if err != nil {
		if rmErr := store.Remove(path); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", path).Msg("failed to remove partial file")
		}
		return "", err
	}
	return path, nil
}

// drain consumes the chunk stream of a file that cannot be stored.
func drain(conn *chat.Conn, cause error) error {
	if _, err := protocol.DrainChunks(conn); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Session) fileStore() (*storage.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		store, err := storage.New(DefaultDownloadDir)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	return s.store, nil
}
