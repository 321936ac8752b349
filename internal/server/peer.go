package server

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/lanchat/internal/chat"
	"github.com/omochice/lanchat/pkg/protocol"
)

// servePeer registers stream as a peer and runs its reader loop until the
// peer disconnects, misbehaves, or the server stops.
func (s *Server) servePeer(stream chat.Stream, transport string) {
	conn := chat.NewConn(stream,
		chat.WithWriteTimeout(s.cfg.WriteTimeout),
		chat.WithCloseHook(s.onClose),
	)
	logger := log.With().
		Str("conn", conn.ID()).
		Str("remote", conn.RemoteAddr()).
		Str("transport", transport).
		Logger()

	s.registry.Add(conn)
	if s.stopping() {
		conn.Close()
		return
	}
	logger.Info().Msg("peer connected")

	err := s.readLoop(conn, logger)
	conn.Close()

	outcome := protocol.OutcomeOf(err)
	ev := logger.Info()
	if outcome != protocol.OutcomeDisconnected && outcome != protocol.OutcomeOK {
		ev = logger.Warn().Err(err)
	}
	ev.Str("user", conn.Username()).Str("outcome", outcome.String()).Msg("peer disconnected")
}

func (s *Server) readLoop(conn *chat.Conn, logger zerolog.Logger) error {
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := s.handleFrame(conn, payload, logger); err != nil {
			return err
		}
	}
}

// handleFrame acts on one control frame. A non-nil error ends the peer.
func (s *Server) handleFrame(conn *chat.Conn, payload string, logger zerolog.Logger) error {
	if protocol.IsFileHeader(payload) {
		return s.handleFile(conn, payload, logger)
	}

	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		logger.Debug().Err(err).Msg("skipping frame")
		return nil
	}

	switch msg.Type {
	case protocol.MessageTypeJoin:
		if !s.registry.Bind(conn, msg.Sender) {
			return protocol.ErrClosed
		}
		logger.Info().Str("user", msg.Sender).Msg("peer joined")
		if _, err := s.relay.BroadcastSystem(msg.Sender + " joined the chat"); err != nil {
			logger.Warn().Err(err).Msg("failed to announce join")
		}
	case protocol.MessageTypeText:
		n, err := s.relay.BroadcastChat(msg.Sender, msg.Content)
		if err != nil {
			// Too long once wrapped; the peer's stream is still framed.
			logger.Warn().Err(err).Str("user", msg.Sender).Msg("dropping message")
			return nil
		}
		logger.Debug().Str("user", msg.Sender).Int("targets", n).Msg("message broadcast")
	}
	return nil
}

// handleFile relays the chunk stream that follows a FILE header. A short
// stream leaves the sender framed and keeps it connected; any other failure
// ends it.
func (s *Server) handleFile(conn *chat.Conn, payload string, logger zerolog.Logger) error {
	header, err := protocol.ParseFileHeader(payload)
	if err != nil {
		n, drainErr := s.relay.DrainFile(conn)
		logger.Warn().Err(err).Int64("bytes", n).Msg("discarded file with malformed header")
		return drainErr
	}

	t, err := s.relay.RelayFile(s.ctx, conn, header, payload)
	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str("user", header.Sender).
		Str("file", header.FileName).
		Int64("bytes", t.Bytes).
		Int("targets", t.Targets).
		Int("delivered", t.Delivered).
		Str("outcome", protocol.OutcomeOf(err).String()).
		Msg("file relayed")

	if protocol.OutcomeOf(err) == protocol.OutcomeTransferIntegrity {
		return nil
	}
	return err
}

// onClose runs once per peer when its connection closes.
func (s *Server) onClose(c *chat.Conn) {
	entry, ok := s.registry.Remove(c)
	if !ok || !entry.Joined || s.stopping() {
		return
	}
	if _, err := s.relay.BroadcastSystem(entry.Username + " left the chat"); err != nil {
		log.Warn().Err(err).Str("user", entry.Username).Msg("failed to announce leave")
	}
}
