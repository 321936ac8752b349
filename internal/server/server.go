// Package server implements the chat hub. Raw TCP peers and WebSocket peers
// share one port; each peer gets a single reader goroutine and all fan-out
// goes through a chat.Relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/lanchat/internal/chat"
	"github.com/omochice/lanchat/internal/config"
	"github.com/omochice/lanchat/internal/discovery"
)

// ErrServerStopped is returned by Serve and Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Server represents the chat server
type Server struct {
	cfg      config.Server
	registry *chat.Registry
	relay    *chat.Relay

	listener  net.Listener
	upgrades  *chanListener
	http      *http.Server
	announcer *discovery.Announcer

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a new Server instance
func New(cfg config.Server) *Server {
	registry := chat.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: registry,
		relay:    chat.NewRelay(registry, chat.WithSlack(cfg.RelaySlack)),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
}

// Listen binds the listening socket and starts the HTTP side and, when
// configured, the LAN announcer. Connections are not accepted until Serve.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.upgrades = newChanListener(listener.Addr())
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(s.upgrades); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	if s.cfg.Announce {
		s.startAnnouncer(listener.Addr())
	}

	log.Info().
		Str("addr", listener.Addr().String()).
		Str("lan", discovery.LocalIPv4()).
		Msg("server started (TCP and WebSocket)")
	return nil
}

func (s *Server) startAnnouncer(addr net.Addr) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	a, err := discovery.NewAnnouncer(s.cfg.DiscoveryGroup, s.cfg.Name, tcpAddr.Port, s.cfg.AnnounceInterval)
	if err == nil {
		err = a.Start()
	}
	if err != nil {
		log.Warn().Err(err).Str("group", s.cfg.DiscoveryGroup).Msg("LAN announcer disabled")
		return
	}
	s.announcer = a
	log.Info().Str("group", s.cfg.DiscoveryGroup).Str("name", s.cfg.Name).Msg("announcing on LAN")
}

// Serve accepts connections until Stop is called, then returns
// ErrServerStopped.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	s.wg.Add(1)
	go s.acceptConnections()

	<-s.quit
	return ErrServerStopped
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every peer, and waits for all goroutines.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()

		if s.announcer != nil {
			s.announcer.Stop()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		if s.http != nil {
			s.http.Close()
			s.upgrades.Close()
		}
		for _, e := range s.registry.Snapshot() {
			e.Conn.Close()
		}
		s.wg.Wait()
		log.Info().Msg("server stopped")
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// PeerCount returns the number of connected peers, joined or not.
func (s *Server) PeerCount() int {
	return s.registry.Count()
}

// JoinedCount returns the number of peers that have sent JOIN.
func (s *Server) JoinedCount() int {
	return s.registry.JoinedCount()
}

func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection determines whether the connection is HTTP (WebSocket) or
// a raw TCP peer.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	proto, c, err := detectProtocol(conn, detectTimeout)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to peek connection")
		conn.Close()
		return
	}

	switch proto {
	case protocolHTTP:
		if !s.upgrades.push(c) {
			conn.Close()
		}
	default:
		s.servePeer(c, "tcp")
	}
}
