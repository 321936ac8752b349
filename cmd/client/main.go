package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/omochice/lanchat/internal/client"
	"github.com/omochice/lanchat/internal/config"
	"github.com/omochice/lanchat/internal/discovery"
	"github.com/omochice/lanchat/internal/events"
	"github.com/omochice/lanchat/internal/logging"
	"github.com/omochice/lanchat/internal/storage"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logging.Setup(cfg.LogLevel, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address, err := resolveServer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to find a server")
	}
	store, err := storage.New(cfg.DownloadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare download directory")
	}

	console := newConsoleSink(os.Stdout)
	sinks := []events.Sink{console}
	if cfg.EventsOut != "" {
		f, err := os.Create(cfg.EventsOut)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open events file")
		}
		defer f.Close()
		sinks = append(sinks, events.NewProtoSink(f))
	}

	c := client.New(address,
		client.WithSink(events.Multi(sinks...)),
		client.WithStore(store),
		client.WithBlockSize(cfg.BlockSize),
		client.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err := c.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to server")
	}
	defer c.Disconnect()

	if err := c.Join(cfg.Username); err != nil {
		log.Fatal().Err(err).Msg("failed to join chat")
	}

	fmt.Fprintf(os.Stdout, "Joined as %s. Type messages, \"/file <path>\" to send a file, or \"quit\" to exit.\n", cfg.Username)

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- runInput(ctx, os.Stdin, c)
	}()

	select {
	case err := <-inputDone:
		if err != nil {
			log.Error().Err(err).Msg("input stopped")
		}
	case <-console.Gone():
	case <-ctx.Done():
	}
}

// resolveServer returns cfg.Server, or the most recently heard LAN server
// when it is "auto".
func resolveServer(ctx context.Context, cfg config.Client) (string, error) {
	if cfg.Server != "auto" {
		return cfg.Server, nil
	}
	fmt.Fprintf(os.Stdout, "Looking for servers on %s...\n", cfg.DiscoveryGroup)
	peers, err := discovery.Discover(ctx, cfg.DiscoveryGroup, cfg.DiscoveryWait)
	if err != nil {
		return "", err
	}
	if len(peers) == 0 {
		return "", errors.New("no server announced itself on the LAN")
	}
	for _, p := range peers {
		fmt.Fprintf(os.Stdout, "  found %s at %s\n", p.Name, p.Addr())
	}
	return peers[0].Addr(), nil
}
