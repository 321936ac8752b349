// Package config loads runtime settings for the chat server and client.
// Values are layered: built-in defaults, then a .env file, then LANCHAT_*
// environment variables, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/omochice/lanchat/pkg/protocol"
)

const (
	envPrefix = "LANCHAT_"

	// DefaultPort is the chat port used when none is configured.
	DefaultPort = "5000"

	// DefaultDiscoveryGroup is the multicast group servers announce on.
	DefaultDiscoveryGroup = "239.255.42.42:5001"

	defaultSlack     = 64 << 10
	defaultBlockSize = 64 << 10
	maxBlockSize     = 10 << 20
)

// Server holds the chat server settings.
type Server struct {
	Addr             string
	WriteTimeout     time.Duration
	RelaySlack       int64
	LogLevel         string
	Announce         bool
	Name             string
	DiscoveryGroup   string
	AnnounceInterval time.Duration
}

// Client holds the chat client settings.
type Client struct {
	Server         string
	Username       string
	DownloadDir    string
	BlockSize      int
	WriteTimeout   time.Duration
	LogLevel       string
	EventsOut      string
	DiscoveryGroup string
	DiscoveryWait  time.Duration
}

// DefaultServer returns the server defaults.
func DefaultServer() Server {
	host, _ := os.Hostname()
	return Server{
		Addr:             ":" + DefaultPort,
		WriteTimeout:     30 * time.Second,
		RelaySlack:       defaultSlack,
		LogLevel:         "info",
		Name:             host,
		DiscoveryGroup:   DefaultDiscoveryGroup,
		AnnounceInterval: 2 * time.Second,
	}
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		Server:         "localhost:" + DefaultPort,
		DownloadDir:    "Downloads",
		BlockSize:      defaultBlockSize,
		WriteTimeout:   30 * time.Second,
		LogLevel:       "warn",
		DiscoveryGroup: DefaultDiscoveryGroup,
		DiscoveryWait:  3 * time.Second,
	}
}

// LoadServer builds the server settings from the environment and args.
func LoadServer(args []string) (Server, error) {
	if err := loadDotEnv(); err != nil {
		return Server{}, err
	}
	cfg := DefaultServer()

	cfg.Addr = envString("ADDR", cfg.Addr)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.RelaySlack = envInt64("RELAY_SLACK", cfg.RelaySlack)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Announce = envBool("ANNOUNCE", cfg.Announce)
	cfg.Name = envString("NAME", cfg.Name)
	cfg.DiscoveryGroup = envString("DISCOVERY_GROUP", cfg.DiscoveryGroup)
	cfg.AnnounceInterval = envDuration("ANNOUNCE_INTERVAL", cfg.AnnounceInterval)

	flags := flag.NewFlagSet("lanchat-server", flag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on for TCP and WebSocket peers (e.g., :5000)")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for a single frame or chunk write (0 disables)")
	flags.Int64Var(&cfg.RelaySlack, "relay-slack", cfg.RelaySlack, "Bytes a relayed file may exceed its declared size")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.Announce, "announce", cfg.Announce, "Announce the server on the LAN")
	flags.StringVar(&cfg.Name, "name", cfg.Name, "Server name used in LAN announcements")
	flags.StringVar(&cfg.DiscoveryGroup, "discovery-group", cfg.DiscoveryGroup, "Multicast group for LAN announcements")
	flags.DurationVar(&cfg.AnnounceInterval, "announce-interval", cfg.AnnounceInterval, "Interval between LAN announcements")
	if err := flags.Parse(args); err != nil {
		return Server{}, err
	}
	return sanitizeServer(cfg), nil
}

// LoadClient builds the client settings from the environment and args.
func LoadClient(args []string) (Client, error) {
	if err := loadDotEnv(); err != nil {
		return Client{}, err
	}
	cfg := DefaultClient()

	cfg.Server = envString("SERVER", cfg.Server)
	cfg.Username = envString("USERNAME", cfg.Username)
	cfg.DownloadDir = envString("DOWNLOAD_DIR", cfg.DownloadDir)
	cfg.BlockSize = envInt("BLOCK_SIZE", cfg.BlockSize)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.EventsOut = envString("EVENTS_OUT", cfg.EventsOut)
	cfg.DiscoveryGroup = envString("DISCOVERY_GROUP", cfg.DiscoveryGroup)
	cfg.DiscoveryWait = envDuration("DISCOVERY_WAIT", cfg.DiscoveryWait)

	flags := flag.NewFlagSet("lanchat-client", flag.ContinueOnError)
	flags.StringVar(&cfg.Server, "server", cfg.Server, "Server address: host:port, ws://host:port/ws, or auto to discover on the LAN")
	flags.StringVar(&cfg.Username, "username", cfg.Username, "Username for chat")
	flags.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "Directory for received files")
	flags.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "Chunk size for sent files in bytes")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for a single frame or chunk write (0 disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.EventsOut, "events-out", cfg.EventsOut, "Also write session events as delimited protobuf to this file")
	flags.StringVar(&cfg.DiscoveryGroup, "discovery-group", cfg.DiscoveryGroup, "Multicast group for LAN discovery")
	flags.DurationVar(&cfg.DiscoveryWait, "discovery-wait", cfg.DiscoveryWait, "How long -server auto listens for announcements")
	if err := flags.Parse(args); err != nil {
		return Client{}, err
	}

	cfg = sanitizeClient(cfg)
	if cfg.Username == "" {
		return Client{}, errors.New("username is required: use -username or LANCHAT_USERNAME")
	}
	if err := protocol.ValidateUsername(cfg.Username); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func sanitizeServer(cfg Server) Server {
	def := DefaultServer()
	cfg.Addr = normalizeListenAddr(cfg.Addr)
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	if cfg.RelaySlack < 0 {
		cfg.RelaySlack = def.RelaySlack
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Name == "" {
		cfg.Name = "lanchat"
	}
	if cfg.DiscoveryGroup == "" {
		cfg.DiscoveryGroup = def.DiscoveryGroup
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = def.AnnounceInterval
	}
	return cfg
}

func sanitizeClient(cfg Client) Client {
	def := DefaultClient()
	cfg.Server = strings.TrimSpace(cfg.Server)
	if cfg.Server == "" {
		cfg.Server = def.Server
	}
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = def.DownloadDir
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize > maxBlockSize {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DiscoveryGroup == "" {
		cfg.DiscoveryGroup = def.DiscoveryGroup
	}
	if cfg.DiscoveryWait <= 0 {
		cfg.DiscoveryWait = def.DiscoveryWait
	}
	return cfg
}

// normalizeListenAddr accepts "5000" as shorthand for ":5000".
func normalizeListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":" + DefaultPort
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}

func loadDotEnv() error {
	path := os.Getenv(envPrefix + "ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(envString(key, "")); err == nil {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, err := strconv.ParseInt(envString(key, ""), 10, 64); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(envString(key, "")); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(envString(key, "")); err == nil {
		return v
	}
	return def
}
