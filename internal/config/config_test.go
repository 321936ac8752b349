package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateEnv makes sure none of keys leak in from the host environment and
// that values loaded from a .env file are removed after the test.
func isolateEnv(t *testing.T, keys ...string) {
	t.Helper()
	t.Setenv(envPrefix+"ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range keys {
		t.Setenv(envPrefix+key, "")
		os.Unsetenv(envPrefix + key)
	}
}

func TestLoadServer_Defaults(t *testing.T) {
	isolateEnv(t, "ADDR", "WRITE_TIMEOUT", "RELAY_SLACK", "LOG_LEVEL", "ANNOUNCE", "NAME")

	cfg, err := LoadServer(nil)
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, int64(64<<10), cfg.RelaySlack)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Announce)
	assert.Equal(t, DefaultDiscoveryGroup, cfg.DiscoveryGroup)
	assert.NotEmpty(t, cfg.Name)
}

func TestLoadServer_Layering(t *testing.T) {
	isolateEnv(t, "ADDR", "WRITE_TIMEOUT", "RELAY_SLACK", "ANNOUNCE", "NAME", "LOG_LEVEL")

	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("LANCHAT_NAME=from-dotenv\nLANCHAT_RELAY_SLACK=100\n"), 0o600))
	t.Setenv(envPrefix+"ENV_FILE", envFile)
	t.Setenv(envPrefix+"ADDR", "6000")
	t.Setenv(envPrefix+"ANNOUNCE", "true")
	t.Setenv(envPrefix+"WRITE_TIMEOUT", "not-a-duration")

	cfg, err := LoadServer([]string{"-relay-slack", "200", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Addr, "bare port is normalized")
	assert.True(t, cfg.Announce)
	assert.Equal(t, "from-dotenv", cfg.Name)
	assert.Equal(t, int64(200), cfg.RelaySlack, "flags win over .env")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout, "invalid env falls back to default")
}

func TestLoadServer_BadFlag(t *testing.T) {
	isolateEnv(t)
	_, err := LoadServer([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Client
		wantErr bool
	}{
		{
			name: "minimal",
			args: []string{"-username", "alice"},
			want: Client{
				Server:         "localhost:5000",
				Username:       "alice",
				DownloadDir:    "Downloads",
				BlockSize:      64 << 10,
				WriteTimeout:   30 * time.Second,
				LogLevel:       "warn",
				DiscoveryGroup: DefaultDiscoveryGroup,
				DiscoveryWait:  3 * time.Second,
			},
		},
		{
			name: "block size out of range is reset",
			args: []string{"-username", " bob ", "-block-size", "0", "-server", "ws://10.0.0.5:5000/ws"},
			want: Client{
				Server:         "ws://10.0.0.5:5000/ws",
				Username:       "bob",
				DownloadDir:    "Downloads",
				BlockSize:      64 << 10,
				WriteTimeout:   30 * time.Second,
				LogLevel:       "warn",
				DiscoveryGroup: DefaultDiscoveryGroup,
				DiscoveryWait:  3 * time.Second,
			},
		},
		{name: "missing username", args: nil, wantErr: true},
		{name: "pipe in username", args: []string{"-username", "a|b"}, wantErr: true},
		{name: "sender separator in username", args: []string{"-username", "bob: admin"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t, "SERVER", "USERNAME", "DOWNLOAD_DIR", "BLOCK_SIZE", "WRITE_TIMEOUT", "LOG_LEVEL", "EVENTS_OUT", "DISCOVERY_GROUP", "DISCOVERY_WAIT")

			got, err := LoadClient(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeListenAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ":5000"},
		{"5001", ":5001"},
		{":5002", ":5002"},
		{"127.0.0.1:0", "127.0.0.1:0"},
	}
	for _, tt := range tests {
		if got := normalizeListenAddr(tt.in); got != tt.want {
			t.Errorf("normalizeListenAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadDotEnv_Malformed(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "bad.env")
	require.NoError(t, os.WriteFile(envFile, []byte("LANCHAT_NAME='unterminated\n"), 0o600))
	t.Setenv(envPrefix+"ENV_FILE", envFile)

	assert.Error(t, loadDotEnv())
}
