package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server.MaxMessageSize, cfg.Server.MaxMessageSize)
	assert.Equal(t, time.Second, cfg.Client.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Client.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gochat.yaml")
	writeFile(t, path, `
server:
  addr: ":9090"
  allowed_origins: ["https://chat.example.com"]
  rate_limit:
    burst: 10
    refill_interval: 500ms
logging:
  level: debug
storage:
  driver: sqlite
  path: /tmp/chat.db
client:
  reconnect:
    base_delay: 2s
    max_delay: 1m
    max_attempts: 3
seed:
  users:
    - {id: u1, username: alice, token: tok-a}
    - {id: u2, username: bob, token: tok-b}
  threads:
    - {id: T1, participants: [u1, u2]}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 2*time.Second, cfg.Client.Reconnect.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Client.Reconnect.MaxDelay)
	assert.Equal(t, 3, cfg.Client.Reconnect.MaxAttempts)
	require.Len(t, cfg.Seed.Threads, 1)
	assert.Equal(t, []string{"u1", "u2"}, cfg.Seed.Threads[0].Participants)

	// Unset fields keep their defaults.
	assert.Equal(t, int64(512), cfg.Server.MaxMessageSize)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gochat.yaml")
	writeFile(t, path, "server:\n  prot: \":1\"\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gochat.yaml")
	writeFile(t, path, `
seed:
  users: [{id: u1, username: alice}]
  threads: [{id: T1, participants: [u1, ghost]}]
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "ghost")
}

// TestEnvOverrides tests the environment layer. It verifies each supported
// variable replaces the file value and invalid numbers fall back.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("MAX_MESSAGE_SIZE", "-5")
	t.Setenv("RATE_LIMIT_BURST", "9")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("STORAGE_PATH", "/var/lib/gochat/chat.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(512), cfg.Server.MaxMessageSize)
	assert.Equal(t, 9, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 3*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/gochat/chat.db", cfg.Storage.Path)
}

func TestSanitize(t *testing.T) {
	var cfg Config
	cfg.Client.Reconnect.BaseDelay = time.Minute
	cfg.Sanitize()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Server.RateLimit.Burst)
	assert.Equal(t, time.Minute, cfg.Client.Reconnect.BaseDelay)
	assert.GreaterOrEqual(t, cfg.Client.Reconnect.MaxDelay, cfg.Client.Reconnect.BaseDelay)
	assert.Equal(t, 10, cfg.Client.Reconnect.MaxAttempts)
}

func TestValidateStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Storage.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Storage.Driver = "memory"
	assert.NoError(t, cfg.Validate())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gochat.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(ctx, path, zerolog.Nop(), func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "logging:\n  level: debug\n")

	select {
	case cfg := <-got:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
