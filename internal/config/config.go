// Package config defines runtime defaults, file loading, environment
// overrides and validation for the gochat server and client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// RateLimitConfig defines the per-connection inbound command budget.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// ServerConfig holds the HTTP and WebSocket settings.
type ServerConfig struct {
	Addr             string          `yaml:"addr"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	MaxMessageSize   int64           `yaml:"max_message_size"`
	MaxContentLength int             `yaml:"max_content_length"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	SendBuffer       int             `yaml:"send_buffer"`
	SessionBuffer    int             `yaml:"session_buffer"`
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

type StorageConfig struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ReconnectConfig is the client backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ClientConfig struct {
	ServerURL    string          `yaml:"server_url"`
	Token        string          `yaml:"token"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	SendTimeout  time.Duration   `yaml:"send_timeout"`
	HistoryLimit int             `yaml:"history_limit"`
	SeenLimit    int             `yaml:"seen_limit"`
}

type SeedUser struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Token    string `yaml:"token"`
}

type SeedThread struct {
	ID           string   `yaml:"id"`
	Participants []string `yaml:"participants"`
}

// SeedConfig lists the users and threads created at startup.
type SeedConfig struct {
	Users   []SeedUser   `yaml:"users"`
	Threads []SeedThread `yaml:"threads"`
}

// Config is the root document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Client  ClientConfig  `yaml:"client"`
	Seed    SeedConfig    `yaml:"seed"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize:   512,
			MaxContentLength: 4000,
			RateLimit: RateLimitConfig{
				Burst:          5,
				RefillInterval: time.Second,
			},
			SendBuffer:      256,
			SessionBuffer:   64,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			Reconnect: ReconnectConfig{
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				MaxAttempts: 10,
			},
			SendTimeout:  10 * time.Second,
			HistoryLimit: 200,
			SeenLimit:    1024,
		},
	}
}

// Sanitize restores defaults for zero or invalid values.
func (c *Config) Sanitize() {
	def := Default()

	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.MaxContentLength <= 0 {
		c.Server.MaxContentLength = def.Server.MaxContentLength
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = def.Server.SendBuffer
	}
	if c.Server.SessionBuffer <= 0 {
		c.Server.SessionBuffer = def.Server.SessionBuffer
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = def.Storage.Driver
	}

	if c.Client.Reconnect.BaseDelay <= 0 {
		c.Client.Reconnect.BaseDelay = def.Client.Reconnect.BaseDelay
	}
	if c.Client.Reconnect.MaxDelay < c.Client.Reconnect.BaseDelay {
		c.Client.Reconnect.MaxDelay = max(def.Client.Reconnect.MaxDelay, c.Client.Reconnect.BaseDelay)
	}
	if c.Client.Reconnect.MaxAttempts <= 0 {
		c.Client.Reconnect.MaxAttempts = def.Client.Reconnect.MaxAttempts
	}
	if c.Client.SendTimeout <= 0 {
		c.Client.SendTimeout = def.Client.SendTimeout
	}
	if c.Client.HistoryLimit <= 0 {
		c.Client.HistoryLimit = def.Client.HistoryLimit
	}
	if c.Client.SeenLimit <= 0 {
		c.Client.SeenLimit = def.Client.SeenLimit
	}
}

// Validate reports configuration that cannot be repaired by Sanitize.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	users := make(map[string]struct{}, len(c.Seed.Users))
	for i, u := range c.Seed.Users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("seed.users[%d].id is required", i)
		}
		users[u.ID] = struct{}{}
	}
	for i, t := range c.Seed.Threads {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("seed.threads[%d].id is required", i)
		}
		for _, p := range t.Participants {
			if _, ok := users[p]; !ok {
				return fmt.Errorf("seed.threads[%d] %q: unknown participant %q", i, t.ID, p)
			}
		}
	}
	return nil
}

// Load reads defaults, then the YAML file at path (if non-empty), then
// environment overrides, and returns the sanitized result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays the environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Addr = normalizeAddr(port)
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_MESSAGE_SIZE
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.Server.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.Server.MaxMessageSize)
	}

	// Load RATE_LIMIT_BURST
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.Server.RateLimit.Burst = parseIntValue(burst, cfg.Server.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.Server.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.Server.RateLimit.RefillInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("STORAGE_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// normalizeAddr accepts "8080" as well as ":8080" or "host:8080".
func normalizeAddr(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
