// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the WebSocket surface.
package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/config"
)

// RateLimitConfig defines the parameters for per-connection command rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server settings including security controls.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	SendBuffer      int
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
}

// ConfigFrom extracts the server settings from the application config.
func ConfigFrom(c config.ServerConfig) Config {
	return Config{
		Addr:           c.Addr,
		AllowedOrigins: append([]string(nil), c.AllowedOrigins...),
		MaxMessageSize: c.MaxMessageSize,
		SendBuffer:     c.SendBuffer,
		RateLimit: RateLimitConfig{
			Burst:          c.RateLimit.Burst,
			RefillInterval: c.RateLimit.RefillInterval,
		},
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

func defaultConfig() Config {
	return ConfigFrom(config.Default().Server)
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return cfg
}

// settings holds the active configuration. Connections read it when they
// are created, so updates apply to new connections only.
type settings struct {
	mu              sync.RWMutex
	active          Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
	log             zerolog.Logger
}

func newSettings(cfg Config, log zerolog.Logger) *settings {
	s := &settings{log: log}
	s.apply(cfg)
	return s
}

func (s *settings) apply(cfg Config) {
	cfg = sanitizeConfig(cfg)
	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins, s.log)
	cfg.AllowedOrigins = normalizedOrigins

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = cfg
	s.allowAllOrigins = allowAll
	s.allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		s.allowedOrigins[origin] = struct{}{}
	}
}

func (s *settings) current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.active
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
