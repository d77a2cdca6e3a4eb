package client

import (
	"math"
	"time"

	"github.com/Tyrowin/gochat-live/internal/config"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10

	// jitterFraction spreads each delay uniformly over ±20%.
	jitterFraction = 0.2
)

// ReconnectPolicy bounds the delays between reconnection attempts.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// PolicyFrom converts the configured reconnect settings.
func PolicyFrom(c config.ReconnectConfig) ReconnectPolicy {
	p := ReconnectPolicy{BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay, MaxAttempts: c.MaxAttempts}
	p.Validate()
	return p
}

// Validate fills zero or inconsistent fields with defaults.
func (p *ReconnectPolicy) Validate() {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
}

// Delay returns the wait before reconnection attempt number attempt
// (zero based): min(base*2^attempt, max) scaled by a jitter factor in
// [0.8, 1.2). r is a uniform sample from [0, 1).
func (p ReconnectPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	r = math.Min(math.Max(r, 0), 1)

	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		d = float64(p.MaxDelay)
	}
	d *= 1 + jitterFraction*(2*r-1)
	return time.Duration(d)
}
