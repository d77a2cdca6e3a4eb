package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Tyrowin/gochat-live/internal/config"
)

func TestReconnectPolicyValidate(t *testing.T) {
	var p ReconnectPolicy
	p.Validate()
	assert.Equal(t, ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10}, p)

	p = ReconnectPolicy{BaseDelay: time.Minute, MaxDelay: time.Second, MaxAttempts: 3}
	p.Validate()
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 3, p.MaxAttempts)
}

func TestPolicyFrom(t *testing.T) {
	p := PolicyFrom(config.ReconnectConfig{BaseDelay: 2 * time.Second})
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
}

// TestReconnectDelay tests the backoff curve.
// It verifies doubling from the base, the cap, and the jitter bounds.
func TestReconnectDelay(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
		{5000, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt, 0.5), "attempt %d", tt.attempt)
	}

	assert.Equal(t, 800*time.Millisecond, p.Delay(0, 0))
	assert.Less(t, p.Delay(0, 0.999999), 1200*time.Millisecond)
	assert.Greater(t, p.Delay(0, 0.999999), 1190*time.Millisecond)
	assert.Equal(t, 24*time.Second, p.Delay(10, 0))
	assert.Equal(t, time.Second, p.Delay(-1, 0.5))
}
