package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// TestRateLimiterBurst tests the per-connection limiter.
// It verifies a full bucket admits exactly burst commands and then refuses.
func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "command %d", i)
	}
	assert.False(t, rl.allow())
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.allow())
}

func TestRateLimiterInvalidParameters(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.True(t, rl.allow())
}

func TestNormalizeOrigins(t *testing.T) {
	got, allowAll := normalizeOrigins([]string{" HTTP://Example.COM ", "", "not a url", "https://chat.test:8443"}, zerolog.Nop())
	assert.False(t, allowAll)
	assert.Equal(t, []string{"http://example.com", "https://chat.test:8443"}, got)

	_, allowAll = normalizeOrigins([]string{"*"}, zerolog.Nop())
	assert.True(t, allowAll)
}

// TestOriginPolicy tests origin checks against live settings.
// It verifies the allowlist applies, updates take effect and requests without
// an Origin header are left to token authentication.
func TestOriginPolicy(t *testing.T) {
	s := newSettings(Config{AllowedOrigins: []string{"http://localhost:8080"}}, zerolog.Nop())

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, s.checkOrigin(req("http://LOCALHOST:8080")))
	assert.False(t, s.checkOrigin(req("http://evil.test")))
	assert.False(t, s.checkOrigin(req("::bad")))
	assert.True(t, s.checkOrigin(req("")))

	s.apply(Config{AllowedOrigins: []string{"http://evil.test"}})
	assert.True(t, s.checkOrigin(req("http://evil.test")))
	assert.False(t, s.checkOrigin(req("http://localhost:8080")))

	s.apply(Config{AllowedOrigins: []string{"*"}})
	assert.True(t, s.checkOrigin(req("http://anything.test")))
}

func TestSanitizeConfig(t *testing.T) {
	cfg := sanitizeConfig(Config{})
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, int64(512), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Positive(t, cfg.SendBuffer)
	assert.Positive(t, cfg.ShutdownTimeout)
}

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		allowQuery bool
		want       string
	}{
		{"bearer", "Bearer abc", "", false, "abc"},
		{"bearer case", "bearer  abc ", "", false, "abc"},
		{"other scheme", "Basic abc", "", true, ""},
		{"query allowed", "", "?token=q", true, "q"},
		{"query refused", "", "?token=q", false, ""},
		{"header wins", "Bearer h", "?token=q", true, "h"},
		{"none", "", "", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, requestToken(r, tt.allowQuery))
		})
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.False(t, isExpectedCloseError(assert.AnError))
	assert.True(t, isExpectedCloseError(errors.New("write: broken pipe")))
}
