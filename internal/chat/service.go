// Package chat creates messages and publishes them to live subscribers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/bus"
	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/membership"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// DefaultMaxContentLength bounds message content in runes.
const DefaultMaxContentLength = 4000

// ErrInvalidContent is returned for empty or oversized content, or a missing
// thread id.
var ErrInvalidContent = errors.New("invalid content")

// Option configures a Service.
type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxContentLength overrides DefaultMaxContentLength. Values below 1 are
// ignored.
func WithMaxContentLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// Service is the persist-and-broadcast operation.
type Service struct {
	store   store.Store
	bus     bus.Bus
	log     zerolog.Logger
	metrics *metrics.Metrics
	maxLen  int
}

func NewService(st store.Store, b bus.Bus, opts ...Option) *Service {
	s := &Service{
		store:  st,
		bus:    b,
		log:    zerolog.Nop(),
		maxLen: DefaultMaxContentLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send persists content from sender into threadID and publishes it to the
// thread topic and the global topic. A repeated clientID from the same
// sender returns the original message without publishing again.
func (s *Service) Send(ctx context.Context, sender events.Identity, threadID, content, clientID string) (events.MessageEvent, error) {
	threadID = strings.TrimSpace(threadID)
	content = strings.TrimSpace(content)
	if threadID == "" {
		return events.MessageEvent{}, fmt.Errorf("%w: thread id is required", ErrInvalidContent)
	}
	if content == "" {
		return events.MessageEvent{}, fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if n := utf8.RuneCountInString(content); n > s.maxLen {
		return events.MessageEvent{}, fmt.Errorf("%w: content is %d characters, limit %d", ErrInvalidContent, n, s.maxLen)
	}

	ok, err := s.store.IsParticipant(ctx, sender.UserID, threadID)
	if err != nil {
		return events.MessageEvent{}, fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return events.MessageEvent{}, fmt.Errorf("%w: %s cannot post to %s", membership.ErrForbidden, sender.UserID, threadID)
	}

	ev, created, err := s.store.CreateMessage(ctx, threadID, sender.UserID, content, strings.TrimSpace(clientID))
	if err != nil {
		return events.MessageEvent{}, fmt.Errorf("create message: %w", err)
	}
	if !created {
		s.log.Debug().
			Str("thread", threadID).
			Str("user", sender.UserID).
			Str("message", ev.ID).
			Msg("Duplicate send, returning existing message")
		return ev, nil
	}

	if err := s.store.TouchThreadUpdatedAt(ctx, threadID); err != nil {
		// The message exists; a stale thread timestamp must not hide it.
		s.log.Warn().Err(err).Str("thread", threadID).Msg("Failed to touch thread")
	}

	s.metrics.MessageCreated()
	s.bus.Publish(events.ThreadTopic(threadID), ev)
	s.bus.Publish(events.GlobalTopic, ev)

	s.log.Debug().
		Str("thread", threadID).
		Str("user", sender.UserID).
		Str("message", ev.ID).
		Msg("Message published")
	return ev, nil
}
