// Package session turns an authorized subscribe request into a live bus
// registration owned by a Session handle.
//
// A Session is created only after the membership gate passes, holds exactly
// one bus registration, and has a single teardown path: Close. Events are
// handed to the consumer through a bounded channel; a consumer that falls
// behind has its session closed with ErrSlowConsumer rather than stalling
// the bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/bus"
	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/membership"
	"github.com/Tyrowin/gochat-live/internal/metrics"
)

// DefaultBuffer is the per-session event buffer used when none is configured.
const DefaultBuffer = 64

// ErrSlowConsumer is the close reason for a session whose buffer overflowed.
var ErrSlowConsumer = errors.New("slow consumer")

// Authorizer is the subscribe-time check. *membership.Gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, who events.Identity, topic events.Topic) (membership.Grant, error)
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithBuffer sets the per-session event buffer. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// Manager opens sessions against one bus and one gate.
type Manager struct {
	gate    Authorizer
	bus     bus.Bus
	log     zerolog.Logger
	metrics *metrics.Metrics
	buffer  int
	now     func() time.Time
}

func NewManager(gate Authorizer, b bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		gate:   gate,
		bus:    b,
		log:    zerolog.Nop(),
		buffer: DefaultBuffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open authorizes who for topic and registers a live session. On any error
// no registration exists. Events published before Open returns are missed.
func (m *Manager) Open(ctx context.Context, who events.Identity, topic events.Topic) (*Session, error) {
	grant, err := m.gate.Authorize(ctx, who, topic)
	if err != nil {
		if errors.Is(err, membership.ErrForbidden) {
			m.metrics.SubscribeDenied()
			m.log.Debug().Str("user", who.UserID).Str("topic", topic.String()).Msg("Subscribe denied")
		}
		return nil, err
	}
	// The caller may have gone away while the gate was resolving.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := &Session{
		ID:           uuid.NewString(),
		SubscriberID: who.UserID,
		Topic:        topic,
		CreatedAt:    m.now().UTC(),
		grant:        grant,
		ch:           make(chan events.MessageEvent, m.buffer),
		done:         make(chan struct{}),
		mgr:          m,
	}
	m.metrics.SessionOpened()
	cancel := m.bus.Subscribe(topic, s.deliver)

	s.mu.Lock()
	s.cancel = cancel
	overflowed := s.closed
	s.mu.Unlock()
	// An overflow during registration already closed the session.
	if overflowed {
		cancel()
	}

	m.log.Debug().
		Str("session", s.ID).
		Str("user", who.UserID).
		Str("topic", topic.String()).
		Msg("Session opened")
	return s, nil
}

// Session is one live subscription.
type Session struct {
	ID           string
	SubscriberID string
	Topic        events.Topic
	CreatedAt    time.Time

	grant  membership.Grant
	mgr    *Manager
	cancel func()

	mu     sync.Mutex
	closed bool
	err    error
	ch     chan events.MessageEvent
	done   chan struct{}
}

// Events returns the delivery channel. It is closed when the session ends.
func (s *Session) Events() <-chan events.MessageEvent { return s.ch }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the close reason: nil after Close, ErrSlowConsumer after an
// overflow.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close deregisters the session. It is idempotent and safe to call
// concurrently with dispatch.
func (s *Session) Close() {
	s.closeWith(nil)
}

func (s *Session) deliver(ev events.MessageEvent) {
	s.mu.Lock()
	if s.closed || !s.grant.Allows(ev.ThreadID) {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- ev:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	s.mgr.metrics.SessionOverflow()
	s.mgr.log.Warn().
		Str("session", s.ID).
		Str("user", s.SubscriberID).
		Str("topic", s.Topic.String()).
		Msg("Session buffer full, closing")
	s.closeWith(ErrSlowConsumer)
}

func (s *Session) closeWith(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = reason
	s.grant.Threads = map[string]struct{}{}
	close(s.ch)
	close(s.done)
	cancel := s.cancel
	s.mu.Unlock()

	// The bus holds no lock while dispatching, so this is safe from inside
	// deliver.
	if cancel != nil {
		cancel()
	}
	s.mgr.metrics.SessionClosed()
	s.mgr.log.Debug().Str("session", s.ID).Msg("Session closed")
}
