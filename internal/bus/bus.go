// Package bus implements the in-process event bus that turns a published
// message into calls on every handler registered for its topic.
//
// Contract:
//   - Publish dispatches synchronously; when it returns, every handler that
//     was registered for the topic has been called.
//   - Publishes are serialized, so every handler sees the same order.
//   - There is no buffering. A handler registered after a publish never sees
//     it, and a cancelled handler sees nothing published after cancellation.
//   - Delivery is at-most-once and best effort. A panicking handler is
//     recovered and does not affect the others.
//
// Handlers must not block and must not publish on the bus themselves.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/metrics"
)

// Handler receives events for one topic.
type Handler func(events.MessageEvent)

// Bus is the publish/subscribe contract. A broker-backed implementation can
// satisfy it without changing callers.
type Bus interface {
	Publish(topic events.Topic, ev events.MessageEvent)
	// Subscribe registers h and returns a cancel function. Cancel is
	// idempotent and may be called from any goroutine, including from inside
	// a handler.
	Subscribe(topic events.Topic, h Handler) (cancel func())
}

// Option configures a Memory bus.
type Option func(*Memory)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Memory) { b.log = log }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Memory) { b.metrics = m }
}

type registration struct {
	id     uint64
	h      Handler
	active atomic.Bool
}

// Memory is the single-process Bus. It owns no goroutines.
type Memory struct {
	mu   sync.RWMutex
	subs map[events.Topic]map[uint64]*registration
	seq  atomic.Uint64

	// dispatchMu serializes Publish so all handlers observe one order.
	dispatchMu sync.Mutex

	log     zerolog.Logger
	metrics *metrics.Metrics
}

var _ Bus = (*Memory)(nil)

// New returns an empty in-memory bus.
func New(opts ...Option) *Memory {
	b := &Memory{
		subs: make(map[events.Topic]map[uint64]*registration),
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers ev to the handlers currently registered for topic.
func (b *Memory) Publish(topic events.Topic, ev events.MessageEvent) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	scope := "thread"
	if topic.IsGlobal() {
		scope = "global"
	}
	b.metrics.Published(scope)

	for _, reg := range b.snapshot(topic) {
		// Skip registrations cancelled after the snapshot was taken.
		if !reg.active.Load() {
			continue
		}
		b.dispatch(topic, reg, ev)
	}
}

// snapshot copies the registrations for topic so handlers run without the
// registry lock held, which lets them cancel themselves or others.
func (b *Memory) snapshot(topic events.Topic) []*registration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.subs[topic]
	if len(set) == 0 {
		return nil
	}
	regs := make([]*registration, 0, len(set))
	for _, reg := range set {
		regs = append(regs, reg)
	}
	return regs
}

func (b *Memory) dispatch(topic events.Topic, reg *registration, ev events.MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerPanic()
			b.log.Error().
				Str("topic", topic.String()).
				Uint64("handler", reg.id).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in bus handler")
		}
	}()
	reg.h(ev)
}

// Subscribe registers h for topic.
func (b *Memory) Subscribe(topic events.Topic, h Handler) func() {
	reg := &registration{id: b.seq.Add(1), h: h}
	reg.active.Store(true)

	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[uint64]*registration)
		b.subs[topic] = set
	}
	set[reg.id] = reg
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			reg.active.Store(false)
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[topic]; ok {
				delete(set, reg.id)
				if len(set) == 0 {
					delete(b.subs, topic)
				}
			}
		})
	}
}

// Len reports the number of live registrations for topic.
func (b *Memory) Len(topic events.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
