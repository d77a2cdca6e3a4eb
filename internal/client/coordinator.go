package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/events"
)

const (
	DefaultSendTimeout  = 10 * time.Second
	DefaultHistoryLimit = 200
	DefaultSeenLimit    = 1024
)

var (
	ErrUnknownSend  = errors.New("unknown pending send")
	ErrNotFailed    = errors.New("pending send has not failed")
	ErrEmptyContent = errors.New("empty content")
	ErrOffline      = errors.New("not connected")
	ErrDiscarded    = errors.New("pending send discarded")
)

// Status is the lifecycle of an optimistic send.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingSend is the placeholder shown while a send is unresolved.
type PendingSend struct {
	OptimisticID string
	ThreadID     string
	Content      string
	Status       Status
	Err          error
	SubmittedAt  time.Time
}

// Entry is one timeline row: a confirmed message or a placeholder.
type Entry struct {
	Message *events.MessageEvent
	Pending *PendingSend
}

// ID is the message id for confirmed rows and the optimistic id otherwise.
func (e Entry) ID() string {
	if e.Message != nil {
		return e.Message.ID
	}
	return e.Pending.OptimisticID
}

// Status is StatusSent for confirmed rows.
func (e Entry) Status() Status {
	if e.Message != nil {
		return StatusSent
	}
	return e.Pending.Status
}

type item struct {
	msg     *events.MessageEvent
	pending *PendingSend
}

func (it *item) entry() Entry {
	if it.msg != nil {
		m := *it.msg
		return Entry{Message: &m}
	}
	p := *it.pending
	return Entry{Pending: &p}
}

type result struct {
	ev  events.MessageEvent
	err error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSelf names the local user. Pushes from other senders never resolve a
// placeholder.
func WithSelf(userID string) CoordinatorOption {
	return func(c *Coordinator) { c.self = userID }
}

// WithOnline makes send attempts fail with ErrOffline while fn reports false.
func WithOnline(fn func() bool) CoordinatorOption {
	return func(c *Coordinator) { c.online = fn }
}

func WithSendTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithHistoryLimit caps the confirmed messages kept per thread.
func WithHistoryLimit(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithSeenLimit sizes the duplicate detection window.
func WithSeenLimit(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.seenLimit = n
		}
	}
}

func WithCoordinatorLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator merges optimistic sends with pushed events into per-thread
// timelines. A message id is installed at most once whether it arrives as
// a send confirmation, a push, or both, in either order.
type Coordinator struct {
	sender       Sender
	self         string
	online       func() bool
	sendTimeout  time.Duration
	historyLimit int
	seenLimit    int
	log          zerolog.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	timelines map[string][]*item
	pending   map[string]*item
	seen      *lru.Cache[string, struct{}]
	// resolved maps optimistic ids to the event that replaced them.
	resolved *lru.Cache[string, events.MessageEvent]
	waiters  map[string][]chan result

	listenersMu  sync.Mutex
	listeners    map[uint64]func(threadID string)
	nextListener uint64
}

func NewCoordinator(sender Sender, opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		sender:       sender,
		sendTimeout:  DefaultSendTimeout,
		historyLimit: DefaultHistoryLimit,
		seenLimit:    DefaultSeenLimit,
		log:          zerolog.Nop(),
		now:          time.Now,
		timelines:    make(map[string][]*item),
		pending:      make(map[string]*item),
		waiters:      make(map[string][]chan result),
		listeners:    make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.seen, err = lru.New[string, struct{}](c.seenLimit); err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	if c.resolved, err = lru.New[string, events.MessageEvent](c.seenLimit); err != nil {
		return nil, fmt.Errorf("resolved cache: %w", err)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// OnChange registers fn to be called with the thread whose timeline changed.
// fn runs on the goroutine that made the change and must not block.
func (c *Coordinator) OnChange(fn func(threadID string)) (remove func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Coordinator) changed(threadID string) {
	c.listenersMu.Lock()
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(threadID)
	}
}

// Submit appends a sending placeholder and starts the request in the
// background. The placeholder is visible before Submit returns.
func (c *Coordinator) Submit(threadID, content string) (PendingSend, error) {
	threadID = strings.TrimSpace(threadID)
	content = strings.TrimSpace(content)
	if threadID == "" || content == "" {
		return PendingSend{}, ErrEmptyContent
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PendingSend{}, ErrClosed
	}
	p := &PendingSend{
		OptimisticID: uuid.NewString(),
		ThreadID:     threadID,
		Content:      content,
		Status:       StatusSending,
		SubmittedAt:  c.now(),
	}
	it := &item{pending: p}
	c.timelines[threadID] = append(c.timelines[threadID], it)
	c.pending[p.OptimisticID] = it
	snap := *p
	c.startLocked(snap)
	c.mu.Unlock()

	c.changed(threadID)
	return snap, nil
}

// Send submits and waits for the outcome.
func (c *Coordinator) Send(ctx context.Context, threadID, content string) (events.MessageEvent, error) {
	p, err := c.Submit(threadID, content)
	if err != nil {
		return events.MessageEvent{}, err
	}
	return c.Await(ctx, p.OptimisticID)
}

// Await blocks until the placeholder is confirmed, fails or is discarded.
func (c *Coordinator) Await(ctx context.Context, optimisticID string) (events.MessageEvent, error) {
	c.mu.Lock()
	if ev, ok := c.resolved.Get(optimisticID); ok {
		c.mu.Unlock()
		return ev, nil
	}
	it, ok := c.pending[optimisticID]
	if !ok {
		c.mu.Unlock()
		return events.MessageEvent{}, ErrUnknownSend
	}
	if it.pending.Status == StatusFailed {
		err := it.pending.Err
		c.mu.Unlock()
		return events.MessageEvent{}, err
	}
	ch := make(chan result, 1)
	c.waiters[optimisticID] = append(c.waiters[optimisticID], ch)
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.ev, r.err
	case <-ctx.Done():
		return events.MessageEvent{}, ctx.Err()
	case <-c.ctx.Done():
		return events.MessageEvent{}, ErrClosed
	}
}

// Retry resends a failed placeholder with the same optimistic id, so the
// server recognises a request that did go through the first time.
func (c *Coordinator) Retry(optimisticID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	it, ok := c.pending[optimisticID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSend
	}
	if it.pending.Status != StatusFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	it.pending.Status = StatusSending
	it.pending.Err = nil
	c.startLocked(*it.pending)
	threadID := it.pending.ThreadID
	c.mu.Unlock()

	c.changed(threadID)
	return nil
}

// Discard removes a failed placeholder.
func (c *Coordinator) Discard(optimisticID string) error {
	c.mu.Lock()
	it, ok := c.pending[optimisticID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSend
	}
	if it.pending.Status != StatusFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	threadID := it.pending.ThreadID
	delete(c.pending, optimisticID)
	c.removeLocked(threadID, it)
	c.notifyLocked(optimisticID, result{err: ErrDiscarded})
	c.mu.Unlock()

	c.changed(threadID)
	return nil
}

// HandlePush installs an event received from the subscription channel. It
// reports whether the timeline changed; already seen ids are dropped.
func (c *Coordinator) HandlePush(ev events.MessageEvent) bool {
	c.mu.Lock()
	if c.seen.Contains(ev.ID) {
		c.mu.Unlock()
		return false
	}
	if it := c.matchLocked(ev); it != nil {
		c.confirmLocked(it, ev)
	} else {
		m := ev
		c.timelines[ev.ThreadID] = append(c.timelines[ev.ThreadID], &item{msg: &m})
		c.seen.Add(ev.ID, struct{}{})
		c.trimLocked(ev.ThreadID)
	}
	c.mu.Unlock()

	c.changed(ev.ThreadID)
	return true
}

// matchLocked finds the placeholder a push resolves. The correlation id is
// authoritative; without one the oldest sending placeholder with the same
// thread and content is taken.
func (c *Coordinator) matchLocked(ev events.MessageEvent) *item {
	if c.self != "" && ev.Sender.ID != c.self {
		return nil
	}
	if ev.ClientID != "" {
		if it, ok := c.pending[ev.ClientID]; ok && it.pending.ThreadID == ev.ThreadID {
			return it
		}
		return nil
	}
	for _, it := range c.timelines[ev.ThreadID] {
		if it.pending != nil && it.pending.Status == StatusSending && it.pending.Content == ev.Content {
			return it
		}
	}
	return nil
}

// confirmLocked replaces the placeholder in place with the stored event.
func (c *Coordinator) confirmLocked(it *item, ev events.MessageEvent) {
	id := it.pending.OptimisticID
	delete(c.pending, id)
	m := ev
	it.msg = &m
	it.pending = nil
	c.seen.Add(ev.ID, struct{}{})
	c.resolved.Add(id, ev)
	c.notifyLocked(id, result{ev: ev})
	c.trimLocked(ev.ThreadID)
}

func (c *Coordinator) startLocked(p PendingSend) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.attempt(p)
	}()
}

func (c *Coordinator) attempt(p PendingSend) {
	if c.online != nil && !c.online() {
		c.onResult(p, events.MessageEvent{}, ErrOffline)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.sendTimeout)
	defer cancel()
	ev, err := c.sender.Send(ctx, SendRequest{ThreadID: p.ThreadID, Content: p.Content, ClientID: p.OptimisticID})
	c.onResult(p, ev, err)
}

func (c *Coordinator) onResult(p PendingSend, ev events.MessageEvent, err error) {
	c.mu.Lock()
	it, ok := c.pending[p.OptimisticID]

	switch {
	case err != nil:
		// A push may already have resolved it; then the failure is moot.
		if !ok || it.pending.Status != StatusSending {
			c.mu.Unlock()
			return
		}
		it.pending.Status = StatusFailed
		it.pending.Err = err
		c.notifyLocked(p.OptimisticID, result{err: err})
		c.log.Warn().Err(err).Str("thread", p.ThreadID).Str("optimistic_id", p.OptimisticID).Msg("Send failed")

	case c.seen.Contains(ev.ID):
		// The push won the race. Drop a placeholder the push could not match.
		if ok {
			delete(c.pending, p.OptimisticID)
			c.removeLocked(p.ThreadID, it)
			c.resolved.Add(p.OptimisticID, ev)
			c.notifyLocked(p.OptimisticID, result{ev: ev})
		} else {
			c.mu.Unlock()
			return
		}

	case ok:
		c.confirmLocked(it, ev)

	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.changed(p.ThreadID)
}

func (c *Coordinator) notifyLocked(optimisticID string, r result) {
	for _, ch := range c.waiters[optimisticID] {
		ch <- r
	}
	delete(c.waiters, optimisticID)
}

func (c *Coordinator) removeLocked(threadID string, target *item) {
	tl := c.timelines[threadID]
	for i, it := range tl {
		if it == target {
			c.timelines[threadID] = append(tl[:i:i], tl[i+1:]...)
			return
		}
	}
}

// trimLocked drops the oldest confirmed messages beyond the history limit.
// Placeholders are never dropped.
func (c *Coordinator) trimLocked(threadID string) {
	tl := c.timelines[threadID]
	excess := len(tl) - c.historyLimit
	if excess <= 0 {
		return
	}
	kept := tl[:0:0]
	for _, it := range tl {
		if excess > 0 && it.msg != nil {
			excess--
			continue
		}
		kept = append(kept, it)
	}
	c.timelines[threadID] = kept
}

// Timeline returns a copy of the thread's rows in display order.
func (c *Coordinator) Timeline(threadID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl := c.timelines[threadID]
	out := make([]Entry, 0, len(tl))
	for _, it := range tl {
		out = append(out, it.entry())
	}
	return out
}

// Pending returns the placeholder for optimisticID while it is unresolved.
func (c *Coordinator) Pending(optimisticID string) (PendingSend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.pending[optimisticID]
	if !ok {
		return PendingSend{}, false
	}
	return *it.pending, true
}

// Failed lists the failed placeholders across all threads.
func (c *Coordinator) Failed() []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingSend
	for _, it := range c.pending {
		if it.pending.Status == StatusFailed {
			out = append(out, *it.pending)
		}
	}
	return out
}

// Close cancels in-flight sends and waits for them to settle.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
