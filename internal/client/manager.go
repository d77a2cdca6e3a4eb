package client

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Conn is an open subscription transport. Done is closed once the
// connection is gone, whatever the reason.
type Conn interface {
	Done() <-chan struct{}
	Close() error
}

// Transport opens connections for a set of credentials.
type Transport interface {
	Open(ctx context.Context, creds Credentials) (Conn, error)
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

func WithPolicy(p ReconnectPolicy) ManagerOption {
	return func(m *ConnectionManager) {
		p.Validate()
		m.policy = p
	}
}

// WithClock replaces the wall clock that drives reconnect timers.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *ConnectionManager) { m.clock = c }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) ManagerOption {
	return func(m *ConnectionManager) { m.rand = fn }
}

func WithManagerLogger(log zerolog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.log = log }
}

// WithCredentials sets the initial credentials without connecting.
func WithCredentials(c Credentials) ManagerOption {
	return func(m *ConnectionManager) { m.creds = &c }
}

// ConnectionManager keeps a single transport connection alive.
//
// All state lives on one loop goroutine; public methods, dial results, close
// notifications and timers are commands posted to it. Every teardown and
// every dial bumps a generation counter so results from an abandoned attempt
// are discarded. State listeners are called in order from a separate
// goroutine and may call back into the manager.
type ConnectionManager struct {
	transport Transport
	policy    ReconnectPolicy
	clock     clock.Clock
	rand      func() float64
	log       zerolog.Logger

	cmds chan func()
	done chan struct{}

	state atomic.Int32

	// Owned by the loop goroutine.
	creds      *Credentials
	attempt    int
	gen        uint64
	conn       Conn
	dialCancel context.CancelFunc
	timer      *clock.Timer
	closed     bool

	listenersMu  sync.Mutex
	listeners    map[uint64]func(State)
	nextListener uint64

	notifyMu   sync.Mutex
	notifyQ    []State
	notifySig  chan struct{}
	notifyDone chan struct{}
}

// NewConnectionManager starts a manager in the disconnected state.
func NewConnectionManager(t Transport, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		transport:  t,
		clock:      clock.New(),
		rand:       rand.Float64,
		log:        zerolog.Nop(),
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		listeners:  make(map[uint64]func(State)),
		notifySig:  make(chan struct{}, 1),
		notifyDone: make(chan struct{}),
	}
	m.policy.Validate()
	for _, opt := range opts {
		opt(m)
	}
	m.state.Store(int32(Disconnected))

	go m.run()
	go m.notifyLoop()
	return m
}

// State returns the current state.
func (m *ConnectionManager) State() State {
	return State(m.state.Load())
}

// OnStateChange registers fn for every state transition. The returned
// function removes it.
func (m *ConnectionManager) OnStateChange(fn func(State)) (remove func()) {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Connect starts a fresh connection with the current credentials and resets
// the attempt counter. An open connection is closed first. It also revives a
// manager that gave up after exhausting its attempts.
func (m *ConnectionManager) Connect() error {
	var err error
	if derr := m.do(func() { err = m.connect() }); derr != nil {
		return derr
	}
	return err
}

// SetCredentials replaces the identity. Any active connection or pending
// retry is dropped; with non-nil credentials a new connection starts
// immediately, with nil the manager stays disconnected.
func (m *ConnectionManager) SetCredentials(c *Credentials) error {
	return m.do(func() {
		m.teardown()
		m.attempt = 0
		if !c.valid() {
			m.creds = nil
			m.setState(Disconnected)
			return
		}
		cp := *c
		m.creds = &cp
		m.setState(Disconnected)
		m.dial()
	})
}

// Close drops the connection and stops the manager. Further calls return
// ErrClosed.
func (m *ConnectionManager) Close() error {
	err := m.do(func() {
		m.teardown()
		m.closed = true
		m.setState(Disconnected)
	})
	<-m.done
	return err
}

func (m *ConnectionManager) run() {
	defer close(m.done)
	for fn := range m.cmds {
		fn()
		if m.closed {
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (m *ConnectionManager) do(fn func()) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	ran := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(ran) }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting. It reports false once the loop is gone.
func (m *ConnectionManager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *ConnectionManager) connect() error {
	if !m.creds.valid() {
		return ErrNoCredentials
	}
	m.teardown()
	m.attempt = 0
	m.setState(Disconnected)
	m.dial()
	return nil
}

func (m *ConnectionManager) dial() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	creds := *m.creds
	m.setState(Connecting)

	go func() {
		conn, err := m.transport.Open(ctx, creds)
		if !m.post(func() { m.onDial(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *ConnectionManager) onDial(gen uint64, conn Conn, err error) {
	if gen != m.gen || m.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		m.log.Warn().Err(err).Int("attempt", m.attempt).Msg("Connection attempt failed")
		m.lost()
		return
	}

	m.conn = conn
	m.attempt = 0
	m.setState(Connected)
	m.log.Info().Msg("Connected")

	go func() {
		select {
		case <-conn.Done():
			m.post(func() { m.onConnLost(gen) })
		case <-m.done:
		}
	}()
}

func (m *ConnectionManager) onConnLost(gen uint64) {
	if gen != m.gen || m.closed {
		return
	}
	m.conn = nil
	m.log.Warn().Msg("Connection lost")
	m.lost()
}

// lost schedules the next attempt, or gives up once the attempts are spent.
func (m *ConnectionManager) lost() {
	if !m.creds.valid() {
		m.setState(Disconnected)
		return
	}
	if m.attempt >= m.policy.MaxAttempts {
		m.log.Error().Int("attempts", m.attempt).Msg("Giving up reconnecting")
		m.setState(Disconnected)
		return
	}

	delay := m.policy.Delay(m.attempt, m.rand())
	m.attempt++
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.onTimer(gen) })
	})
	m.setState(Reconnecting)
	m.log.Info().Dur("delay", delay).Int("attempt", m.attempt).Msg("Reconnect scheduled")
}

func (m *ConnectionManager) onTimer(gen uint64) {
	if gen != m.gen || m.closed {
		return
	}
	m.timer = nil
	m.dial()
}

// teardown abandons whatever is in flight.
func (m *ConnectionManager) teardown() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		if err := conn.Close(); err != nil {
			m.log.Debug().Err(err).Msg("Closing connection")
		}
	}
}

func (m *ConnectionManager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.notifyMu.Lock()
	m.notifyQ = append(m.notifyQ, s)
	m.notifyMu.Unlock()
	select {
	case m.notifySig <- struct{}{}:
	default:
	}
}

func (m *ConnectionManager) notifyLoop() {
	defer close(m.notifyDone)
	for {
		select {
		case <-m.notifySig:
			m.flush()
		case <-m.done:
			m.flush()
			return
		}
	}
}

func (m *ConnectionManager) flush() {
	m.notifyMu.Lock()
	q := m.notifyQ
	m.notifyQ = nil
	m.notifyMu.Unlock()

	for _, s := range q {
		m.listenersMu.Lock()
		fns := make([]func(State), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
		m.listenersMu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
	}
}
