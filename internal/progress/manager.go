// Package progress keeps a best-effort live status feed from the clip
// service. The channel is advisory: it reconnects after every close, forever,
// with a fixed delay, and it never affects the job pipeline.
package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// State is the connection state of the channel.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
	EventClose
)

// Event is one discrete input to the channel state machine.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Dialer opens one connection. On success it emits EventOpen before
// returning. Every connection that was opened emits exactly one EventClose
// when it ends, whatever the reason.
type Dialer interface {
	Dial(ctx context.Context, url string, emit func(Event)) (io.Closer, error)
}

// Update is the latest progress text and when it arrived.
type Update struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Manager owns the progress channel. The current text has a single writer
// (the message handler) and any number of readers.
type Manager struct {
	url    string
	dialer Dialer
	clock  Clock
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	active  bool
	attempt uint64
	ctx     context.Context
	cancel  context.CancelFunc
	conn    io.Closer
	timer   Timer
	latest  Update
	dials   int

	subMu  sync.Mutex
	subs   map[int]func(Update, State)
	nextID int
}

type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates an inactive manager for url. delay is the pause
// between a close and the next connection attempt.
func NewManager(url string, dialer Dialer, delay time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		url:    url,
		dialer: dialer,
		clock:  realClock{},
		delay:  delay,
		logger: logger,
		subs:   make(map[int]func(Update, State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate opens the channel. Calling it on an active manager is a no-op.
func (m *Manager) Activate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	if m.url == "" {
		m.logger.Info("progress channel disabled: no url configured")
		return
	}
	m.active = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("progress channel activated", "url", m.url)
	m.connectLocked()
}

// Deactivate closes the channel and cancels any pending reconnect.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.attempt++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.cancel()
	conn := m.conn
	m.conn = nil
	m.state = Idle
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("progress channel deactivated")
	m.publish()
}

// CurrentText returns the latest message or "".
func (m *Manager) CurrentText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest.Text
}

func (m *Manager) Latest() Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dials reports how many connection attempts were made.
func (m *Manager) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Subscribe registers fn for text and state changes and returns a func
// that removes it.
func (m *Manager) Subscribe(fn func(Update, State)) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish() {
	m.mu.Lock()
	u, s := m.latest, m.state
	m.mu.Unlock()

	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Update, State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(u, s)
	}
}

// connectLocked starts a new attempt. Events from older attempts are
// ignored from here on.
func (m *Manager) connectLocked() {
	m.attempt++
	m.dials++
	m.state = Connecting
	attempt, ctx := m.attempt, m.ctx
	go m.dial(ctx, attempt)
}

func (m *Manager) dial(ctx context.Context, attempt uint64) {
	conn, err := m.dialer.Dial(ctx, m.url, func(ev Event) { m.handle(attempt, ev) })
	if err != nil {
		m.handle(attempt, Event{Kind: EventError, Err: err})
		m.handle(attempt, Event{Kind: EventClose})
		return
	}

	m.mu.Lock()
	if !m.active || attempt != m.attempt {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) handle(attempt uint64, ev Event) {
	m.mu.Lock()
	if !m.active || attempt != m.attempt {
		m.mu.Unlock()
		return
	}

	changed := false
	switch ev.Kind {
	case EventOpen:
		m.state = Open
		changed = true
		m.logger.Info("progress channel open")

	case EventMessage:
		m.latest = Update{Text: ev.Text, ReceivedAt: m.clock.Now()}
		changed = true

	case EventError:
		// connectivity is driven by close events only
		m.logger.Warn("progress channel error", "error", ev.Err)

	case EventClose:
		if m.timer != nil {
			break
		}
		m.state = Closed
		m.conn = nil
		m.timer = m.clock.AfterFunc(m.delay, func() { m.reconnect(attempt) })
		changed = true
		m.logger.Info("progress channel closed, reconnecting", "delay", m.delay)
	}
	m.mu.Unlock()

	if changed {
		m.publish()
	}
}

func (m *Manager) reconnect(attempt uint64) {
	m.mu.Lock()
	if !m.active || attempt != m.attempt {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.connectLocked()
	m.mu.Unlock()
	m.publish()
}
