package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that have neither fired nor been stopped.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every pending timer.
func (c *fakeClock) fire() {
	for _, t := range c.pending() {
		c.mu.Lock()
		t.fired = true
		c.mu.Unlock()
		t.f()
	}
}

type fakeConn struct {
	emit   func(Event)
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	fails int
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, emit func(Event)) (io.Closer, error) {
	d.mu.Lock()
	fail := d.fails > 0
	if fail {
		d.fails--
	}
	d.mu.Unlock()

	conn := &fakeConn{emit: emit, closed: make(chan struct{})}
	if fail {
		d.conns <- conn
		return nil, errors.New("connection refused")
	}
	emit(Event{Kind: EventOpen})
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("expected a dial")
		return nil
	}
}

func (d *fakeDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case <-d.conns:
		t.Fatal("unexpected dial")
	case <-time.After(50 * time.Millisecond):
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func newTestManager(d Dialer, clock Clock) *Manager {
	return NewManager("ws://progress.test/ws", d, time.Second, testLogger(), WithClock(clock))
}

func TestManager_MessagesReplaceText(t *testing.T) {
	dialer := newFakeDialer()
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	if m.CurrentText() != "" {
		t.Fatal("text should start empty")
	}

	m.Activate(context.Background())
	defer m.Deactivate()

	conn := dialer.next(t)
	waitState(t, m, Open)

	conn.emit(Event{Kind: EventMessage, Text: "Uploading 40%"})
	conn.emit(Event{Kind: EventMessage, Text: `{"not":"parsed"}`})

	if got := m.CurrentText(); got != `{"not":"parsed"}` {
		t.Errorf("text = %q, want verbatim payload", got)
	}
	if !m.Latest().ReceivedAt.Equal(clock.Now()) {
		t.Error("received at should come from the clock")
	}
}

func TestManager_CloseSchedulesOneReconnect(t *testing.T) {
	dialer := newFakeDialer()
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	m.Activate(context.Background())
	defer m.Deactivate()

	first := dialer.next(t)
	waitState(t, m, Open)

	first.emit(Event{Kind: EventClose})
	if m.State() != Closed {
		t.Fatalf("state = %s, want closed", m.State())
	}

	timers := clock.pending()
	if len(timers) != 1 {
		t.Fatalf("pending timers = %d, want 1", len(timers))
	}
	if timers[0].d != time.Second {
		t.Errorf("reconnect delay = %v, want 1s", timers[0].d)
	}
	dialer.expectNoDial(t)

	clock.fire()
	second := dialer.next(t)
	dialer.expectNoDial(t)
	waitState(t, m, Open)

	// repeats for every close
	second.emit(Event{Kind: EventClose})
	clock.fire()
	dialer.next(t)
	dialer.expectNoDial(t)

	if m.Dials() != 3 {
		t.Errorf("dials = %d, want 3", m.Dials())
	}
}

func TestManager_ErrorAloneDoesNotReconnect(t *testing.T) {
	dialer := newFakeDialer()
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	m.Activate(context.Background())
	defer m.Deactivate()

	conn := dialer.next(t)
	waitState(t, m, Open)

	conn.emit(Event{Kind: EventError, Err: errors.New("frame too large")})

	if m.State() != Open {
		t.Errorf("state = %s, error must not change connectivity", m.State())
	}
	if len(clock.pending()) != 0 {
		t.Error("error must not schedule a reconnect")
	}
	dialer.expectNoDial(t)
}

func TestManager_DuplicateCloseSchedulesOnce(t *testing.T) {
	dialer := newFakeDialer()
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	m.Activate(context.Background())
	defer m.Deactivate()

	conn := dialer.next(t)
	waitState(t, m, Open)

	conn.emit(Event{Kind: EventClose})
	conn.emit(Event{Kind: EventClose})
	if n := len(clock.pending()); n != 1 {
		t.Errorf("pending timers = %d, want 1", n)
	}
}

func TestManager_DialFailureRetries(t *testing.T) {
	dialer := newFakeDialer()
	dialer.fails = 2
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	m.Activate(context.Background())
	defer m.Deactivate()

	for i := 0; i < 2; i++ {
		dialer.next(t)
		waitState(t, m, Closed)
		clock.fire()
	}
	dialer.next(t)
	waitState(t, m, Open)
}

func TestManager_StaleEventsIgnored(t *testing.T) {
	dialer := newFakeDialer()
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	m.Activate(context.Background())
	defer m.Deactivate()

	old := dialer.next(t)
	waitState(t, m, Open)
	old.emit(Event{Kind: EventClose})
	clock.fire()
	current := dialer.next(t)
	waitState(t, m, Open)

	current.emit(Event{Kind: EventMessage, Text: "fresh"})
	old.emit(Event{Kind: EventMessage, Text: "stale"})
	old.emit(Event{Kind: EventClose})

	if got := m.CurrentText(); got != "fresh" {
		t.Errorf("text = %q, want fresh", got)
	}
	if m.State() != Open {
		t.Errorf("state = %s, stale close must not affect the live connection", m.State())
	}
	if len(clock.pending()) != 0 {
		t.Error("stale close must not schedule a reconnect")
	}
}

func TestManager_DeactivateStopsReconnect(t *testing.T) {
	dialer := newFakeDialer()
	clock := newFakeClock()
	m := newTestManager(dialer, clock)

	m.Activate(context.Background())
	conn := dialer.next(t)
	waitState(t, m, Open)

	conn.emit(Event{Kind: EventMessage, Text: "kept"})
	conn.emit(Event{Kind: EventClose})
	m.Deactivate()

	clock.fire()
	dialer.expectNoDial(t)

	if m.State() != Idle {
		t.Errorf("state = %s, want idle", m.State())
	}
	if m.CurrentText() != "kept" {
		t.Error("deactivate should keep the last text")
	}
}

func TestManager_DeactivateClosesConnection(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer, newFakeClock())

	m.Activate(context.Background())
	conn := dialer.next(t)
	waitState(t, m, Open)

	// the dial goroutine stores the connection after returning
	deadline := time.Now().Add(5 * time.Second)
	for {
		m.mu.Lock()
		stored := m.conn != nil
		m.mu.Unlock()
		if stored || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	m.Deactivate()
	select {
	case <-conn.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestManager_NoURL(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager("", dialer, time.Second, testLogger())
	m.Activate(context.Background())
	dialer.expectNoDial(t)
	if m.State() != Idle {
		t.Errorf("state = %s, want idle", m.State())
	}
}

func TestManager_Subscribe(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer, newFakeClock())

	var mu sync.Mutex
	var texts []string
	unsubscribe := m.Subscribe(func(u Update, s State) {
		mu.Lock()
		texts = append(texts, u.Text)
		mu.Unlock()
	})

	m.Activate(context.Background())
	defer m.Deactivate()
	conn := dialer.next(t)
	waitState(t, m, Open)

	conn.emit(Event{Kind: EventMessage, Text: "a"})
	unsubscribe()
	conn.emit(Event{Kind: EventMessage, Text: "b"})

	mu.Lock()
	defer mu.Unlock()
	if len(texts) == 0 || texts[len(texts)-1] != "a" {
		t.Errorf("texts = %v, want last a", texts)
	}
}
