package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kaden/internal/kaden/intent"
	"github.com/bdobrica/Kaden/internal/kaden/session"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(idle time.Duration) (*session.Store, *clock) {
	c := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return session.NewStore(session.Options{IdleTimeout: idle, Now: c.Now}), c
}

func acquire(t *testing.T, s *session.Store, id string) *session.Lease {
	t.Helper()
	l, err := s.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("Acquire(%q): %v", id, err)
	}
	return l
}

func TestLifecycle_HappyPath(t *testing.T) {
	s, _ := newStore(time.Minute)

	l := acquire(t, s, "room:alice")
	if got := l.Session().State; got != session.Idle {
		t.Fatalf("new session state = %q, want idle", got)
	}
	if err := l.Clarify(intent.Slots{"action": "light.turn_on"}, []string{"target"}, nil); err != nil {
		t.Fatal(err)
	}
	l.Release()

	l = acquire(t, s, "room:alice")
	if !l.InProgress() || l.Slots()["action"] != "light.turn_on" {
		t.Fatalf("session lost its slots: %+v", l.Session())
	}
	if err := l.Ready(intent.Slots{"target": "light.kitchen"}); err != nil {
		t.Fatal(err)
	}
	slots, err := l.BeginSynthesis()
	if err != nil {
		t.Fatal(err)
	}
	if slots["action"] != "light.turn_on" || slots["target"] != "light.kitchen" {
		t.Errorf("slots = %v", slots)
	}
	if err := l.Complete(); err != nil {
		t.Fatal(err)
	}
	if got := l.Session().Turns; got != 2 {
		t.Errorf("turns = %d, want 2", got)
	}
	l.Release()

	// A new request in a completed session starts fresh.
	l = acquire(t, s, "room:alice")
	defer l.Release()
	if snap := l.Session(); snap.State != session.Idle || len(snap.Slots) != 0 {
		t.Errorf("after completion got %+v, want fresh idle session", snap)
	}
}

func TestInvalidTransitions(t *testing.T) {
	s, _ := newStore(time.Minute)
	l := acquire(t, s, "x")
	defer l.Release()

	if _, err := l.BeginSynthesis(); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("Idle → Synthesizing: err = %v, want ErrInvalidTransition", err)
	}
	if err := l.Complete(); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("Idle → Completed: err = %v, want ErrInvalidTransition", err)
	}
	if err := l.Ready(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.BeginSynthesis(); err != nil {
		t.Fatal(err)
	}
	if err := l.Retreat(); err != nil {
		t.Errorf("Synthesizing → Ready: %v", err)
	}
}

func TestLeaseAfterRelease(t *testing.T) {
	s, _ := newStore(time.Minute)
	l := acquire(t, s, "x")
	l.Release()
	l.Release()
	if err := l.Ready(nil); !errors.Is(err, session.ErrReleased) {
		t.Errorf("err = %v, want ErrReleased", err)
	}
}

// TestSlotMonotonicity verifies that clarifying turns never drop a slot
// unless a new value replaces it.
func TestSlotMonotonicity(t *testing.T) {
	s, _ := newStore(time.Minute)
	turns := []intent.Slots{
		{"action": "light.turn_on"},
		{"target": "light.kitchen"},
		{"time": "7 AM"},
		{"time": "8 AM", "action": ""},
	}
	prev := intent.Slots{}
	for i, u := range turns {
		l := acquire(t, s, "s1")
		if err := l.Clarify(u, nil, nil); err != nil {
			t.Fatal(err)
		}
		now := l.Slots()
		l.Release()
		for k, v := range prev {
			if now[k] == "" {
				t.Fatalf("turn %d lost slot %q (was %q)", i, k, v)
			}
		}
		prev = now
	}
	if prev["time"] != "8 AM" || prev["action"] != "light.turn_on" {
		t.Errorf("final slots = %v", prev)
	}
}

// TestTurnsAreSerialised verifies that a second turn of the same session
// waits for the first to release, while other sessions proceed.
func TestTurnsAreSerialised(t *testing.T) {
	s, _ := newStore(time.Minute)
	first := acquire(t, s, "busy")

	var entered atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		l, err := s.Acquire(context.Background(), "busy")
		if err != nil {
			t.Error(err)
			return
		}
		entered.Store(true)
		l.Release()
	}()

	other := acquire(t, s, "idle")
	other.Release()

	time.Sleep(20 * time.Millisecond)
	if entered.Load() {
		t.Fatal("second turn entered while the first held the lease")
	}
	first.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never acquired the lease")
	}
	if !entered.Load() {
		t.Fatal("second turn did not run")
	}
}

func TestAcquire_HonoursContext(t *testing.T) {
	s, _ := newStore(time.Minute)
	l := acquire(t, s, "x")
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// TestIdleTimeout_SweepAbandonsClarifying covers the idle-timeout scenario:
// a Clarifying session idle past the timeout is abandoned and evicted, and
// the next utterance with the same id starts fresh from Idle.
func TestIdleTimeout_SweepAbandonsClarifying(t *testing.T) {
	var transitions []string
	c := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := session.NewStore(session.Options{
		IdleTimeout: 5 * time.Minute,
		Now:         c.Now,
		OnTransition: func(from, to session.State) {
			transitions = append(transitions, string(from)+"→"+string(to))
		},
	})

	l := acquire(t, s, "s")
	if err := l.Clarify(intent.Slots{"action": "light.turn_on"}, []string{"target"}, nil); err != nil {
		t.Fatal(err)
	}
	l.Release()

	c.Advance(4 * time.Minute)
	if n := s.Sweep(c.Now()); n != 0 {
		t.Fatalf("swept %d sessions before the timeout", n)
	}
	c.Advance(2 * time.Minute)
	if n := s.Sweep(c.Now()); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if s.Len() != 0 {
		t.Errorf("live sessions = %d, want 0", s.Len())
	}
	if transitions[len(transitions)-1] != "clarifying→abandoned" {
		t.Errorf("transitions = %v", transitions)
	}

	l = acquire(t, s, "s")
	defer l.Release()
	if snap := l.Session(); snap.State != session.Idle || len(snap.Slots) != 0 {
		t.Errorf("got %+v, want fresh idle session", snap)
	}
	if !errors.Is(l.Restarted(), session.ErrTimedOut) {
		t.Errorf("Restarted() = %v, want ErrTimedOut", l.Restarted())
	}
}

// TestIdleTimeout_LazyOnAcquire covers a timeout noticed before any sweep.
func TestIdleTimeout_LazyOnAcquire(t *testing.T) {
	s, c := newStore(time.Minute)
	l := acquire(t, s, "s")
	if err := l.Clarify(intent.Slots{"action": "light.turn_on"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	l.Release()

	c.Advance(2 * time.Minute)
	l = acquire(t, s, "s")
	defer l.Release()
	if l.Session().State != session.Idle || len(l.Slots()) != 0 {
		t.Errorf("got %+v, want fresh idle session", l.Session())
	}
	if !errors.Is(l.Restarted(), session.ErrTimedOut) {
		t.Error("expected ErrTimedOut")
	}
}

func TestSweep_SkipsBusySessions(t *testing.T) {
	s, c := newStore(time.Minute)
	l := acquire(t, s, "s")
	if err := l.Clarify(nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	c.Advance(time.Hour)
	if n := s.Sweep(c.Now()); n != 0 {
		t.Errorf("swept a session with a turn in flight")
	}
	l.Release()
}

func TestCancel_Idle(t *testing.T) {
	s, _ := newStore(time.Minute)
	l := acquire(t, s, "s")
	if err := l.Clarify(intent.Slots{"action": "x"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	l.Release()

	if !s.Cancel("s") {
		t.Fatal("Cancel reported a missing session")
	}
	if s.Cancel("s") {
		t.Error("second Cancel should find nothing")
	}
	if _, ok := s.Get("s"); ok {
		t.Error("cancelled session still present")
	}
}

// TestCancel_DuringTurnDiscardsResult verifies that cancelling a session
// with a synthesis in flight does not interrupt it; the turn sees
// Cancelled and the session is evicted on release.
func TestCancel_DuringTurnDiscardsResult(t *testing.T) {
	s, _ := newStore(time.Minute)
	l := acquire(t, s, "s")
	if err := l.Ready(intent.Slots{"action": "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.BeginSynthesis(); err != nil {
		t.Fatal(err)
	}

	if !s.Cancel("s") {
		t.Fatal("Cancel reported a missing session")
	}
	if !l.Cancelled() {
		t.Fatal("in-flight turn should observe the cancel")
	}
	if snap, _ := s.Get("s"); !snap.Busy {
		t.Error("session should still be busy until release")
	}
	l.Release()
	if s.Len() != 0 {
		t.Errorf("live sessions = %d, want 0", s.Len())
	}

	l = acquire(t, s, "s")
	defer l.Release()
	if l.Session().State != session.Idle || l.Cancelled() {
		t.Errorf("got %+v, want fresh session", l.Session())
	}
}

func TestOnEvict(t *testing.T) {
	var evicted []string
	c := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := session.NewStore(session.Options{
		IdleTimeout: time.Minute,
		Now:         c.Now,
		OnEvict:     func(id string) { evicted = append(evicted, id) },
	})
	for _, id := range []string{"a", "b"} {
		l := acquire(t, s, id)
		if err := l.Clarify(intent.Slots{"action": "x"}, nil, nil); err != nil {
			t.Fatal(err)
		}
		l.Release()
	}

	s.Cancel("a")
	c.Advance(2 * time.Minute)
	s.Sweep(c.Now())

	if len(evicted) != 2 || evicted[0] != "a" || evicted[1] != "b" {
		t.Errorf("evicted = %v, want [a b]", evicted)
	}
}

func TestGet(t *testing.T) {
	s, _ := newStore(time.Minute)
	if _, ok := s.Get("nope"); ok {
		t.Error("unexpected session")
	}
	l := acquire(t, s, "s")
	if err := l.Clarify(intent.Slots{"action": "x"}, []string{"target"}, nil); err != nil {
		t.Fatal(err)
	}
	l.Release()

	snap, ok := s.Get("s")
	if !ok || snap.State != session.Clarifying || snap.Missing[0] != "target" {
		t.Errorf("Get = %+v, %v", snap, ok)
	}
}
