package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kaden/internal/kaden/intent"
)

// DefaultIdleTimeout is how long a session may wait in Clarifying.
const DefaultIdleTimeout = 10 * time.Minute

// Options tune a Store. Zero values select defaults.
type Options struct {
	IdleTimeout time.Duration
	// Now is the clock, replaceable in tests.
	Now func() time.Time
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
	// OnEvict, when set, is called with the id of every evicted session. It
	// runs with the store locked and must not call back into the Store.
	OnEvict func(id string)
}

// Store is the arena of live sessions, keyed by session id.
type Store struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	// timedOut remembers sessions swept out of Clarifying so the next turn
	// can tell the user why the conversation restarted.
	timedOut map[string]time.Time
}

type entry struct {
	// turn is a one-slot semaphore held by the turn in flight.
	turn chan struct{}
	sess *Session
	// evicted is guarded by Store.mu.
	evicted bool
	// cancelled is set when Cancel arrives while a turn is in flight.
	cancelled atomic.Bool
}

func NewStore(opts Options) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts, entries: make(map[string]*entry), timedOut: make(map[string]time.Time)}
}

// Acquire returns the lease on session id, creating the session when it does
// not exist. It blocks while another turn of the same session holds the
// lease. A session found idle in Clarifying past the timeout, or in a
// terminal state, restarts from Idle.
func (s *Store) Acquire(ctx context.Context, id string) (*Lease, error) {
	var e *entry
	for {
		s.mu.Lock()
		e = s.entries[id]
		if e == nil {
			e = &entry{turn: make(chan struct{}, 1), sess: newSession(id, s.opts.Now())}
			s.entries[id] = e
		}
		s.mu.Unlock()

		select {
		case e.turn <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		evicted := e.evicted
		s.mu.Unlock()
		if !evicted {
			break
		}
		<-e.turn
	}

	now := s.opts.Now()
	l := &Lease{store: s, e: e}
	sess := e.sess
	if sess.State == Clarifying && now.Sub(sess.LastActivity) > s.opts.IdleTimeout {
		s.observe(sess.State, Abandoned)
		sess.State = Abandoned
		l.restarted = ErrTimedOut
	}
	s.mu.Lock()
	if _, ok := s.timedOut[id]; ok {
		delete(s.timedOut, id)
		l.restarted = ErrTimedOut
	}
	s.mu.Unlock()
	// A Cancel that found the session briefly held by Get or Sweep only
	// left the flag behind.
	if e.cancelled.Swap(false) && !sess.State.Terminal() {
		s.observe(sess.State, Abandoned)
		sess.State = Abandoned
		l.restarted = ErrCancelled
	}
	if sess.State.Terminal() {
		e.sess = newSession(id, now)
	}
	e.sess.Turns++
	e.sess.LastActivity = now
	return l, nil
}

// Cancel abandons session id. When a turn is in flight it is not
// interrupted: its result is discarded when it releases the lease. Cancel
// reports whether the session existed.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	e := s.entries[id]
	s.mu.Unlock()
	if e == nil {
		return false
	}
	select {
	case e.turn <- struct{}{}:
		if !e.sess.State.Terminal() {
			s.observe(e.sess.State, Abandoned)
			e.sess.State = Abandoned
		}
		s.mu.Lock()
		s.evictLocked(id, e)
		s.mu.Unlock()
		<-e.turn
	default:
		e.cancelled.Store(true)
	}
	return true
}

// Sweep abandons sessions idle in Clarifying past the timeout and evicts
// every session idle that long. Sessions with a turn in flight are skipped.
// It returns the number of evicted sessions.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	live := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		live[id] = e
	}
	for id, at := range s.timedOut {
		if now.Sub(at) > s.opts.IdleTimeout {
			delete(s.timedOut, id)
		}
	}
	s.mu.Unlock()

	evicted := 0
	for id, e := range live {
		select {
		case e.turn <- struct{}{}:
		default:
			continue
		}
		if now.Sub(e.sess.LastActivity) > s.opts.IdleTimeout {
			s.mu.Lock()
			if e.sess.State == Clarifying {
				s.observe(Clarifying, Abandoned)
				e.sess.State = Abandoned
				s.timedOut[id] = now
				slog.Info("session: abandoned after idle timeout", "session", id, "idle", now.Sub(e.sess.LastActivity).Round(time.Second))
			}
			s.evictLocked(id, e)
			s.mu.Unlock()
			evicted++
		}
		<-e.turn
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Sweep(now); n > 0 {
				slog.Debug("session: sweep", "evicted", n, "live", s.Len())
			}
		}
	}
}

// Get returns a copy of session id. It does not wait for a turn in flight;
// a busy session is reported with Busy set and no other detail.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	e := s.entries[id]
	s.mu.Unlock()
	if e == nil {
		return Snapshot{}, false
	}
	select {
	case e.turn <- struct{}{}:
		defer func() { <-e.turn }()
		return e.sess.snapshot(), true
	default:
		return Snapshot{ID: id, Busy: true}, true
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) evictLocked(id string, e *entry) {
	e.evicted = true
	if s.entries[id] != e {
		return
	}
	delete(s.entries, id)
	if s.opts.OnEvict != nil {
		s.opts.OnEvict(id)
	}
}

func (s *Store) observe(from, to State) {
	if s.opts.OnTransition != nil && from != to {
		s.opts.OnTransition(from, to)
	}
}

// Lease is exclusive access to one session for the duration of a turn.
type Lease struct {
	store     *Store
	e         *entry
	released  bool
	restarted error
}

// Session returns a copy of the leased session.
func (l *Lease) Session() Snapshot { return l.e.sess.snapshot() }

// Slots returns a copy of the accumulated slots.
func (l *Lease) Slots() intent.Slots { return l.e.sess.Slots.Clone() }

// Pending returns the entity choice the previous turn asked for.
func (l *Lease) Pending() *intent.Ambiguity { return l.e.sess.Pending }

// InProgress reports whether the session is past Idle.
func (l *Lease) InProgress() bool { return l.e.sess.State != Idle }

// Restarted reports why this turn started the session afresh: ErrTimedOut
// when the previous request was abandoned for inactivity, ErrCancelled when
// it was cancelled between turns, nil otherwise.
func (l *Lease) Restarted() error { return l.restarted }

// Cancelled reports whether Cancel was called during this turn.
func (l *Lease) Cancelled() bool { return l.e.cancelled.Load() }

// Clarify merges updates and waits for the missing slots.
func (l *Lease) Clarify(updates intent.Slots, missing []string, pending *intent.Ambiguity) error {
	if err := l.move(Clarifying); err != nil {
		return err
	}
	sess := l.e.sess
	sess.Slots = sess.Slots.Merge(updates)
	sess.Missing = append([]string(nil), missing...)
	sess.Pending = pending
	return nil
}

// Ready merges updates; no slot is missing any more.
func (l *Lease) Ready(updates intent.Slots) error {
	if err := l.move(Ready); err != nil {
		return err
	}
	sess := l.e.sess
	sess.Slots = sess.Slots.Merge(updates)
	sess.Missing = nil
	sess.Pending = nil
	return nil
}

// BeginSynthesis moves Ready to Synthesizing and returns the slots to
// synthesize from.
func (l *Lease) BeginSynthesis() (intent.Slots, error) {
	if err := l.move(Synthesizing); err != nil {
		return nil, err
	}
	return l.e.sess.Slots.Clone(), nil
}

// Complete ends the request.
func (l *Lease) Complete() error { return l.move(Completed) }

// Retreat returns a failed synthesis to Ready so the next turn can retry
// with the same slots.
func (l *Lease) Retreat() error { return l.move(Ready) }

// Abandon ends the request at the user's demand.
func (l *Lease) Abandon() error { return l.move(Abandoned) }

// Release ends the turn. A session cancelled during the turn is abandoned
// and evicted. Release is idempotent.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	s, e := l.store, l.e
	if e.cancelled.Load() {
		if !e.sess.State.Terminal() {
			s.observe(e.sess.State, Abandoned)
			e.sess.State = Abandoned
		}
		s.mu.Lock()
		s.evictLocked(e.sess.ID, e)
		s.mu.Unlock()
	}
	e.sess.LastActivity = s.opts.Now()
	<-e.turn
}

func (l *Lease) move(to State) error {
	if l.released {
		return ErrReleased
	}
	from := l.e.sess.State
	if err := l.e.sess.move(to); err != nil {
		return err
	}
	l.store.observe(from, to)
	return nil
}
