// Package session holds per-conversation clarification state between turns.
//
// Each session moves through
//
//	Idle → Clarifying → Ready → Synthesizing → Completed
//
// or ends in Abandoned after an idle timeout or an explicit cancel. Turns of
// one session never run concurrently: a turn holds the session's Lease from
// Acquire until Release, and a second turn for the same id waits in Acquire.
// Different sessions proceed in parallel.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Kaden/internal/kaden/intent"
)

// State is a conversation state.
type State string

const (
	Idle         State = "idle"
	Clarifying   State = "clarifying"
	Ready        State = "ready"
	Synthesizing State = "synthesizing"
	Completed    State = "completed"
	Abandoned    State = "abandoned"
)

// Terminal reports whether no further transition leaves s except a reset to
// Idle on the next request.
func (s State) Terminal() bool { return s == Completed || s == Abandoned }

var (
	// ErrTimedOut means the previous request of the session was abandoned
	// after sitting idle in Clarifying longer than the configured timeout.
	ErrTimedOut = errors.New("session: timed out waiting for clarification")
	// ErrCancelled means the previous request of the session was cancelled
	// between turns.
	ErrCancelled = errors.New("session: cancelled")
	// ErrInvalidTransition reports a transition the state machine forbids.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrReleased is returned by a Lease used after Release.
	ErrReleased = errors.New("session: lease released")
)

// transitions lists the allowed moves. Abandoned is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	Idle:         {Clarifying, Ready, Abandoned},
	Clarifying:   {Clarifying, Ready, Abandoned},
	Ready:        {Clarifying, Ready, Synthesizing, Abandoned},
	Synthesizing: {Completed, Ready, Abandoned},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the state of one conversation. It is only mutated through a
// Lease.
type Session struct {
	ID    string
	State State
	Slots intent.Slots
	// Pending is the entity choice the last clarification asked for.
	Pending *intent.Ambiguity
	// Missing are the slots the last clarification asked for.
	Missing      []string
	Turns        int
	CreatedAt    time.Time
	LastActivity time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, State: Idle, Slots: intent.Slots{}, CreatedAt: now, LastActivity: now}
}

// Snapshot is a read-only copy of a session for reporting.
type Snapshot struct {
	ID           string       `json:"id"`
	State        State        `json:"state"`
	Slots        intent.Slots `json:"slots"`
	Missing      []string     `json:"missing,omitempty"`
	Turns        int          `json:"turns"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	Busy         bool         `json:"busy,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID: s.ID, State: s.State, Slots: s.Slots.Clone(), Missing: append([]string(nil), s.Missing...),
		Turns: s.Turns, CreatedAt: s.CreatedAt, LastActivity: s.LastActivity,
	}
}

func (s *Session) move(to State) error {
	if !allowed(s.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}
