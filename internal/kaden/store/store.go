// Package store is the persistence gateway between the pipeline and the
// automation store.
//
// The Gateway assigns every valid draft a fresh id, marks its alias as
// generated and appends it to an AutomationStore. Writes are serialised: at
// most one append is in flight across all sessions, and an id that was
// handed to a failed append is never offered again.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/Kaden/common/spec/automation"
)

// ErrDuplicateID is returned by an AutomationStore asked to append an id it
// already holds.
var ErrDuplicateID = errors.New("store: duplicate automation id")

// Automation is a persisted automation record.
type Automation struct {
	ID    string            `json:"id"`
	Alias string            `json:"alias"`
	Draft *automation.Draft `json:"-"`
	// YAML is the Home Assistant rendering users review.
	YAML      string    `json:"yaml"`
	Session   string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AutomationStore is an append-only collection of automations. Append must
// either store the whole record or nothing, and must reject an id it
// already holds with ErrDuplicateID.
type AutomationStore interface {
	Append(ctx context.Context, a Automation) error
	List(ctx context.Context) ([]Automation, error)
}
