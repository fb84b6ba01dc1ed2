package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/internal/kaden/events"
)

// maxIDAttempts bounds how many fresh ids Persist tries when the store
// reports a collision.
const maxIDAttempts = 3

// PersistOptions describe where a draft came from.
type PersistOptions struct {
	Session string
}

// Gateway hands validated drafts to an AutomationStore.
type Gateway struct {
	store     AutomationStore
	publisher events.Publisher

	// NewID and Now are replaceable in tests.
	NewID func() string
	Now   func() time.Time

	mu sync.Mutex
}

// NewGateway writes to s and announces every stored automation on p. p may
// be nil.
func NewGateway(s AutomationStore, p events.Publisher) *Gateway {
	return &Gateway{store: s, publisher: p, NewID: uuid.NewString, Now: time.Now}
}

// Persist assigns d a fresh id, appends the generated marker to its alias
// and appends it to the store. d itself is not modified and the gateway
// keeps no reference to the stored record. When the store rejects an id as
// a duplicate a new one is drawn; ids handed to a failed append are never
// reused.
func (g *Gateway) Persist(ctx context.Context, d *automation.Draft, opts PersistOptions) (*Automation, error) {
	if d == nil {
		return nil, errors.New("store: persist: nil draft")
	}
	log := trace.Logger(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	draft := d.Clone()
	if !strings.HasSuffix(draft.Alias, automation.GeneratedSuffix) {
		draft.Alias += automation.GeneratedSuffix
	}

	var a Automation
	for attempt := 1; ; attempt++ {
		id := g.NewID()
		y, err := automation.RenderYAML(automation.Record{ID: id, Draft: draft})
		if err != nil {
			return nil, fmt.Errorf("store: persist: %w", err)
		}
		a = Automation{
			ID: id, Alias: draft.Alias, Draft: draft, YAML: string(y),
			Session: opts.Session, CreatedAt: g.Now().UTC(),
		}
		err = g.store.Append(ctx, a)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateID) || attempt == maxIDAttempts {
			return nil, fmt.Errorf("store: persist: %w", err)
		}
		log.Warn("store: id collision, drawing a new one", "id", id, "attempt", attempt)
	}

	log.Info("store: automation persisted", "id", a.ID, "alias", a.Alias, "session", a.Session, "yaml", a.YAML)

	if g.publisher != nil {
		ev := events.Generated{ID: a.ID, Alias: a.Alias, Session: a.Session, YAML: a.YAML, CreatedAt: a.CreatedAt}
		if err := g.publisher.PublishGenerated(ctx, ev); err != nil {
			log.Warn("store: publish automation_generated failed", "id", a.ID, "err", err)
		}
	}
	out := a
	out.Draft = a.Draft.Clone()
	return &out, nil
}

// List returns the stored automations.
func (g *Gateway) List(ctx context.Context) ([]Automation, error) {
	return g.store.List(ctx)
}
