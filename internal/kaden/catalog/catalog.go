package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source queries the host platform. Implementations are read-only and
// idempotent.
type Source interface {
	FetchCatalog(ctx context.Context) ([]EntityRef, []Area, error)
}

const (
	DefaultTTL          = time.Minute
	defaultFetchTimeout = 10 * time.Second
)

// Options tune a Catalog. Zero values select defaults.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	// Now is the clock, replaceable in tests.
	Now func() time.Time
	// OnRefresh, when set, observes each refresh outcome.
	OnRefresh func(entities int, took time.Duration, err error)
}

// Catalog serves snapshots, refreshing them lazily from its Source.
type Catalog struct {
	src  Source
	opts Options

	current atomic.Pointer[Snapshot]
	// refresh serialises fetches so concurrent turns share one query.
	refresh sync.Mutex
}

func New(src Source, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Catalog{src: src, opts: opts}
}

// Snapshot returns the current snapshot, querying the source first when the
// snapshot is missing or older than the TTL. A failed refresh returns
// ErrUnavailable; a stale snapshot is never served in its place.
func (c *Catalog) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := c.current.Load(); s != nil && c.fresh(s) {
		return s, nil
	}

	c.refresh.Lock()
	defer c.refresh.Unlock()
	if s := c.current.Load(); s != nil && c.fresh(s) {
		return s, nil
	}

	fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	start := c.opts.Now()
	entities, areas, err := c.src.FetchCatalog(fctx)
	took := c.opts.Now().Sub(start)
	if c.opts.OnRefresh != nil {
		c.opts.OnRefresh(len(entities), took, err)
	}
	if err != nil {
		slog.Warn("catalog: refresh failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s := NewSnapshot(entities, areas, c.opts.Now())
	c.current.Store(s)
	slog.Debug("catalog: refreshed", "entities", s.Len(), "areas", len(areas), "took", took)
	return s, nil
}

// Invalidate forces the next Snapshot call to query the source.
func (c *Catalog) Invalidate() { c.current.Store(nil) }

func (c *Catalog) fresh(s *Snapshot) bool {
	return c.opts.Now().Sub(s.FetchedAt()) < c.opts.TTL
}
