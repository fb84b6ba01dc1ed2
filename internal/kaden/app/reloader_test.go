package app

import (
	"context"
	"errors"
	"testing"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
)

type fakeReloader struct{ err error }

func (f fakeReloader) ReloadAutomations(context.Context) error { return f.err }

type countingSource struct{ calls int }

func (c *countingSource) FetchCatalog(context.Context) ([]catalog.EntityRef, []catalog.Area, error) {
	c.calls++
	return []catalog.EntityRef{{ID: "automation.kitchen", Domain: "automation"}}, nil, nil
}

func TestReloader_InvalidatesCatalogAfterReload(t *testing.T) {
	src := &countingSource{}
	cat := catalog.New(src, catalog.Options{})
	if _, err := cat.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	failing := reloader{ha: fakeReloader{err: errors.New("401")}, catalog: cat}
	if err := failing.ReloadAutomations(context.Background()); err == nil {
		t.Fatal("reload error swallowed")
	}
	if _, err := cat.Snapshot(context.Background()); err != nil || src.calls != 1 {
		t.Fatalf("failed reload dropped the catalog (calls=%d)", src.calls)
	}

	ok := reloader{ha: fakeReloader{}, catalog: cat}
	if err := ok.ReloadAutomations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Snapshot(context.Background()); err != nil || src.calls != 2 {
		t.Fatalf("catalog not re-read after reload (calls=%d)", src.calls)
	}
}
