package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/internal/kaden/events"
	"github.com/bdobrica/Kaden/internal/kaden/store"
)

func kitchenDraft() *automation.Draft {
	return &automation.Draft{
		Alias:      "Kitchen lights on weekday mornings",
		Triggers:   []automation.Trigger{automation.TimeTrigger{At: "06:00:00"}},
		Conditions: []automation.Condition{automation.TimeCondition{Weekdays: []string{"mon", "tue", "wed", "thu", "fri"}}},
		Actions:    []automation.Action{automation.ServiceAction{Service: "light.turn_on", Entities: []string{"light.kitchen"}}},
	}
}

func newSQLite(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "kaden-test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string) store.Automation {
	d := kitchenDraft()
	y, _ := automation.RenderYAML(automation.Record{ID: id, Draft: d})
	return store.Automation{
		ID: id, Alias: d.Alias, Draft: d, YAML: string(y), Session: "s1",
		CreatedAt: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}
}

func sameDraft(t *testing.T, got, want *automation.Draft) {
	t.Helper()
	g, err := automation.Encode(got)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := automation.Encode(want)
	if string(g) != string(w) {
		t.Errorf("draft = %s, want %s", g, w)
	}
}

// ---- SQLite ----

func TestSQLite_AppendAndList(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	if err := s.Append(ctx, record("a1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	second := record("a2")
	second.CreatedAt = second.CreatedAt.Add(time.Minute)
	if err := s.Append(ctx, second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List: got %d automations, want 2", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "a2" {
		t.Errorf("order: got %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Session != "s1" || !got[0].CreatedAt.Equal(record("a1").CreatedAt) {
		t.Errorf("metadata: got session %q created %v", got[0].Session, got[0].CreatedAt)
	}
	if !strings.Contains(got[0].YAML, "light.kitchen") {
		t.Errorf("YAML missing target:\n%s", got[0].YAML)
	}
	sameDraft(t, got[0].Draft, kitchenDraft())
}

func TestSQLite_RejectsDuplicateID(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	if err := s.Append(ctx, record("dup")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, record("dup")); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("second Append: err = %v, want ErrDuplicateID", err)
	}
	got, _ := s.List(ctx)
	if len(got) != 1 {
		t.Errorf("List: got %d automations, want 1", len(got))
	}
}

func TestSQLite_ReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kaden.db")
	s, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Append(context.Background(), record("keep")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Close()

	s, err = store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("schema_migrations rows = %d, want 2", n)
	}
	got, _ := s.List(context.Background())
	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("List after reopen = %+v", got)
	}
}

// ---- automations.yaml ----

type reloader struct {
	calls int
	err   error
}

func (r *reloader) ReloadAutomations(context.Context) error {
	r.calls++
	return r.err
}

func TestYAMLFile_AppendCreatesAndExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.yaml")
	rl := &reloader{}
	f := store.NewYAMLFile(path, rl)
	ctx := context.Background()

	if err := f.Append(ctx, record("y1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Append(ctx, record("y2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rl.calls != 2 {
		t.Errorf("reload calls = %d, want 2", rl.calls)
	}

	got, err := f.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "y1" || got[1].ID != "y2" {
		t.Fatalf("List = %+v", got)
	}
	sameDraft(t, got[1].Draft, kitchenDraft())

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only automations.yaml (no temp files)", len(entries))
	}
}

func TestYAMLFile_ReplacesEmptyListMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.yaml")
	if err := os.WriteFile(path, []byte("[]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := store.NewYAMLFile(path, nil)
	if err := f.Append(context.Background(), record("first")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "[]") {
		t.Errorf("empty list marker kept:\n%s", data)
	}
	got, err := f.List(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("List = %v, %v", got, err)
	}
}

func TestYAMLFile_KeepsExistingAutomations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.yaml")
	existing := `- id: '1700000000000'
  alias: Porch light at sunset
  triggers:
    - trigger: sun
      event: sunset
  actions:
    - action: light.turn_on
      target:
        entity_id: light.porch`
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}
	f := store.NewYAMLFile(path, nil)
	if err := f.Append(context.Background(), record("1700000000000")); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("Append existing id: err = %v, want ErrDuplicateID", err)
	}
	if err := f.Append(context.Background(), record("new")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, _ := f.List(context.Background())
	if len(got) != 2 || got[0].Alias != "Porch light at sunset" || got[1].ID != "new" {
		t.Fatalf("List = %+v", got)
	}
}

func TestYAMLFile_ReloadFailureDoesNotFailAppend(t *testing.T) {
	f := store.NewYAMLFile(filepath.Join(t.TempDir(), "automations.yaml"), &reloader{err: errors.New("unreachable")})
	if err := f.Append(context.Background(), record("r1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

// ---- Gateway ----

type memStore struct {
	mu       sync.Mutex
	items    []store.Automation
	failNext error
	// inFlight detects concurrent appends.
	inFlight   int
	concurrent bool
}

func (m *memStore) Append(_ context.Context, a store.Automation) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > 1 {
		m.concurrent = true
	}
	m.mu.Unlock()
	time.Sleep(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	for _, it := range m.items {
		if it.ID == a.ID {
			return store.ErrDuplicateID
		}
	}
	m.items = append(m.items, a)
	return nil
}

func (m *memStore) List(context.Context) ([]store.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Automation(nil), m.items...), nil
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Generated
	err error
}

func (r *recorder) PublishGenerated(_ context.Context, ev events.Generated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return r.err
}

func sequence(ids ...string) func() string {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

func TestGateway_Persist(t *testing.T) {
	ms := &memStore{}
	pub := &recorder{}
	g := store.NewGateway(ms, pub)
	g.NewID = sequence("id-1")

	d := kitchenDraft()
	got, err := g.Persist(context.Background(), d, store.PersistOptions{Session: "room:alice"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if got.ID != "id-1" {
		t.Errorf("ID = %q, want id-1", got.ID)
	}
	wantAlias := "Kitchen lights on weekday mornings (Auto Generated)"
	if got.Alias != wantAlias || got.Draft.Alias != wantAlias {
		t.Errorf("Alias = %q / %q, want %q", got.Alias, got.Draft.Alias, wantAlias)
	}
	if d.Alias != "Kitchen lights on weekday mornings" {
		t.Errorf("caller's draft modified: alias %q", d.Alias)
	}
	if !strings.Contains(got.YAML, "id: 'id-1'") && !strings.Contains(got.YAML, `id: "id-1"`) {
		t.Errorf("YAML does not carry the id:\n%s", got.YAML)
	}
	if len(ms.items) != 1 {
		t.Fatalf("stored %d automations, want 1", len(ms.items))
	}
	if len(pub.evs) != 1 || pub.evs[0].ID != "id-1" || pub.evs[0].Session != "room:alice" {
		t.Errorf("events = %+v", pub.evs)
	}
}

func TestGateway_SuffixNotDoubled(t *testing.T) {
	g := store.NewGateway(&memStore{}, nil)
	d := kitchenDraft()
	d.Alias += automation.GeneratedSuffix
	got, err := g.Persist(context.Background(), d, store.PersistOptions{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if strings.Count(got.Alias, automation.GeneratedSuffix) != 1 {
		t.Errorf("Alias = %q", got.Alias)
	}
}

func TestGateway_DuplicateIDDrawsNewID(t *testing.T) {
	ms := &memStore{items: []store.Automation{{ID: "taken"}}}
	g := store.NewGateway(ms, nil)
	g.NewID = sequence("taken", "fresh")

	got, err := g.Persist(context.Background(), kitchenDraft(), store.PersistOptions{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if got.ID != "fresh" {
		t.Errorf("ID = %q, want fresh", got.ID)
	}
}

func TestGateway_GivesUpAfterRepeatedCollisions(t *testing.T) {
	ms := &memStore{items: []store.Automation{{ID: "x"}}}
	g := store.NewGateway(ms, nil)
	g.NewID = func() string { return "x" }

	if _, err := g.Persist(context.Background(), kitchenDraft(), store.PersistOptions{}); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestGateway_StoreFailureIsReportedAndNothingPublished(t *testing.T) {
	ms := &memStore{failNext: errors.New("disk full")}
	pub := &recorder{}
	g := store.NewGateway(ms, pub)

	if _, err := g.Persist(context.Background(), kitchenDraft(), store.PersistOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if len(ms.items) != 0 || len(pub.evs) != 0 {
		t.Errorf("stored %d, published %d; want nothing", len(ms.items), len(pub.evs))
	}
}

func TestGateway_PublishFailureDoesNotFailPersist(t *testing.T) {
	g := store.NewGateway(&memStore{}, &recorder{err: errors.New("bus closed")})
	if _, err := g.Persist(context.Background(), kitchenDraft(), store.PersistOptions{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
}

func TestGateway_SerialisesWrites(t *testing.T) {
	ms := &memStore{}
	g := store.NewGateway(ms, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Persist(context.Background(), kitchenDraft(), store.PersistOptions{}); err != nil {
				t.Errorf("Persist: %v", err)
			}
		}()
	}
	wg.Wait()

	if ms.concurrent {
		t.Error("store saw concurrent appends")
	}
	if len(ms.items) != 8 {
		t.Errorf("stored %d automations, want 8", len(ms.items))
	}
}

func TestGateway_OverSQLite(t *testing.T) {
	s := newSQLite(t)
	g := store.NewGateway(s, nil)

	a, err := g.Persist(context.Background(), kitchenDraft(), store.PersistOptions{Session: "cli"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	list, err := g.List(context.Background())
	if err != nil || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("List = %+v, %v", list, err)
	}
}
