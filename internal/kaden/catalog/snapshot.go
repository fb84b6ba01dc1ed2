// Package catalog holds the snapshot of Home Assistant entities and areas
// that grounds generation and validates entity references.
//
// A Snapshot is immutable. The Catalog refreshes lazily when its snapshot
// ages past the TTL and swaps the new one in atomically; callers take one
// snapshot per turn and reuse it for every lookup in that turn.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityRef is one addressable entity, e.g. light.kitchen.
type EntityRef struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Domain string `json:"domain" yaml:"domain,omitempty"`
	AreaID string `json:"area_id,omitempty" yaml:"area,omitempty"`
}

// Area groups entities by room or zone.
type Area struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

var (
	// ErrNotFound means no entity matches the id or display name.
	ErrNotFound = errors.New("catalog: entity not found")
	// ErrUnavailable means the host platform could not be queried.
	ErrUnavailable = errors.New("catalog: unavailable")
)

// AmbiguousError reports a display name shared by several entities.
type AmbiguousError struct {
	Query      string
	Candidates []EntityRef
}

func (e *AmbiguousError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.ID
	}
	return fmt.Sprintf("catalog: %q is ambiguous: %s", e.Query, strings.Join(ids, ", "))
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	entities  []EntityRef
	areas     []Area
	byID      map[string]int
	byName    map[string][]int
	areaNames map[string]string
	fetchedAt time.Time
}

// NewSnapshot indexes entities and areas. Entities are ordered by id; a
// missing Domain is derived from the id. Later duplicates of an id are
// dropped.
func NewSnapshot(entities []EntityRef, areas []Area, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		byID:      make(map[string]int, len(entities)),
		byName:    make(map[string][]int, len(entities)),
		areaNames: make(map[string]string, len(areas)),
		fetchedAt: fetchedAt,
	}
	sorted := append([]EntityRef(nil), entities...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, e := range sorted {
		if e.ID == "" {
			continue
		}
		if _, dup := s.byID[e.ID]; dup {
			continue
		}
		if e.Domain == "" {
			e.Domain, _, _ = strings.Cut(e.ID, ".")
		}
		i := len(s.entities)
		s.entities = append(s.entities, e)
		s.byID[e.ID] = i
		if key := nameKey(e.Name); key != "" {
			s.byName[key] = append(s.byName[key], i)
		}
	}
	s.areas = append([]Area(nil), areas...)
	sort.SliceStable(s.areas, func(i, j int) bool { return s.areas[i].Name < s.areas[j].Name })
	for _, a := range s.areas {
		s.areaNames[a.ID] = a.Name
	}
	return s
}

func nameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Resolve finds an entity by exact id, then by case-insensitive display
// name. A name shared by several entities yields *AmbiguousError; it is
// never resolved to one of them.
func (s *Snapshot) Resolve(nameOrID string) (EntityRef, error) {
	q := strings.TrimSpace(nameOrID)
	if i, ok := s.byID[q]; ok {
		return s.entities[i], nil
	}
	matches := s.byName[nameKey(q)]
	switch len(matches) {
	case 0:
		return EntityRef{}, fmt.Errorf("%w: %q", ErrNotFound, q)
	case 1:
		return s.entities[matches[0]], nil
	}
	amb := &AmbiguousError{Query: q}
	for _, i := range matches {
		amb.Candidates = append(amb.Candidates, s.entities[i])
	}
	return EntityRef{}, amb
}

// Lookup returns the entity with exactly this id.
func (s *Snapshot) Lookup(id string) (EntityRef, bool) {
	i, ok := s.byID[id]
	if !ok {
		return EntityRef{}, false
	}
	return s.entities[i], true
}

// Entities returns a copy of all entities, ordered by id.
func (s *Snapshot) Entities() []EntityRef { return append([]EntityRef(nil), s.entities...) }

// Areas returns a copy of all areas, ordered by name.
func (s *Snapshot) Areas() []Area { return append([]Area(nil), s.areas...) }

func (s *Snapshot) Len() int { return len(s.entities) }

func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// AreaName returns the display name of an area id, or the id itself.
func (s *Snapshot) AreaName(id string) string {
	if n, ok := s.areaNames[id]; ok {
		return n
	}
	return id
}

// InDomains returns the entities of the given domains; no domains means all.
func (s *Snapshot) InDomains(domains ...string) []EntityRef {
	if len(domains) == 0 {
		return s.Entities()
	}
	want := make(map[string]bool, len(domains))
	for _, d := range domains {
		want[d] = true
	}
	var out []EntityRef
	for _, e := range s.entities {
		if want[e.Domain] {
			out = append(out, e)
		}
	}
	return out
}

// Domains lists the distinct domains present, sorted.
func (s *Snapshot) Domains() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range s.entities {
		if !seen[e.Domain] {
			seen[e.Domain] = true
			out = append(out, e.Domain)
		}
	}
	sort.Strings(out)
	return out
}

// Similar returns up to limit entities whose id or name shares a word with
// query, for suggesting candidates when a reference does not resolve.
func (s *Snapshot) Similar(query string, domain string, limit int) []EntityRef {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return r == ' ' || r == '.' || r == '_' || r == '-'
	})
	var out []EntityRef
	for _, e := range s.entities {
		if domain != "" && e.Domain != domain {
			continue
		}
		hay := strings.ToLower(e.ID + " " + e.Name)
		for _, w := range words {
			if len(w) > 2 && w != domain && strings.Contains(hay, w) {
				out = append(out, e)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
