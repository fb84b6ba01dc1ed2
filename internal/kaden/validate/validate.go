// Package validate checks automation drafts before they are trusted and
// drives the bounded repair of invalid ones.
//
// Checks run in order: structure against the automation JSON Schema, entity
// references against the catalog snapshot, then service/target domain
// compatibility. A draft is Valid when no issue of severity error remains.
package validate

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
)

// IssueKind classifies a validation issue.
type IssueKind string

const (
	Structural     IssueKind = "structural"
	Referential    IssueKind = "referential"
	DomainMismatch IssueKind = "domain_mismatch"
)

// Severity of an issue. Only errors make a draft invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found in a draft.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Path     string    `json:"path"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	// EntityID is the offending reference of referential and domain issues.
	EntityID string `json:"entity_id,omitempty"`
	// Candidates are catalog entities that could replace EntityID.
	Candidates []catalog.EntityRef `json:"candidates,omitempty"`
	// Fix is set when exactly one replacement is certain, e.g. a display
	// name that resolves to a single entity.
	Fix string `json:"fix,omitempty"`
}

func (i Issue) String() string { return i.Path + ": " + i.Message }

// Correction renders the issue as an instruction for a repair prompt.
func (i Issue) Correction() string {
	s := i.String()
	if len(i.Candidates) > 0 {
		ids := make([]string, len(i.Candidates))
		for k, c := range i.Candidates {
			ids[k] = c.ID
		}
		s += "; candidates: " + strings.Join(ids, ", ")
	}
	return s
}

// Result is the outcome of validating one draft.
type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// Errors returns the issues of severity error.
func (r Result) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Warnings returns the issues of severity warning.
func (r Result) Warnings() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityWarning {
			out = append(out, i)
		}
	}
	return out
}

// Corrections renders every error as a repair instruction.
func (r Result) Corrections() []string {
	var out []string
	for _, i := range r.Errors() {
		out = append(out, i.Correction())
	}
	return out
}

// numericDomains hold entities with numeric states.
var numericDomains = []string{"sensor", "input_number", "number", "counter", "climate", "weather", "water_heater"}

// universalDomains provide services that accept entities of any domain.
var universalDomains = []string{"homeassistant"}

// Validator checks drafts. The zero value is not usable; call New.
type Validator struct {
	suggestions int
}

func New() *Validator { return &Validator{suggestions: 5} }

// Validate checks d against the schema and snap.
func (v *Validator) Validate(d *automation.Draft, snap *catalog.Snapshot) Result {
	var issues []Issue
	issues = append(issues, v.structural(d)...)
	issues = append(issues, v.referential(d, snap)...)
	issues = append(issues, v.domains(d, snap)...)

	r := Result{Valid: true, Issues: issues}
	for _, i := range issues {
		if i.Severity == SeverityError {
			r.Valid = false
			break
		}
	}
	return r
}

func (v *Validator) structural(d *automation.Draft) []Issue {
	if d == nil {
		return []Issue{{Kind: Structural, Path: "$", Message: "no draft", Severity: SeverityError}}
	}
	violations, err := automation.CheckSchema(d)
	if err != nil {
		return []Issue{{Kind: Structural, Path: "$", Message: err.Error(), Severity: SeverityError}}
	}
	var out []Issue
	for _, vi := range violations {
		// Malformed entity ids are reported by the referential stage,
		// which can suggest candidates.
		if strings.Contains(vi.Path, "entity_ids[") {
			continue
		}
		out = append(out, Issue{Kind: Structural, Path: vi.Path, Message: vi.Message, Severity: SeverityError})
	}
	return out
}

func (v *Validator) referential(d *automation.Draft, snap *catalog.Snapshot) []Issue {
	if d == nil {
		return nil
	}
	var out []Issue
	for _, ref := range d.References() {
		if _, ok := snap.Lookup(ref.EntityID); ok {
			continue
		}
		is := Issue{Kind: Referential, Path: ref.Path, Severity: SeverityError, EntityID: ref.EntityID}
		found, err := snap.Resolve(ref.EntityID)
		var amb *catalog.AmbiguousError
		switch {
		case err == nil:
			is.Message = fmt.Sprintf("%q is a display name, not an entity id; use %s", ref.EntityID, found.ID)
			is.Candidates = []catalog.EntityRef{found}
			is.Fix = found.ID
		case errors.As(err, &amb):
			is.Message = fmt.Sprintf("%q names several entities; pick one", ref.EntityID)
			is.Candidates = amb.Candidates
		default:
			domain := expectedDomain(d, ref)
			is.Message = fmt.Sprintf("%s does not exist", ref.EntityID)
			if domain != "" {
				is.Message = fmt.Sprintf("%s does not exist; must reference an existing %s entity", ref.EntityID, domain)
			}
			is.Candidates = snap.Similar(ref.EntityID, domain, v.suggestions)
			if len(is.Candidates) == 0 && domain != "" {
				is.Candidates = head(snap.InDomains(domain), v.suggestions)
			}
		}
		out = append(out, is)
	}
	return out
}

// expectedDomain is the domain a reference should have: the entity id's own
// domain, or for actions the service's domain.
func expectedDomain(d *automation.Draft, ref automation.Ref) string {
	if dom := automation.Domain(ref.EntityID); dom != "" && !strings.ContainsAny(ref.EntityID, " ") {
		return dom
	}
	var idx int
	if _, err := fmt.Sscanf(ref.Path, "actions[%d]", &idx); err == nil && idx < len(d.Actions) {
		if a, ok := d.Actions[idx].(automation.ServiceAction); ok {
			if dom := automation.Domain(a.Service); !slices.Contains(universalDomains, dom) {
				return dom
			}
		}
	}
	return ""
}

func (v *Validator) domains(d *automation.Draft, snap *catalog.Snapshot) []Issue {
	if d == nil {
		return nil
	}
	var out []Issue
	for i, a := range d.Actions {
		sa, ok := a.(automation.ServiceAction)
		if !ok {
			continue
		}
		svcDomain := automation.Domain(sa.Service)
		if svcDomain == "" || slices.Contains(universalDomains, svcDomain) {
			continue
		}
		if len(sa.Entities) == 0 && len(snap.InDomains(svcDomain)) > 0 {
			out = append(out, Issue{
				Kind: DomainMismatch, Path: fmt.Sprintf("actions[%d]", i), Severity: SeverityWarning,
				Message: fmt.Sprintf("%s has no target entities", sa.Service),
			})
		}
		for j, id := range sa.Entities {
			ref, ok := snap.Lookup(id)
			if !ok || ref.Domain == svcDomain {
				continue
			}
			out = append(out, Issue{
				Kind: DomainMismatch, Path: fmt.Sprintf("actions[%d].entity_ids[%d]", i, j), Severity: SeverityError,
				EntityID: id,
				Message: fmt.Sprintf("%s requires a %s.* target, got %s; use %s.%s or a %s entity",
					sa.Service, svcDomain, id, ref.Domain, serviceName(sa.Service), svcDomain),
				Candidates: sameName(snap, ref, svcDomain, v.suggestions),
			})
		}
	}

	numeric := func(path string, ids []string) {
		for j, id := range ids {
			ref, ok := snap.Lookup(id)
			if ok && !slices.Contains(numericDomains, ref.Domain) {
				out = append(out, Issue{
					Kind: DomainMismatch, Path: fmt.Sprintf("%s.entity_ids[%d]", path, j), Severity: SeverityWarning,
					EntityID: id,
					Message:  fmt.Sprintf("%s is a %s entity and may not report a numeric state", id, ref.Domain),
				})
			}
		}
	}
	for i, t := range d.Triggers {
		if n, ok := t.(automation.NumericStateTrigger); ok {
			numeric(fmt.Sprintf("triggers[%d]", i), n.Entities)
		}
	}
	for i, c := range d.Conditions {
		if n, ok := c.(automation.NumericStateCondition); ok {
			numeric(fmt.Sprintf("conditions[%d]", i), n.Entities)
		}
	}
	return out
}

func serviceName(service string) string {
	_, name, _ := strings.Cut(service, ".")
	return name
}

// sameName suggests entities of domain that share words with ref.
func sameName(snap *catalog.Snapshot, ref catalog.EntityRef, domain string, limit int) []catalog.EntityRef {
	out := snap.Similar(ref.Name, domain, limit)
	if len(out) == 0 {
		out = head(snap.InDomains(domain), limit)
	}
	return out
}

func head(refs []catalog.EntityRef, n int) []catalog.EntityRef {
	if len(refs) > n {
		return refs[:n]
	}
	return refs
}
