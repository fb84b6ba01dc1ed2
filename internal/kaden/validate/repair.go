package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
	"github.com/bdobrica/Kaden/internal/kaden/synth"
)

// State is the progress of one draft through validation and repair:
//
//	Unchecked → Valid
//	Unchecked → Invalid → Repairing → Valid | InvalidFinal
type State string

const (
	Unchecked    State = "unchecked"
	Valid        State = "valid"
	Invalid      State = "invalid"
	Repairing    State = "repairing"
	InvalidFinal State = "invalid_final"
)

// ErrExhaustedRepair is returned when the single regeneration still produced
// an invalid draft. The Outcome carries the remaining issues.
var ErrExhaustedRepair = errors.New("validate: draft still invalid after repair")

// Synthesizer produces drafts; *synth.Synthesizer satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error)
}

// Outcome is the terminal result of Run.
type Outcome struct {
	Draft  *automation.Draft
	Result Result
	State  State
	// Attempts counts synthesis calls: 1, or 2 after a regeneration.
	Attempts int
	// LocallyRepaired is set when references were fixed without a model
	// call.
	LocallyRepaired bool
	Usage           []llm.Usage
}

// Repairer synthesizes a draft, validates it and repairs it at most once.
type Repairer struct {
	synth     Synthesizer
	validator *Validator
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
}

func NewRepairer(s Synthesizer, v *Validator) *Repairer {
	if v == nil {
		v = New()
	}
	return &Repairer{synth: s, validator: v}
}

// Run synthesizes a draft for req and validates it. An invalid draft is
// first repaired locally (display names replaced by their unique entity
// ids); if issues remain, one regeneration is requested with the issues as
// corrections. Malformed model output takes the same path. A second failure
// returns the Outcome together with ErrExhaustedRepair. Provider errors
// other than malformed output are returned as they are.
func (r *Repairer) Run(ctx context.Context, req synth.Request) (*Outcome, error) {
	log := trace.Logger(ctx)
	out := &Outcome{State: Unchecked}

	d, res, err := r.attempt(ctx, req, out)
	if err != nil {
		return nil, err
	}
	if res.Valid {
		return r.finish(out, d, res, Valid), nil
	}
	r.move(out, Invalid)
	log.Info("validate: draft invalid", "issues", len(res.Errors()), "first", firstIssue(res))

	r.move(out, Repairing)
	req.Corrections = res.Corrections()
	req.Previous = d
	d, res, err = r.attempt(ctx, req, out)
	if err != nil {
		return nil, err
	}
	if res.Valid {
		log.Info("validate: draft repaired", "attempts", out.Attempts)
		return r.finish(out, d, res, Valid), nil
	}
	log.Warn("validate: repair exhausted", "issues", len(res.Errors()), "first", firstIssue(res))
	r.finish(out, d, res, InvalidFinal)
	return out, fmt.Errorf("%w: %s", ErrExhaustedRepair, firstIssue(res))
}

// attempt runs one synthesis and validation, applying local repairs.
// Malformed output and members the draft dropped become structural issues.
func (r *Repairer) attempt(ctx context.Context, req synth.Request, out *Outcome) (*automation.Draft, Result, error) {
	out.Attempts++
	sr, err := r.synth.Synthesize(ctx, req)
	if err != nil {
		if !errors.Is(err, llm.ErrMalformedOutput) {
			return nil, Result{}, err
		}
		msg := "the answer did not match the automation schema"
		var le *llm.Error
		if errors.As(err, &le) && le.Detail != "" {
			msg += ": " + le.Detail
		}
		return req.Previous, Result{Issues: []Issue{{Kind: Structural, Path: "$", Message: msg, Severity: SeverityError}}}, nil
	}
	out.Usage = append(out.Usage, sr.Usage)

	d := sr.Draft
	res := r.validator.Validate(d, req.Snapshot)
	if !res.Valid {
		if fixed, ok := repairLocally(d, res); ok {
			fres := r.validator.Validate(fixed, req.Snapshot)
			d, res = fixed, fres
			out.LocallyRepaired = true
		}
	}
	if len(sr.Dropped) > 0 {
		dropped := make([]Issue, 0, len(sr.Dropped)+len(res.Issues))
		for _, v := range sr.Dropped {
			dropped = append(dropped, Issue{Kind: Structural, Path: v.Path, Message: v.Message, Severity: SeverityError})
		}
		res.Issues = append(dropped, res.Issues...)
		res.Valid = false
	}
	return d, res, nil
}

func (r *Repairer) finish(out *Outcome, d *automation.Draft, res Result, s State) *Outcome {
	out.Draft, out.Result = d, res
	r.move(out, s)
	return out
}

func (r *Repairer) move(out *Outcome, to State) {
	if r.OnTransition != nil {
		r.OnTransition(out.State, to)
	}
	out.State = to
}

// repairLocally replaces references that have a certain fix. It returns a
// repaired clone and true when anything changed.
func repairLocally(d *automation.Draft, res Result) (*automation.Draft, bool) {
	fixes := make(map[string]string)
	for _, i := range res.Issues {
		if i.Kind == Referential && i.Fix != "" {
			fixes[i.EntityID] = i.Fix
		}
	}
	if len(fixes) == 0 || d == nil {
		return d, false
	}
	c := d.Clone()
	sub := func(ids []string) []string {
		for k, id := range ids {
			if f, ok := fixes[id]; ok {
				ids[k] = f
			}
		}
		return ids
	}
	for i, t := range c.Triggers {
		switch x := t.(type) {
		case automation.StateTrigger:
			x.Entities = sub(x.Entities)
			c.Triggers[i] = x
		case automation.NumericStateTrigger:
			x.Entities = sub(x.Entities)
			c.Triggers[i] = x
		}
	}
	for i, cond := range c.Conditions {
		switch x := cond.(type) {
		case automation.StateCondition:
			x.Entities = sub(x.Entities)
			c.Conditions[i] = x
		case automation.NumericStateCondition:
			x.Entities = sub(x.Entities)
			c.Conditions[i] = x
		}
	}
	for i, a := range c.Actions {
		if x, ok := a.(automation.ServiceAction); ok {
			x.Entities = sub(x.Entities)
			c.Actions[i] = x
		}
	}
	return c, true
}

func firstIssue(res Result) string {
	errs := res.Errors()
	if len(errs) == 0 {
		return ""
	}
	s := errs[0].String()
	if n := len(errs) - 1; n > 0 {
		s += fmt.Sprintf(" (and %d more)", n)
	}
	return strings.TrimSpace(s)
}
