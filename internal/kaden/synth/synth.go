// Package synth asks the configured provider for an automation draft built
// from the slots of a completed clarification.
//
// The prompt lists only the catalog entities of the domains the slots imply
// and names every entity reference that did not resolve, so a wrong name
// surfaces as a validation issue instead of a silently substituted entity.
// Time, duration, offset and weekday literals in the returned draft are
// normalised to Home Assistant's formats before the draft is handed on.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bdobrica/Kaden/common/retry"
	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/intent"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

// DefaultTimeout bounds one synthesis call, its retry included.
const DefaultTimeout = 90 * time.Second

// ErrNoSnapshot is returned for a request without a catalog snapshot.
var ErrNoSnapshot = errors.New("synth: no catalog snapshot")

// Options tune a Synthesizer. Zero values select defaults.
type Options struct {
	Retry   *retry.Policy
	Timeout time.Duration
	// PerDomain caps the entities listed per domain.
	PerDomain int
}

// Synthesizer turns slots into automation drafts.
type Synthesizer struct {
	provider  llm.Provider
	policy    retry.Policy
	timeout   time.Duration
	perDomain int
}

func New(p llm.Provider, opts Options) *Synthesizer {
	s := &Synthesizer{provider: p, policy: retry.Once(llm.IsTransient), timeout: opts.Timeout, perDomain: opts.PerDomain}
	if opts.Retry != nil {
		s.policy = *opts.Retry
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.perDomain <= 0 {
		s.perDomain = catalog.DefaultPerDomain
	}
	return s
}

// Request is one synthesis.
type Request struct {
	Slots    intent.Slots
	Snapshot *catalog.Snapshot
	// Utterance is the latest user message, for context.
	Utterance string
	// Alias, when set, replaces the alias the model chose.
	Alias string
	// Corrections and Previous are set on a repair attempt: the problems
	// found in the previous draft, and that draft.
	Corrections []string
	Previous    *automation.Draft
}

// Result is a synthesised draft.
type Result struct {
	Draft *automation.Draft
	// Unresolved lists entity names from the slots that are not in the
	// catalog.
	Unresolved []string
	// Dropped lists members of the model's answer that the draft has no
	// field for, such as "at" on a state trigger.
	Dropped []automation.Violation
	Usage   llm.Usage
}

// Synthesize requests a draft for req. The provider call is not cancelled
// with ctx: a request abandoned by the user runs to completion (bounded by
// the configured timeout) and its result is discarded by the caller.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if req.Snapshot == nil {
		return nil, ErrNoSnapshot
	}
	log := trace.Logger(ctx)

	g := ground(req.Slots, req.Snapshot)
	system, prompt, err := buildPrompt(req, g, s.perDomain)
	if err != nil {
		return nil, err
	}
	call := llm.Request{System: system, Prompt: prompt, Schema: AutomationSchema, SchemaName: schemaName}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	res, err := retry.Value(ctx, s.policy, func(ctx context.Context) (*llm.Result, error) {
		return s.provider.Generate(ctx, call)
	})
	if err != nil {
		return nil, fmt.Errorf("synth: generate: %w", err)
	}

	draft, err := automation.Decode(res.Payload)
	if err != nil {
		return nil, fmt.Errorf("synth: %w", &llm.Error{
			Kind: llm.ErrMalformedOutput, Provider: s.provider.Name(),
			Detail: fmt.Sprintf("payload is not an automation: %.200s", res.Payload), Err: err,
		})
	}
	dropped, err := automation.CheckPayload(res.Payload)
	if err != nil {
		log.Warn("synth: payload check failed", "err", err)
	}
	normalize(draft)
	if req.Alias != "" {
		draft.Alias = req.Alias
	}
	if strings.TrimSpace(draft.Alias) == "" {
		draft.Alias = defaultAlias(req.Slots)
	}

	log.Debug("synth: draft",
		"domains", g.domains, "unresolved", g.unresolved,
		"triggers", len(draft.Triggers), "conditions", len(draft.Conditions), "actions", len(draft.Actions),
		"repair", len(req.Corrections) > 0, "dropped", len(dropped))
	return &Result{Draft: draft, Unresolved: g.unresolved, Dropped: dropped, Usage: res.Usage}, nil
}

// normalize rewrites literals into platform format in place. Values that do
// not parse are left as they are for the validator to report.
func normalize(d *automation.Draft) {
	fix := func(v string, f func(string) (string, error)) string {
		if v == "" {
			return v
		}
		if n, err := f(v); err == nil {
			return n
		}
		return v
	}

	for i, t := range d.Triggers {
		switch x := t.(type) {
		case automation.TimeTrigger:
			x.At = fix(x.At, NormalizeTime)
			d.Triggers[i] = x
		case automation.StateTrigger:
			x.For = fix(x.For, NormalizeDuration)
			d.Triggers[i] = x
		case automation.SunTrigger:
			x.Event = strings.ToLower(strings.TrimSpace(x.Event))
			x.Offset = fix(x.Offset, NormalizeOffset)
			d.Triggers[i] = x
		}
	}
	for i, c := range d.Conditions {
		switch x := c.(type) {
		case automation.TimeCondition:
			x.After = fix(x.After, NormalizeTime)
			x.Before = fix(x.Before, NormalizeTime)
			if len(x.Weekdays) > 0 {
				if days, err := NormalizeWeekdays(x.Weekdays); err == nil {
					x.Weekdays = days
				}
			}
			d.Conditions[i] = x
		case automation.SunCondition:
			x.After = strings.ToLower(strings.TrimSpace(x.After))
			x.Before = strings.ToLower(strings.TrimSpace(x.Before))
			d.Conditions[i] = x
		}
	}
	for i, a := range d.Actions {
		switch x := a.(type) {
		case automation.DelayAction:
			x.Duration = fix(x.Duration, NormalizeDuration)
			d.Actions[i] = x
		case automation.ServiceAction:
			x.Service = strings.ToLower(strings.TrimSpace(x.Service))
			d.Actions[i] = x
		}
	}
}

// defaultAlias names an automation after its action and target when the
// model gave none.
func defaultAlias(slots intent.Slots) string {
	action := slots[intent.SlotAction]
	if _, svc, ok := strings.Cut(action, "."); ok {
		action = svc
	}
	action = strings.ReplaceAll(action, "_", " ")
	parts := []string{action, slots[intent.SlotTarget]}
	switch {
	case slots[intent.SlotTime] != "":
		parts = append(parts, "at "+slots[intent.SlotTime])
	case slots[intent.SlotSunEvent] != "":
		parts = append(parts, "at "+slots[intent.SlotSunEvent])
	}
	alias := strings.TrimSpace(strings.Join(parts, " "))
	if alias == "" {
		return "Generated automation"
	}
	r, size := utf8.DecodeRuneInString(alias)
	return string(unicode.ToUpper(r)) + alias[size:]
}
