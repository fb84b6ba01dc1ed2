package intent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kaden/common/retry"
	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

// Options tune an Analyzer. Zero values select defaults.
type Options struct {
	// Retry wraps each provider call. The default retries once on rate
	// limits and timeouts.
	Retry *retry.Policy
	// Timeout bounds one provider call, retries included.
	Timeout time.Duration
	// Suggestions caps the entities offered with a target question.
	Suggestions int
}

// Analyzer classifies utterances.
type Analyzer struct {
	provider llm.Provider
	policy   retry.Policy
	timeout  time.Duration
	suggest  int
}

func NewAnalyzer(p llm.Provider, opts Options) *Analyzer {
	a := &Analyzer{provider: p, policy: retry.Once(llm.IsTransient), timeout: opts.Timeout, suggest: opts.Suggestions}
	if opts.Retry != nil {
		a.policy = *opts.Retry
	}
	if a.suggest <= 0 {
		a.suggest = 5
	}
	return a
}

// Input is what the analyzer knows about a turn.
type Input struct {
	Utterance Utterance
	// Known are the slots accumulated by earlier turns of the session.
	Known Slots
	// Pending is the entity choice the previous turn asked for, if any.
	Pending *Ambiguity
	// InProgress is set when the session is past Idle, even before any slot
	// has been filled.
	InProgress bool
}

func (in Input) inProgress() bool { return in.InProgress || len(in.Known) > 0 || in.Pending != nil }

// NeedsModel reports whether Analyze will call the provider for in. It lets
// callers charge rate limits only for model-backed turns.
func NeedsModel(in Input, snap *catalog.Snapshot) bool {
	if _, ok := Shortcut(in.Utterance, in.inProgress()); ok {
		return false
	}
	if in.Pending != nil {
		if _, ok := pick(in.Pending, in.Utterance.Text, snap); ok {
			return false
		}
	}
	return true
}

// Analyze classifies the utterance. Slots the session already holds are
// never asked for again; new values in the result override them.
func (a *Analyzer) Analyze(ctx context.Context, in Input, snap *catalog.Snapshot) (*Intent, error) {
	log := trace.Logger(ctx)
	lang := in.Utterance.Language()

	if kind, ok := Shortcut(in.Utterance, in.inProgress()); ok {
		log.Debug("intent: keyword shortcut", "kind", kind)
		return &Intent{Kind: kind, Shortcut: true}, nil
	}

	if in.Pending != nil {
		if id, ok := pick(in.Pending, in.Utterance.Text, snap); ok {
			updates := Slots{in.Pending.Slot: replacePart(in.Known[in.Pending.Slot], in.Pending.Query, id)}
			out, err := a.complete(lang, in.Known, updates, nil, snap)
			if err != nil {
				return nil, err
			}
			out.Shortcut = true
			log.Debug("intent: ambiguity resolved locally", "slot", in.Pending.Slot, "entity", id)
			return out, nil
		}
	}

	system, prompt, err := buildPrompt(in.Utterance, in.Known, snap)
	if err != nil {
		return nil, err
	}
	req := llm.Request{System: system, Prompt: prompt, Schema: IntentSchema, SchemaName: schemaName}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	res, err := retry.Value(ctx, a.policy, func(ctx context.Context) (*llm.Result, error) {
		return a.provider.Generate(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("intent: analyze: %w", err)
	}

	var r reply
	if err := res.Decode(a.provider.Name(), &r); err != nil {
		return nil, fmt.Errorf("intent: analyze: %w", err)
	}

	var out *Intent
	switch r.IntentKind {
	case modelList:
		out = &Intent{Kind: ListEntities}
	case modelHelp:
		out = &Intent{Kind: Help}
	case modelCreate, modelContinue:
		out, err = a.complete(lang, in.Known, r.slots(), r.Missing, snap)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("intent: analyze: %w", &llm.Error{
			Kind: llm.ErrMalformedOutput, Provider: a.provider.Name(),
			Detail: fmt.Sprintf("unknown intent_kind %q", r.IntentKind),
		})
	}
	out.Usage = res.Usage
	log.Debug("intent: classified", "kind", out.Kind, "slots", out.Slots.Names(), "missing", out.Missing)
	return out, nil
}

// complete merges updates into known, then decides between asking for more
// and creating the automation.
func (a *Analyzer) complete(lang string, known, updates Slots, modelMissing []string, snap *catalog.Snapshot) (*Intent, error) {
	updates = sanitize(updates)
	merged := known.Merge(updates)
	out := &Intent{Slots: updates}

	missing := merged.Missing()
	for _, n := range modelMissing {
		if merged[n] == "" && askable(n) && !slices.Contains(missing, n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		out.Kind = NeedsClarification
		out.Missing = inOrder(missing)
		var suggestions []catalog.EntityRef
		if slices.Contains(out.Missing, SlotTarget) {
			if d := automation.Domain(merged[SlotAction]); d != "" {
				suggestions = snap.InDomains(d)
				if len(suggestions) > a.suggest {
					suggestions = suggestions[:a.suggest]
				}
			}
		}
		q, err := Question(lang, out.Missing, merged, suggestions, snap)
		if err != nil {
			return nil, err
		}
		out.Question = q
		return out, nil
	}

	if amb := ambiguity(merged, snap); amb != nil {
		q, err := AmbiguityQuestion(lang, amb, snap)
		if err != nil {
			return nil, err
		}
		out.Kind = NeedsClarification
		out.Missing = []string{amb.Slot}
		out.Ambiguity = amb
		out.Question = q
		return out, nil
	}

	out.Kind = CreateAutomation
	return out, nil
}

// ambiguity returns the first entity slot value naming several entities.
func ambiguity(s Slots, snap *catalog.Snapshot) *Ambiguity {
	check := func(slot string, parts []string) *Ambiguity {
		for _, q := range parts {
			_, err := snap.Resolve(q)
			var amb *catalog.AmbiguousError
			if errors.As(err, &amb) {
				return &Ambiguity{Slot: slot, Query: q, Candidates: amb.Candidates}
			}
		}
		return nil
	}
	if a := check(SlotTarget, s.Targets()); a != nil {
		return a
	}
	return check(SlotTriggerEntity, splitList(s[SlotTriggerEntity]))
}

// pick matches a reply to a disambiguation question: a list number, one of
// the candidate ids, or the area of exactly one candidate.
func pick(p *Ambiguity, text string, snap *catalog.Snapshot) (string, bool) {
	t := strings.TrimPrefix(normalize(text), "#")
	if n, err := strconv.Atoi(t); err == nil {
		if n >= 1 && n <= len(p.Candidates) {
			return p.Candidates[n-1].ID, true
		}
		return "", false
	}
	for _, c := range p.Candidates {
		if strings.EqualFold(t, c.ID) {
			return c.ID, true
		}
	}
	var byArea []string
	for _, c := range p.Candidates {
		if c.AreaID == "" || snap == nil {
			continue
		}
		if area := strings.ToLower(snap.AreaName(c.AreaID)); area != "" && strings.Contains(t, area) {
			byArea = append(byArea, c.ID)
		}
	}
	if len(byArea) == 1 {
		return byArea[0], true
	}
	return "", false
}

// replacePart swaps query for id inside a comma separated slot value.
func replacePart(value, query, id string) string {
	parts := splitList(value)
	if len(parts) == 0 {
		return id
	}
	for i, p := range parts {
		if p == query {
			parts[i] = id
		}
	}
	return strings.Join(parts, ", ")
}

// sanitize drops unknown slot names and out-of-range enum values.
func sanitize(s Slots) Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		v = strings.TrimSpace(v)
		if v == "" || !slices.Contains(SlotOrder, k) || k == SlotThreshold {
			continue
		}
		switch k {
		case SlotTriggerKind:
			v = strings.ToLower(v)
			if !slices.Contains(TriggerKinds, v) {
				continue
			}
		case SlotSunEvent:
			v = strings.ToLower(v)
			if v != "sunrise" && v != "sunset" {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// askable reports whether a follow-up question exists for the slot.
func askable(slot string) bool {
	_, ok := questionTemplates["en"][slot]
	return ok
}

func inOrder(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range SlotOrder {
		if slices.Contains(names, n) {
			out = append(out, n)
		}
	}
	return out
}
