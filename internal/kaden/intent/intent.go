// Package intent classifies a user utterance and extracts the slots needed
// to synthesize an automation.
//
// Obvious requests ("list entities", "help", "cancel") are recognised by a
// keyword heuristic without calling a model. Everything else is sent to the
// configured provider under IntentSchema together with the slots gathered so
// far and a digest of the entity catalog. Follow-up questions for missing
// slots come from fixed templates, never from the model, so clarification
// turns read the same every time.
package intent

import (
	"maps"
	"strings"
	"unicode"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

// Kind is the classified purpose of an utterance.
type Kind string

const (
	CreateAutomation   Kind = "create_automation"
	ListEntities       Kind = "list_entities"
	Help               Kind = "help"
	NeedsClarification Kind = "needs_clarification"
	// Cancel abandons the clarification in progress.
	Cancel Kind = "cancel"
)

// Slot names. The order of SlotOrder is the order follow-up questions are
// asked in.
const (
	SlotAction        = "action"
	SlotTarget        = "target"
	SlotTriggerKind   = "trigger_kind"
	SlotTime          = "time"
	SlotTriggerEntity = "trigger_entity"
	SlotTriggerState  = "trigger_state"
	SlotSunEvent      = "sun_event"
	SlotOffset        = "offset"
	SlotAbove         = "above"
	SlotBelow         = "below"
	SlotDays          = "days"
	SlotCondition     = "condition"

	// SlotThreshold is never filled; it is reported missing when a
	// numeric_state trigger has neither SlotAbove nor SlotBelow.
	SlotThreshold = "threshold"
)

var SlotOrder = []string{
	SlotAction, SlotTarget, SlotTriggerKind, SlotTime, SlotTriggerEntity,
	SlotTriggerState, SlotSunEvent, SlotOffset, SlotThreshold, SlotAbove,
	SlotBelow, SlotDays, SlotCondition,
}

// Trigger kinds accepted in SlotTriggerKind.
var TriggerKinds = []string{"time", "state", "sun", "numeric_state"}

// Slots maps slot names to values.
type Slots map[string]string

func (s Slots) Clone() Slots { return maps.Clone(s) }

// Merge returns s updated with every non-empty value of updates. A slot is
// only ever replaced by a new value, never dropped.
func (s Slots) Merge(updates Slots) Slots {
	out := make(Slots, len(s)+len(updates))
	maps.Copy(out, s)
	for k, v := range updates {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}

// Names returns the filled slot names in SlotOrder.
func (s Slots) Names() []string {
	var out []string
	for _, n := range SlotOrder {
		if s[n] != "" {
			out = append(out, n)
		}
	}
	return out
}

// Targets splits SlotTarget into the individual entity names or ids.
func (s Slots) Targets() []string {
	return splitList(s[SlotTarget])
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Missing lists the slots still required before synthesis can start.
func (s Slots) Missing() []string {
	var out []string
	for _, n := range required(s) {
		if s[n] == "" {
			out = append(out, n)
		}
	}
	return out
}

func required(s Slots) []string {
	req := []string{SlotAction, SlotTarget, SlotTriggerKind}
	switch s[SlotTriggerKind] {
	case "time":
		req = append(req, SlotTime)
	case "state":
		req = append(req, SlotTriggerEntity)
	case "sun":
		req = append(req, SlotSunEvent)
	case "numeric_state":
		req = append(req, SlotTriggerEntity)
		if s[SlotAbove] == "" && s[SlotBelow] == "" {
			req = append(req, SlotThreshold)
		}
	}
	return req
}

// Utterance is one line of user input.
type Utterance struct {
	Text string
	// Locale is a language tag such as "en" or "he"; empty means detect.
	Locale string
}

// Language returns the base language of the utterance, detecting Hebrew
// script when no locale was given.
func (u Utterance) Language() string {
	if u.Locale != "" {
		lang, _, _ := strings.Cut(strings.ToLower(u.Locale), "-")
		lang, _, _ = strings.Cut(lang, "_")
		return lang
	}
	for _, r := range u.Text {
		if unicode.Is(unicode.Hebrew, r) {
			return "he"
		}
	}
	return "en"
}

// Ambiguity records a slot value that names several entities.
type Ambiguity struct {
	Slot       string
	Query      string
	Candidates []catalog.EntityRef
}

// Intent is the result of analysing one utterance.
type Intent struct {
	Kind Kind
	// Slots holds the values extracted from this utterance only; the
	// caller merges them into the session.
	Slots Slots
	// Missing and Question are set for NeedsClarification.
	Missing  []string
	Question string
	// Ambiguity is set when the clarification is a choice between entities.
	Ambiguity *Ambiguity
	// Shortcut is true when no model was consulted.
	Shortcut bool
	Usage    llm.Usage
}
