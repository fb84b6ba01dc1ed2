package intent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kaden/common/retry"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/intent"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// stubProvider replays payloads (or errors) in order and records requests.
type stubProvider struct {
	payloads []string
	errs     []error
	requests []llm.Request
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) ConvertSchema(sc *llm.Schema) (any, error) { return sc.JSONSchema(), nil }

func (s *stubProvider) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	p := s.payloads[min(i, len(s.payloads)-1)]
	return &llm.Result{Payload: json.RawMessage(p), Raw: p}, nil
}

func payload(kind string, slots map[string]any, missing ...string) string {
	if missing == nil {
		missing = []string{}
	}
	raw, _ := json.Marshal(map[string]any{"intent_kind": kind, "slots": slots, "missing_slot_names": missing})
	return string(raw)
}

func home() *catalog.Snapshot {
	return catalog.NewSnapshot([]catalog.EntityRef{
		{ID: "light.kitchen", Name: "Kitchen Light", AreaID: "kitchen"},
		{ID: "light.hall_1", Name: "Light", AreaID: "hall"},
		{ID: "light.bedroom_1", Name: "Light", AreaID: "bedroom"},
		{ID: "binary_sensor.door", Name: "Front Door"},
	}, []catalog.Area{{ID: "kitchen", Name: "Kitchen"}, {ID: "hall", Name: "Hall"}, {ID: "bedroom", Name: "Bedroom"}}, time.Now())
}

func noWait() *retry.Policy {
	p := retry.Once(llm.IsTransient)
	p.Backoff = time.Millisecond
	return &p
}

func analyze(t *testing.T, p llm.Provider, in intent.Input) *intent.Intent {
	t.Helper()
	a := intent.NewAnalyzer(p, intent.Options{Retry: noWait()})
	out, err := a.Analyze(context.Background(), in, home())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Keyword shortcut
// ---------------------------------------------------------------------------

func TestShortcut(t *testing.T) {
	cases := []struct {
		text       string
		inProgress bool
		want       intent.Kind
		ok         bool
	}{
		{"list entities", false, intent.ListEntities, true},
		{"Show me my devices", false, intent.ListEntities, true},
		{"רשימת מכשירים", false, intent.ListEntities, true},
		{"help", false, intent.Help, true},
		{"What can you do?", false, intent.Help, true},
		{"", false, intent.Help, true},
		{"cancel", true, intent.Cancel, true},
		{"Never mind!", true, intent.Cancel, true},
		{"cancel", false, "", false},
		{"create a list of lights that turn on at 7", false, "", false},
		{"turn on the kitchen light at midnight", false, "", false},
		{"devices", true, "", false},
	}
	for _, tc := range cases {
		got, ok := intent.Shortcut(intent.Utterance{Text: tc.text}, tc.inProgress)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Shortcut(%q, %v) = %q, %v; want %q, %v", tc.text, tc.inProgress, got, ok, tc.want, tc.ok)
		}
	}
}

// TestAnalyze_ShortcutSkipsModel verifies that keyword matches never reach
// the provider.
func TestAnalyze_ShortcutSkipsModel(t *testing.T) {
	stub := &stubProvider{}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "list entities"}})
	if out.Kind != intent.ListEntities || !out.Shortcut {
		t.Errorf("got %+v, want shortcut ListEntities", out)
	}
	if len(stub.requests) != 0 {
		t.Errorf("provider called %d times, want 0", len(stub.requests))
	}
}

func TestAnalyze_CancelWithoutSlotsWhenInProgress(t *testing.T) {
	stub := &stubProvider{}
	in := intent.Input{Utterance: intent.Utterance{Text: "cancel"}, InProgress: true}
	if intent.NeedsModel(in, home()) {
		t.Error("NeedsModel = true for cancel in a session past idle")
	}
	out := analyze(t, stub, in)
	if out.Kind != intent.Cancel || !out.Shortcut {
		t.Errorf("got %+v, want shortcut Cancel", out)
	}
	if len(stub.requests) != 0 {
		t.Errorf("provider called %d times, want 0", len(stub.requests))
	}
}

// ---------------------------------------------------------------------------
// Model-backed classification
// ---------------------------------------------------------------------------

func TestAnalyze_CreateWithAllSlots(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("create_automation", map[string]any{
		"action": "light.turn_on", "target": "light.kitchen", "trigger_kind": "time", "time": "6 AM", "days": "weekdays",
	})}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "Turn on kitchen lights at 6 AM every weekday"}})

	if out.Kind != intent.CreateAutomation {
		t.Fatalf("kind = %q, want create (question %q)", out.Kind, out.Question)
	}
	if out.Slots[intent.SlotTime] != "6 AM" || out.Slots[intent.SlotDays] != "weekdays" {
		t.Errorf("slots = %v", out.Slots)
	}

	req := stub.requests[0]
	if req.Schema != intent.IntentSchema || req.SchemaName == "" {
		t.Error("request must carry the intent schema")
	}
	if !strings.Contains(req.System, "light.kitchen: Kitchen Light") {
		t.Errorf("system prompt lacks the catalog digest:\n%s", req.System)
	}
}

func TestAnalyze_MissingSlotsAskTemplatedQuestion(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("create_automation", map[string]any{
		"action": "light.turn_on", "target": "light.kitchen",
	}, "trigger_kind")}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "make the kitchen light turn on"}})

	if out.Kind != intent.NeedsClarification {
		t.Fatalf("kind = %q, want needs_clarification", out.Kind)
	}
	if len(out.Missing) != 1 || out.Missing[0] != intent.SlotTriggerKind {
		t.Errorf("missing = %v, want [trigger_kind]", out.Missing)
	}
	if !strings.HasPrefix(out.Question, "What should start the automation") {
		t.Errorf("question = %q", out.Question)
	}
}

// TestAnalyze_KnownSlotsNotReasked verifies that a slot the session already
// holds is dropped from missing_slot_names even when the model lists it.
func TestAnalyze_KnownSlotsNotReasked(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("continue_clarification", map[string]any{
		"trigger_kind": "time", "time": "midnight",
	}, "action", "target")}}
	known := intent.Slots{intent.SlotAction: "light.turn_on", intent.SlotTarget: "light.kitchen"}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "at midnight"}, Known: known})

	if out.Kind != intent.CreateAutomation {
		t.Fatalf("kind = %q missing %v, want create", out.Kind, out.Missing)
	}
	if _, ok := out.Slots[intent.SlotAction]; ok {
		t.Error("result slots should only hold this turn's values")
	}
	if !strings.Contains(stub.requests[0].Prompt, `"action":"light.turn_on"`) {
		t.Errorf("prompt should carry the known slots:\n%s", stub.requests[0].Prompt)
	}
}

func TestAnalyze_TargetQuestionSuggestsDomainEntities(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("create_automation", map[string]any{
		"action": "light.turn_on", "trigger_kind": "sun", "sun_event": "Sunset",
	})}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "turn on a light at sunset"}})

	if out.Kind != intent.NeedsClarification || out.Missing[0] != intent.SlotTarget {
		t.Fatalf("got %+v", out)
	}
	if !strings.Contains(out.Question, "Kitchen Light (light.kitchen)") {
		t.Errorf("question should suggest lights: %q", out.Question)
	}
	if out.Slots[intent.SlotSunEvent] != "sunset" {
		t.Errorf("sun_event = %q, want lower-cased sunset", out.Slots[intent.SlotSunEvent])
	}
}

func TestAnalyze_HebrewQuestion(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("create_automation", map[string]any{
		"action": "light.turn_on", "target": "light.kitchen", "trigger_kind": "time",
	})}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "תדליק את האור במטבח"}})
	if out.Question != "באיזו שעה להפעיל?" {
		t.Errorf("question = %q", out.Question)
	}
}

func TestAnalyze_NumericThresholdAsked(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("create_automation", map[string]any{
		"action": "light.turn_on", "target": "light.kitchen", "trigger_kind": "numeric_state", "trigger_entity": "sensor.lux",
	})}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "turn on the kitchen light when it gets dark"}})
	if len(out.Missing) != 1 || out.Missing[0] != intent.SlotThreshold {
		t.Fatalf("missing = %v, want [threshold]", out.Missing)
	}
	if !strings.Contains(out.Question, "sensor.lux") {
		t.Errorf("question = %q", out.Question)
	}
}

func TestAnalyze_NumericSlotValues(t *testing.T) {
	stub := &stubProvider{payloads: []string{`{"intent_kind":"create_automation","slots":{"action":"light.turn_on","target":"light.kitchen","trigger_kind":"numeric_state","trigger_entity":"sensor.lux","below":20},"missing_slot_names":[]}`}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "lights on when lux below 20"}})
	if out.Kind != intent.CreateAutomation || out.Slots[intent.SlotBelow] != "20" {
		t.Errorf("got %+v", out)
	}
}

func TestAnalyze_ListAndHelpFromModel(t *testing.T) {
	for kind, want := range map[string]intent.Kind{"list_entities": intent.ListEntities, "help": intent.Help} {
		stub := &stubProvider{payloads: []string{payload(kind, map[string]any{})}}
		out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "hi there, which lamps do I have"}})
		if out.Kind != want || out.Shortcut {
			t.Errorf("%s: got %+v", kind, out)
		}
	}
}

// ---------------------------------------------------------------------------
// Ambiguity
// ---------------------------------------------------------------------------

func TestAnalyze_AmbiguousTargetAsksForChoice(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("create_automation", map[string]any{
		"action": "light.turn_on", "target": "Light", "trigger_kind": "time", "time": "7 AM",
	})}}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "turn on Light at 7 AM"}})

	if out.Kind != intent.NeedsClarification || out.Ambiguity == nil {
		t.Fatalf("got %+v, want an ambiguity clarification", out)
	}
	if len(out.Ambiguity.Candidates) != 2 {
		t.Errorf("candidates = %v", out.Ambiguity.Candidates)
	}
	for _, want := range []string{"1. Light (light.bedroom_1), Bedroom", "2. Light (light.hall_1), Hall"} {
		if !strings.Contains(out.Question, want) {
			t.Errorf("question %q lacks %q", out.Question, want)
		}
	}
}

// TestAnalyze_PendingChoiceResolvedLocally verifies that answering a
// disambiguation question by number, id or area does not call the model.
func TestAnalyze_PendingChoiceResolvedLocally(t *testing.T) {
	snap := home()
	_, err := snap.Resolve("Light")
	var amb *catalog.AmbiguousError
	if !errors.As(err, &amb) {
		t.Fatalf("fixture should be ambiguous: %v", err)
	}
	known := intent.Slots{
		intent.SlotAction: "light.turn_on", intent.SlotTarget: "light.kitchen, Light",
		intent.SlotTriggerKind: "time", intent.SlotTime: "7 AM",
	}
	pending := &intent.Ambiguity{Slot: intent.SlotTarget, Query: "Light", Candidates: amb.Candidates}

	for _, answer := range []string{"2", "light.hall_1", "the one in the hall"} {
		stub := &stubProvider{}
		out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: answer}, Known: known, Pending: pending})
		if len(stub.requests) != 0 {
			t.Errorf("%q: provider called", answer)
		}
		if out.Kind != intent.CreateAutomation {
			t.Errorf("%q: kind = %q", answer, out.Kind)
		}
		if got := out.Slots[intent.SlotTarget]; got != "light.kitchen, light.hall_1" {
			t.Errorf("%q: target = %q", answer, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Errors and retry
// ---------------------------------------------------------------------------

func TestAnalyze_RetriesTransientOnce(t *testing.T) {
	stub := &stubProvider{
		errs:     []error{&llm.Error{Kind: llm.ErrRateLimited, Provider: "stub"}},
		payloads: []string{payload("help", map[string]any{})},
	}
	out := analyze(t, stub, intent.Input{Utterance: intent.Utterance{Text: "hello there"}})
	if out.Kind != intent.Help || len(stub.requests) != 2 {
		t.Errorf("kind %q after %d calls, want help after 2", out.Kind, len(stub.requests))
	}
}

func TestAnalyze_DoesNotRetryAuth(t *testing.T) {
	stub := &stubProvider{errs: []error{&llm.Error{Kind: llm.ErrAuth, Provider: "stub"}}}
	a := intent.NewAnalyzer(stub, intent.Options{Retry: noWait()})
	_, err := a.Analyze(context.Background(), intent.Input{Utterance: intent.Utterance{Text: "hello there"}}, home())
	if !errors.Is(err, llm.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if len(stub.requests) != 1 {
		t.Errorf("calls = %d, want 1", len(stub.requests))
	}
}

func TestAnalyze_UnknownKindIsMalformed(t *testing.T) {
	stub := &stubProvider{payloads: []string{payload("dance", map[string]any{})}}
	a := intent.NewAnalyzer(stub, intent.Options{Retry: noWait()})
	_, err := a.Analyze(context.Background(), intent.Input{Utterance: intent.Utterance{Text: "hello there"}}, home())
	if !errors.Is(err, llm.ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
}

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

// TestSlots_MergeIsMonotonic verifies that merging never drops a slot and
// that the latest non-empty value wins.
func TestSlots_MergeIsMonotonic(t *testing.T) {
	s := intent.Slots{intent.SlotAction: "light.turn_on", intent.SlotTime: "7 AM"}
	turns := []intent.Slots{
		{intent.SlotTarget: "light.kitchen"},
		{intent.SlotTime: "", intent.SlotAction: "  "},
		{intent.SlotTime: "8 AM"},
	}
	for _, u := range turns {
		next := s.Merge(u)
		for k := range s {
			if next[k] == "" {
				t.Fatalf("slot %q lost after merging %v", k, u)
			}
		}
		s = next
	}
	if s[intent.SlotTime] != "8 AM" || s[intent.SlotAction] != "light.turn_on" || s[intent.SlotTarget] != "light.kitchen" {
		t.Errorf("slots = %v", s)
	}
}

func TestSlots_Missing(t *testing.T) {
	cases := []struct {
		slots intent.Slots
		want  []string
	}{
		{intent.Slots{}, []string{"action", "target", "trigger_kind"}},
		{intent.Slots{"action": "x", "target": "y", "trigger_kind": "time"}, []string{"time"}},
		{intent.Slots{"action": "x", "target": "y", "trigger_kind": "sun"}, []string{"sun_event"}},
		{intent.Slots{"action": "x", "target": "y", "trigger_kind": "numeric_state", "trigger_entity": "s", "above": "3"}, nil},
	}
	for _, tc := range cases {
		got := tc.slots.Missing()
		if strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Errorf("Missing(%v) = %v, want %v", tc.slots, got, tc.want)
		}
	}
}

func TestUtterance_Language(t *testing.T) {
	if got := (intent.Utterance{Text: "hello"}).Language(); got != "en" {
		t.Errorf("got %q", got)
	}
	if got := (intent.Utterance{Text: "שלום"}).Language(); got != "he" {
		t.Errorf("got %q", got)
	}
	if got := (intent.Utterance{Text: "hello", Locale: "he-IL"}).Language(); got != "he" {
		t.Errorf("got %q", got)
	}
}

func TestIntentSchema_IsPortable(t *testing.T) {
	if err := intent.IntentSchema.Check(); err != nil {
		t.Fatalf("IntentSchema: %v", err)
	}
}
