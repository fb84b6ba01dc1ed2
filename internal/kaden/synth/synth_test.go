package synth_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kaden/common/retry"
	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/intent"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
	"github.com/bdobrica/Kaden/internal/kaden/synth"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type stubProvider struct {
	payloads []string
	errs     []error
	requests []llm.Request
	// block, when set, is waited on before replying.
	block chan struct{}
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) ConvertSchema(sc *llm.Schema) (any, error) { return sc.JSONSchema(), nil }

func (s *stubProvider) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if s.block != nil {
		<-s.block
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	p := s.payloads[min(i, len(s.payloads)-1)]
	return &llm.Result{Payload: json.RawMessage(p), Raw: p, Usage: llm.Usage{TotalTokens: 42}}, nil
}

func home() *catalog.Snapshot {
	return catalog.NewSnapshot([]catalog.EntityRef{
		{ID: "light.kitchen", Name: "Kitchen Light", AreaID: "kitchen"},
		{ID: "light.bathroom", Name: "Bathroom Light"},
		{ID: "switch.kettle", Name: "Kettle"},
		{ID: "sensor.outside_temperature", Name: "Outside Temperature"},
		{ID: "media_player.tv", Name: "TV"},
	}, []catalog.Area{{ID: "kitchen", Name: "Kitchen"}}, time.Now())
}

func noWait() *retry.Policy {
	p := retry.Once(llm.IsTransient)
	p.Backoff = time.Millisecond
	return &p
}

const kitchenDraft = `{
  "alias": "Kitchen lights on weekday mornings",
  "triggers": [{"kind": "time", "at": "6 AM"}],
  "conditions": [{"kind": "time", "weekdays": ["weekdays"]}],
  "actions": [{"kind": "service", "service": "light.turn_on", "entity_ids": ["light.kitchen"]}]
}`

func kitchenSlots() intent.Slots {
	return intent.Slots{
		intent.SlotAction:      "light.turn_on",
		intent.SlotTarget:      "Kitchen Light",
		intent.SlotTriggerKind: "time",
		intent.SlotTime:        "6 AM",
		intent.SlotDays:        "every weekday",
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestSynthesize_KitchenWeekdays covers "Turn on kitchen lights at 6 AM every
// weekday": one time trigger at 06:00:00, one weekday condition mon-fri and
// one light.turn_on action on light.kitchen.
func TestSynthesize_KitchenWeekdays(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}}
	s := synth.New(p, synth.Options{Retry: noWait()})

	res, err := s.Synthesize(context.Background(), synth.Request{
		Slots: kitchenSlots(), Snapshot: home(), Utterance: "Turn on kitchen lights at 6 AM every weekday",
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	d := res.Draft
	if len(d.Triggers) != 1 || d.Triggers[0] != (automation.TimeTrigger{At: "06:00:00"}) {
		t.Errorf("triggers = %#v", d.Triggers)
	}
	if len(d.Conditions) != 1 {
		t.Fatalf("conditions = %#v", d.Conditions)
	}
	cond, ok := d.Conditions[0].(automation.TimeCondition)
	if !ok || !slices.Equal(cond.Weekdays, []string{"mon", "tue", "wed", "thu", "fri"}) {
		t.Errorf("condition = %#v", d.Conditions[0])
	}
	act, ok := d.Actions[0].(automation.ServiceAction)
	if len(d.Actions) != 1 || !ok || act.Service != "light.turn_on" || !slices.Equal(act.Entities, []string{"light.kitchen"}) {
		t.Errorf("actions = %#v", d.Actions)
	}
	if res.Usage.TotalTokens != 42 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestSynthesize_ReportsDroppedMembers(t *testing.T) {
	payload := `{"alias":"Hall","triggers":[{"kind":"state","entity_ids":["light.kitchen"],"to":"on","at":"6 AM"}],` +
		`"actions":[{"kind":"service","service":"switch.turn_on","entity_ids":["switch.kettle"]}]}`
	p := &stubProvider{payloads: []string{payload}}
	s := synth.New(p, synth.Options{Retry: noWait()})

	res, err := s.Synthesize(context.Background(), synth.Request{Slots: kitchenSlots(), Snapshot: home()})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dropped) != 1 || res.Dropped[0].Path != "triggers[0]" || !strings.Contains(res.Dropped[0].Message, "at") {
		t.Fatalf("dropped = %v", res.Dropped)
	}
	if _, ok := res.Draft.Triggers[0].(automation.StateTrigger); !ok {
		t.Errorf("trigger = %#v", res.Draft.Triggers[0])
	}
}

func TestSynthesize_CleanPayloadDropsNothing(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}}
	s := synth.New(p, synth.Options{Retry: noWait()})

	res, err := s.Synthesize(context.Background(), synth.Request{Slots: kitchenSlots(), Snapshot: home()})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dropped) != 0 {
		t.Errorf("dropped = %v", res.Dropped)
	}
}

func TestSynthesize_PromptGrounding(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}}
	s := synth.New(p, synth.Options{Retry: noWait()})

	slots := kitchenSlots()
	slots[intent.SlotTarget] = "Kitchen Light, Garden Lamp"
	if _, err := s.Synthesize(context.Background(), synth.Request{Slots: slots, Snapshot: home()}); err != nil {
		t.Fatal(err)
	}

	req := p.requests[0]
	if req.Schema != synth.AutomationSchema || req.SchemaName == "" {
		t.Error("request is not constrained by the automation schema")
	}
	// Only the light domain is listed.
	if !strings.Contains(req.System, "light.kitchen: Kitchen Light") {
		t.Errorf("system prompt misses the light entities:\n%s", req.System)
	}
	if strings.Contains(req.System, "switch.kettle") || strings.Contains(req.System, "media_player.tv") {
		t.Errorf("system prompt lists unrelated domains:\n%s", req.System)
	}
	// The unresolved name is exposed, not dropped.
	if !strings.Contains(req.Prompt, "UNRESOLVED NAMES:\n- Garden Lamp") {
		t.Errorf("prompt does not expose the unresolved name:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, `"Kitchen Light" is light.kitchen`) {
		t.Errorf("prompt does not show the resolved reference:\n%s", req.Prompt)
	}
	// Literal hints.
	if !strings.Contains(req.Prompt, "time: 6 AM (06:00:00)") {
		t.Errorf("prompt lacks the normalised time:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "days: every weekday (mon,tue,wed,thu,fri)") {
		t.Errorf("prompt lacks the normalised days:\n%s", req.Prompt)
	}
}

func TestSynthesize_UnknownDomainsListEverything(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}}
	s := synth.New(p, synth.Options{Retry: noWait()})
	slots := intent.Slots{intent.SlotAction: "do the thing", intent.SlotTarget: "stuff"}
	if _, err := s.Synthesize(context.Background(), synth.Request{Slots: slots, Snapshot: home()}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"light.kitchen", "switch.kettle", "media_player.tv"} {
		if !strings.Contains(p.requests[0].System, id) {
			t.Errorf("system prompt misses %s", id)
		}
	}
}

func TestSynthesize_Corrections(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}}
	s := synth.New(p, synth.Options{Retry: noWait()})
	prev := &automation.Draft{
		Alias:    "x",
		Triggers: []automation.Trigger{automation.TimeTrigger{At: "06:00:00"}},
		Actions:  []automation.Action{automation.ServiceAction{Service: "light.turn_on", Entities: []string{"light.nonexistent"}}},
	}
	_, err := s.Synthesize(context.Background(), synth.Request{
		Slots: kitchenSlots(), Snapshot: home(), Previous: prev,
		Corrections: []string{"actions[0].entity_ids[0]: light.nonexistent does not exist; candidates: light.kitchen"},
	})
	if err != nil {
		t.Fatal(err)
	}
	prompt := p.requests[0].Prompt
	for _, want := range []string{"light.nonexistent", "Fix every problem", "candidates: light.kitchen"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("repair prompt lacks %q:\n%s", want, prompt)
		}
	}
}

func TestSynthesize_AliasOverrideAndDefault(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}}
	s := synth.New(p, synth.Options{Retry: noWait()})
	res, err := s.Synthesize(context.Background(), synth.Request{Slots: kitchenSlots(), Snapshot: home(), Alias: "Morning kitchen"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Draft.Alias != "Morning kitchen" {
		t.Errorf("alias = %q", res.Draft.Alias)
	}

	noAlias := `{"alias": "", "triggers": [{"kind": "time", "at": "midnight"}],
		"actions": [{"kind": "service", "service": "light.turn_on", "entity_ids": ["light.bathroom"]}]}`
	p = &stubProvider{payloads: []string{noAlias}}
	s = synth.New(p, synth.Options{Retry: noWait()})
	slots := intent.Slots{intent.SlotAction: "light.turn_on", intent.SlotTarget: "bathroom light", intent.SlotTime: "midnight"}
	res, err = s.Synthesize(context.Background(), synth.Request{Slots: slots, Snapshot: home()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Draft.Alias != "Turn on bathroom light at midnight" {
		t.Errorf("default alias = %q", res.Draft.Alias)
	}
	if at := res.Draft.Triggers[0].(automation.TimeTrigger).At; at != "00:00:00" {
		t.Errorf("at = %q, want 00:00:00", at)
	}
}

func TestSynthesize_NormalisesEveryLiteral(t *testing.T) {
	payload := `{
	  "alias": "Evening",
	  "triggers": [
	    {"kind": "sun", "event": "Sunset", "offset": "30 minutes before"},
	    {"kind": "state", "entity_ids": ["light.kitchen"], "to": "on", "for": "5 minutes"}
	  ],
	  "conditions": [{"kind": "time", "after": "7 pm", "before": "23:00"}],
	  "actions": [
	    {"kind": "service", "service": "Light.Turn_On", "entity_ids": ["light.bathroom"]},
	    {"kind": "delay", "duration": "90s"}
	  ]
	}`
	p := &stubProvider{payloads: []string{payload}}
	res, err := synth.New(p, synth.Options{Retry: noWait()}).Synthesize(context.Background(),
		synth.Request{Slots: kitchenSlots(), Snapshot: home()})
	if err != nil {
		t.Fatal(err)
	}
	d := res.Draft
	if got := d.Triggers[0].(automation.SunTrigger); got != (automation.SunTrigger{Event: "sunset", Offset: "-00:30:00"}) {
		t.Errorf("sun trigger = %#v", got)
	}
	if got := d.Triggers[1].(automation.StateTrigger).For; got != "00:05:00" {
		t.Errorf("for = %q", got)
	}
	if got := d.Conditions[0].(automation.TimeCondition); got.After != "19:00:00" || got.Before != "23:00:00" {
		t.Errorf("time condition = %#v", got)
	}
	if got := d.Actions[0].(automation.ServiceAction).Service; got != "light.turn_on" {
		t.Errorf("service = %q", got)
	}
	if got := d.Actions[1].(automation.DelayAction).Duration; got != "00:01:30" {
		t.Errorf("delay = %q", got)
	}
}

func TestSynthesize_UnparseableLiteralKept(t *testing.T) {
	payload := `{"alias": "a", "triggers": [{"kind": "time", "at": "teatime"}],
		"actions": [{"kind": "service", "service": "light.turn_on", "entity_ids": ["light.kitchen"]}]}`
	p := &stubProvider{payloads: []string{payload}}
	res, err := synth.New(p, synth.Options{Retry: noWait()}).Synthesize(context.Background(),
		synth.Request{Slots: kitchenSlots(), Snapshot: home()})
	if err != nil {
		t.Fatal(err)
	}
	if at := res.Draft.Triggers[0].(automation.TimeTrigger).At; at != "teatime" {
		t.Errorf("at = %q, want the raw value left for validation", at)
	}
}

func TestSynthesize_MalformedPayload(t *testing.T) {
	p := &stubProvider{payloads: []string{`{"alias": 7, "triggers": "soon"}`}}
	_, err := synth.New(p, synth.Options{Retry: noWait()}).Synthesize(context.Background(),
		synth.Request{Slots: kitchenSlots(), Snapshot: home()})
	if !errors.Is(err, llm.ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
	if len(p.requests) != 1 {
		t.Errorf("malformed output was retried: %d calls", len(p.requests))
	}
}

func TestSynthesize_RetriesTransientOnce(t *testing.T) {
	p := &stubProvider{
		payloads: []string{kitchenDraft},
		errs:     []error{&llm.Error{Kind: llm.ErrRateLimited, Provider: "stub"}, &llm.Error{Kind: llm.ErrRateLimited, Provider: "stub"}},
	}
	_, err := synth.New(p, synth.Options{Retry: noWait()}).Synthesize(context.Background(),
		synth.Request{Slots: kitchenSlots(), Snapshot: home()})
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if len(p.requests) != 2 {
		t.Errorf("calls = %d, want 2", len(p.requests))
	}
}

// TestSynthesize_OutlivesCallerCancellation verifies that cancelling the
// caller's context does not abort a provider call already issued.
func TestSynthesize_OutlivesCallerCancellation(t *testing.T) {
	p := &stubProvider{payloads: []string{kitchenDraft}, block: make(chan struct{})}
	s := synth.New(p, synth.Options{Retry: noWait(), Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Synthesize(ctx, synth.Request{Slots: kitchenSlots(), Snapshot: home()})
		done <- err
	}()
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(p.block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Synthesize did not return")
	}
}

func TestSynthesize_NoSnapshot(t *testing.T) {
	_, err := synth.New(&stubProvider{}, synth.Options{}).Synthesize(context.Background(), synth.Request{Slots: kitchenSlots()})
	if !errors.Is(err, synth.ErrNoSnapshot) {
		t.Fatalf("err = %v", err)
	}
}

func TestAutomationSchema_IsPortable(t *testing.T) {
	if err := synth.AutomationSchema.Check(); err != nil {
		t.Fatalf("AutomationSchema.Check: %v", err)
	}
}

// TestAutomationSchema_RoundTrip verifies that a payload shaped by the
// schema decodes into a draft and re-encodes to an equivalent payload.
func TestAutomationSchema_RoundTrip(t *testing.T) {
	payload := `{"alias":"A","triggers":[{"kind":"numeric_state","entity_ids":["sensor.outside_temperature"],"above":25.5}],` +
		`"conditions":[{"kind":"state","entity_ids":["media_player.tv"],"state":"off"}],` +
		`"actions":[{"kind":"service","service":"switch.turn_on","entity_ids":["switch.kettle"],"data":[{"key":"x","value":"1"}]},{"kind":"delay","duration":"00:00:10"}]}`
	d, err := automation.Decode([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	out, err := automation.Encode(d)
	if err != nil {
		t.Fatal(err)
	}
	var a, b any
	_ = json.Unmarshal([]byte(payload), &a)
	_ = json.Unmarshal(out, &b)
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	if string(ra) != string(rb) {
		t.Errorf("round trip changed the payload:\n in: %s\nout: %s", ra, rb)
	}
}
