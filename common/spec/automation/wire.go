package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// wireDraft is the JSON shape requested from language models.
type wireDraft struct {
	Alias       string     `json:"alias"`
	Description string     `json:"description,omitempty"`
	Triggers    []wireItem `json:"triggers"`
	Conditions  []wireItem `json:"conditions,omitempty"`
	Actions     []wireItem `json:"actions"`
}

// wireItem is the union of all variant fields; Kind selects which apply.
type wireItem struct {
	Kind      string      `json:"kind"`
	At        string      `json:"at,omitempty"`
	EntityIDs []string    `json:"entity_ids,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	For       string      `json:"for,omitempty"`
	Event     string      `json:"event,omitempty"`
	Offset    string      `json:"offset,omitempty"`
	Above     *float64    `json:"above,omitempty"`
	Below     *float64    `json:"below,omitempty"`
	After     string      `json:"after,omitempty"`
	Before    string      `json:"before,omitempty"`
	Weekdays  []string    `json:"weekdays,omitempty"`
	State     string      `json:"state,omitempty"`
	Service   string      `json:"service,omitempty"`
	Data      []wireField `json:"data,omitempty"`
	Duration  string      `json:"duration,omitempty"`
}

type wireField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Decode parses a wire payload. Unrecognised kind tags become Unknown
// variants rather than errors; structural problems are the validator's job.
func Decode(data []byte) (*Draft, error) {
	var w wireDraft
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("automation: decode: %w", err)
	}
	return fromWire(w)
}

// Encode renders the draft in wire form.
func Encode(d *Draft) ([]byte, error) {
	return json.Marshal(toWire(d))
}

// Document returns the wire form as generic JSON values, the input expected
// by JSON Schema validation.
func Document(d *Draft) (any, error) {
	raw, err := Encode(d)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromWire(w wireDraft) (*Draft, error) {
	d := &Draft{Alias: w.Alias, Description: w.Description}
	for _, it := range w.Triggers {
		d.Triggers = append(d.Triggers, decodeTrigger(it))
	}
	for _, it := range w.Conditions {
		d.Conditions = append(d.Conditions, decodeCondition(it))
	}
	for _, it := range w.Actions {
		d.Actions = append(d.Actions, decodeAction(it))
	}
	return d, nil
}

func decodeTrigger(it wireItem) Trigger {
	switch Kind(it.Kind) {
	case KindTime:
		return TimeTrigger{At: it.At}
	case KindState:
		return StateTrigger{Entities: it.EntityIDs, From: it.From, To: it.To, For: it.For}
	case KindSun:
		return SunTrigger{Event: it.Event, Offset: it.Offset}
	case KindNumericState:
		return NumericStateTrigger{Entities: it.EntityIDs, Above: it.Above, Below: it.Below}
	}
	return Unknown{Tag: it.Kind, raw: it}
}

func decodeCondition(it wireItem) Condition {
	switch Kind(it.Kind) {
	case KindTime:
		return TimeCondition{After: it.After, Before: it.Before, Weekdays: it.Weekdays}
	case KindState:
		return StateCondition{Entities: it.EntityIDs, State: it.State}
	case KindSun:
		return SunCondition{After: it.After, Before: it.Before}
	case KindNumericState:
		return NumericStateCondition{Entities: it.EntityIDs, Above: it.Above, Below: it.Below}
	}
	return Unknown{Tag: it.Kind, raw: it}
}

func decodeAction(it wireItem) Action {
	switch Kind(it.Kind) {
	case KindService:
		a := ServiceAction{Service: it.Service, Entities: it.EntityIDs}
		for _, f := range it.Data {
			a.Data = append(a.Data, Field(f))
		}
		return a
	case KindDelay:
		return DelayAction{Duration: it.Duration}
	}
	return Unknown{Tag: it.Kind, raw: it}
}

func toWire(d *Draft) wireDraft {
	w := wireDraft{Alias: d.Alias, Description: d.Description, Triggers: []wireItem{}, Actions: []wireItem{}}
	for _, t := range d.Triggers {
		w.Triggers = append(w.Triggers, encodeVariant(t))
	}
	for _, c := range d.Conditions {
		w.Conditions = append(w.Conditions, encodeVariant(c))
	}
	for _, a := range d.Actions {
		w.Actions = append(w.Actions, encodeVariant(a))
	}
	return w
}

func encodeVariant(v interface{ Kind() Kind }) wireItem {
	it := wireItem{Kind: string(v.Kind())}
	switch x := v.(type) {
	case TimeTrigger:
		it.At = x.At
	case StateTrigger:
		it.EntityIDs, it.From, it.To, it.For = x.Entities, x.From, x.To, x.For
	case SunTrigger:
		it.Event, it.Offset = x.Event, x.Offset
	case NumericStateTrigger:
		it.EntityIDs, it.Above, it.Below = x.Entities, x.Above, x.Below
	case TimeCondition:
		it.After, it.Before, it.Weekdays = x.After, x.Before, x.Weekdays
	case StateCondition:
		it.EntityIDs, it.State = x.Entities, x.State
	case SunCondition:
		it.After, it.Before = x.After, x.Before
	case NumericStateCondition:
		it.EntityIDs, it.Above, it.Below = x.Entities, x.Above, x.Below
	case ServiceAction:
		it.Service, it.EntityIDs = x.Service, x.Entities
		for _, f := range x.Data {
			it.Data = append(it.Data, wireField(f))
		}
	case DelayAction:
		it.Duration = x.Duration
	case Unknown:
		it = x.raw
		it.Kind = x.Tag
	}
	return it
}

func (w wireDraft) clone() wireDraft {
	c := w
	c.Triggers = cloneItems(w.Triggers)
	c.Conditions = cloneItems(w.Conditions)
	c.Actions = cloneItems(w.Actions)
	return c
}

func cloneItems(items []wireItem) []wireItem {
	if items == nil {
		return nil
	}
	out := make([]wireItem, len(items))
	for i, it := range items {
		it.EntityIDs = slices.Clone(it.EntityIDs)
		it.Weekdays = slices.Clone(it.Weekdays)
		it.Data = slices.Clone(it.Data)
		if it.Above != nil {
			v := *it.Above
			it.Above = &v
		}
		if it.Below != nil {
			v := *it.Below
			it.Below = &v
		}
		out[i] = it
	}
	return out
}

func pathf(format string, args ...any) string { return fmt.Sprintf(format, args...) }
