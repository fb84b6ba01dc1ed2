// Package automation defines the automation draft produced by synthesis: an
// alias plus ordered triggers, conditions and actions, each a variant tagged
// by its platform kind.
//
// The same draft has three renderings:
//   - the wire form exchanged with language models (flat objects discriminated
//     by "kind", see wire.go and automation.schema.json),
//   - the Home Assistant YAML form shown to the user and written to
//     automations.yaml (see yaml.go),
//   - the Go values below, which the validator and repairer operate on.
package automation

// Kind tags a trigger, condition or action variant.
type Kind string

const (
	KindTime         Kind = "time"
	KindState        Kind = "state"
	KindSun          Kind = "sun"
	KindNumericState Kind = "numeric_state"
	KindService      Kind = "service"
	KindDelay        Kind = "delay"
)

// GeneratedSuffix marks aliases of automations written by Kaden.
const GeneratedSuffix = " (Auto Generated)"

// Weekdays in Home Assistant's order and spelling.
var Weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Draft is an unpersisted, possibly invalid automation.
type Draft struct {
	Alias       string
	Description string
	Triggers    []Trigger
	Conditions  []Condition
	Actions     []Action
}

// Trigger starts an automation.
type Trigger interface {
	Kind() Kind
	// EntityIDs lists the catalog entities the trigger references.
	EntityIDs() []string
}

// Condition gates an automation after it triggered.
type Condition interface {
	Kind() Kind
	EntityIDs() []string
}

// Action is one step of the automation body.
type Action interface {
	Kind() Kind
	EntityIDs() []string
}

// TimeTrigger fires daily at At (HH:MM:SS).
type TimeTrigger struct {
	At string
}

// StateTrigger fires when any of Entities changes state.
type StateTrigger struct {
	Entities []string
	From     string
	To       string
	For      string
}

// SunTrigger fires at sunrise or sunset, shifted by Offset ("-00:30:00").
type SunTrigger struct {
	Event  string
	Offset string
}

// NumericStateTrigger fires when a numeric state crosses Above or Below.
type NumericStateTrigger struct {
	Entities []string
	Above    *float64
	Below    *float64
}

// TimeCondition restricts the time window and/or weekdays.
type TimeCondition struct {
	After    string
	Before   string
	Weekdays []string
}

type StateCondition struct {
	Entities []string
	State    string
}

// SunCondition holds between After and Before, each "sunrise" or "sunset".
type SunCondition struct {
	After  string
	Before string
}

type NumericStateCondition struct {
	Entities []string
	Above    *float64
	Below    *float64
}

// ServiceAction calls a platform service ("light.turn_on") on Entities.
type ServiceAction struct {
	Service  string
	Entities []string
	Data     []Field
}

// DelayAction pauses for Duration (HH:MM:SS).
type DelayAction struct {
	Duration string
}

// Field is one service data parameter. Values stay textual; YAML rendering
// emits numbers and booleans unquoted.
type Field struct {
	Key   string
	Value string
}

// Unknown keeps a variant whose kind tag is not recognised so that it
// survives a round trip and can be reported by the validator.
type Unknown struct {
	Tag string
	raw wireItem
}

func (TimeTrigger) Kind() Kind           { return KindTime }
func (StateTrigger) Kind() Kind          { return KindState }
func (SunTrigger) Kind() Kind            { return KindSun }
func (NumericStateTrigger) Kind() Kind   { return KindNumericState }
func (TimeCondition) Kind() Kind         { return KindTime }
func (StateCondition) Kind() Kind        { return KindState }
func (SunCondition) Kind() Kind          { return KindSun }
func (NumericStateCondition) Kind() Kind { return KindNumericState }
func (ServiceAction) Kind() Kind         { return KindService }
func (DelayAction) Kind() Kind           { return KindDelay }
func (u Unknown) Kind() Kind             { return Kind(u.Tag) }

func (TimeTrigger) EntityIDs() []string             { return nil }
func (t StateTrigger) EntityIDs() []string          { return t.Entities }
func (SunTrigger) EntityIDs() []string              { return nil }
func (t NumericStateTrigger) EntityIDs() []string   { return t.Entities }
func (TimeCondition) EntityIDs() []string           { return nil }
func (c StateCondition) EntityIDs() []string        { return c.Entities }
func (SunCondition) EntityIDs() []string            { return nil }
func (c NumericStateCondition) EntityIDs() []string { return c.Entities }
func (a ServiceAction) EntityIDs() []string         { return a.Entities }
func (DelayAction) EntityIDs() []string             { return nil }
func (u Unknown) EntityIDs() []string               { return u.raw.EntityIDs }

// Domain returns the part of a service or entity id before the first dot.
func Domain(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return id[:i]
		}
	}
	return ""
}

// Ref locates an entity reference inside a draft.
type Ref struct {
	Path     string // e.g. "actions[0].entity_ids[1]"
	EntityID string
}

// References lists every entity id the draft mentions, in document order.
func (d *Draft) References() []Ref {
	var refs []Ref
	collect := func(section string, i int, ids []string) {
		for j, id := range ids {
			refs = append(refs, Ref{Path: pathf("%s[%d].entity_ids[%d]", section, i, j), EntityID: id})
		}
	}
	for i, t := range d.Triggers {
		collect("triggers", i, t.EntityIDs())
	}
	for i, c := range d.Conditions {
		collect("conditions", i, c.EntityIDs())
	}
	for i, a := range d.Actions {
		collect("actions", i, a.EntityIDs())
	}
	return refs
}

// Clone returns a deep copy; repairs edit clones, never the caller's draft.
func (d *Draft) Clone() *Draft {
	w := toWire(d)
	c, _ := fromWire(w.clone())
	return c
}
