package synth

import (
	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

const schemaName = "automation_draft"

const (
	clockDesc  = "24-hour time HH:MM:SS"
	entityDesc = "entity ids from the catalog, e.g. light.kitchen"
)

// AutomationSchema is the structure requested from the model. It mirrors the
// wire form decoded by automation.Decode: flat items discriminated by kind,
// every kind-specific field optional.
var AutomationSchema = buildSchema()

func buildSchema() *llm.Schema {
	kinds := func(ks ...automation.Kind) []string {
		out := make([]string, len(ks))
		for i, k := range ks {
			out[i] = string(k)
		}
		return out
	}
	entities := func() *llm.Schema { return llm.Array(llm.String(entityDesc)) }

	trigger := llm.Object(
		llm.Required("kind", llm.Enum("trigger kind",
			kinds(automation.KindTime, automation.KindState, automation.KindSun, automation.KindNumericState)...)),
		llm.Optional("at", llm.String("time trigger: "+clockDesc)),
		llm.Optional("entity_ids", entities()),
		llm.Optional("from", llm.String("state trigger: previous state")),
		llm.Optional("to", llm.String("state trigger: new state")),
		llm.Optional("for", llm.String("state trigger: how long the new state must hold, HH:MM:SS")),
		llm.Optional("event", llm.Enum("sun trigger event", "sunrise", "sunset")),
		llm.Optional("offset", llm.String("sun trigger offset, [-]HH:MM:SS")),
		llm.Optional("above", llm.Number("numeric_state trigger: fire above this value")),
		llm.Optional("below", llm.Number("numeric_state trigger: fire below this value")),
	)

	condition := llm.Object(
		llm.Required("kind", llm.Enum("condition kind",
			kinds(automation.KindTime, automation.KindState, automation.KindSun, automation.KindNumericState)...)),
		llm.Optional("after", llm.String("time condition: "+clockDesc+"; sun condition: sunrise or sunset")),
		llm.Optional("before", llm.String("time condition: "+clockDesc+"; sun condition: sunrise or sunset")),
		llm.Optional("weekdays", llm.Array(llm.Enum("weekday", automation.Weekdays...))),
		llm.Optional("entity_ids", entities()),
		llm.Optional("state", llm.String("state condition: required state")),
		llm.Optional("above", llm.Number("numeric_state condition lower bound")),
		llm.Optional("below", llm.Number("numeric_state condition upper bound")),
	)

	action := llm.Object(
		llm.Required("kind", llm.Enum("action kind", kinds(automation.KindService, automation.KindDelay)...)),
		llm.Optional("service", llm.String("service to call, domain.service, e.g. light.turn_on")),
		llm.Optional("entity_ids", entities()),
		llm.Optional("data", llm.Array(llm.Object(
			llm.Required("key", llm.String("service parameter name, e.g. brightness_pct")),
			llm.Required("value", llm.String("parameter value as text")),
		))),
		llm.Optional("duration", llm.String("delay action: "+clockDesc)),
	)

	return llm.Object(
		llm.Required("alias", llm.String("short human readable name")),
		llm.Optional("description", llm.String("one sentence describing the automation")),
		llm.Required("triggers", llm.Array(trigger).AtLeast(1)),
		llm.Optional("conditions", llm.Array(condition)),
		llm.Required("actions", llm.Array(action).AtLeast(1)),
	)
}
