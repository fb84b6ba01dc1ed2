package intent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

const schemaName = "intent_analysis"

// model-facing intent kinds.
const (
	modelCreate   = "create_automation"
	modelList     = "list_entities"
	modelHelp     = "help"
	modelContinue = "continue_clarification"
)

// IntentSchema is the structure requested from the model.
var IntentSchema = buildSchema()

func buildSchema() *llm.Schema {
	slots := llm.Object(
		llm.Optional(SlotAction, llm.String("what to do, as a service id when clear (light.turn_on, switch.turn_off, cover.close_cover) or a verb (turn_on)")),
		llm.Optional(SlotTarget, llm.String("entity ids or display names to act on, comma separated, exactly as listed in the catalog when possible")),
		llm.Optional(SlotTriggerKind, llm.Enum("what starts the automation", TriggerKinds...)),
		llm.Optional(SlotTime, llm.String("time of day for a time trigger, as the user said it (\"7 AM\", \"midnight\")")),
		llm.Optional(SlotTriggerEntity, llm.String("entity id or name whose change triggers the automation")),
		llm.Optional(SlotTriggerState, llm.String("state the trigger entity changes to (on, off, open, home)")),
		llm.Optional(SlotSunEvent, llm.Enum("sun event", "sunrise", "sunset")),
		llm.Optional(SlotOffset, llm.String("offset from the sun event, e.g. -00:30:00")),
		llm.Optional(SlotAbove, llm.String("numeric threshold the value must rise above")),
		llm.Optional(SlotBelow, llm.String("numeric threshold the value must fall below")),
		llm.Optional(SlotDays, llm.String("days the automation may run, e.g. weekdays, weekend, mon,wed,fri")),
		llm.Optional(SlotCondition, llm.String("any other restriction, in plain words")),
	).Describe("values stated in this message or already known")

	missing := make([]string, 0, len(SlotOrder))
	for _, n := range SlotOrder {
		if n != SlotAbove && n != SlotBelow {
			missing = append(missing, n)
		}
	}
	return llm.Object(
		llm.Required("intent_kind", llm.Enum("purpose of the message",
			modelCreate, modelList, modelHelp, modelContinue)),
		llm.Required("slots", slots),
		llm.Required("missing_slot_names", llm.Array(llm.Enum("slot name", missing...)).
			Describe("slots still needed to build the automation")),
	)
}

// reply is the decoded model payload.
type reply struct {
	IntentKind string         `json:"intent_kind"`
	Slots      map[string]any `json:"slots"`
	Missing    []string       `json:"missing_slot_names"`
}

// slots stringifies the extracted values; some backends return numbers for
// thresholds even when asked for strings.
func (r reply) slots() Slots {
	out := make(Slots, len(r.Slots))
	for k, v := range r.Slots {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case []any:
			parts := make([]string, 0, len(x))
			for _, p := range x {
				parts = append(parts, fmt.Sprint(p))
			}
			out[k] = strings.Join(parts, ", ")
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

const systemPrompt = `You analyse messages sent to a Home Assistant automation assistant.

Classify the message:
- create_automation: the user wants something to happen automatically (a trigger and an action).
- continue_clarification: the user answers a question about an automation already being described.
- list_entities: the user asks which devices, entities or areas exist.
- help: greetings, questions about what you can do, anything else.

Extract slots only from what the user actually said. Never invent entity ids.
The entities below are the only ones that exist; refer to them by id when the
user's words clearly match one entity, otherwise copy the user's words.
List in missing_slot_names the required slots the user has not given yet.

AVAILABLE ENTITIES:
%s
AVAILABLE AREAS:
%s`

func buildPrompt(u Utterance, known Slots, snap *catalog.Snapshot) (system, prompt string, err error) {
	system = fmt.Sprintf(systemPrompt, snap.Digest(nil, catalog.DefaultPerDomain), snap.AreaDigest())

	var b strings.Builder
	if len(known) > 0 {
		raw, err := json.Marshal(map[string]string(known))
		if err != nil {
			return "", "", fmt.Errorf("intent: encode known slots: %w", err)
		}
		fmt.Fprintf(&b, "Slots already known from earlier messages: %s\n", raw)
	}
	fmt.Fprintf(&b, "Language: %s\n", u.Language())
	fmt.Fprintf(&b, "Message: %s\n", u.Text)
	return system, b.String(), nil
}
