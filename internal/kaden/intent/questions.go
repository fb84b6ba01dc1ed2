package intent

import (
	"fmt"
	"slices"
	"strings"

	pongo2 "github.com/flosch/pongo2/v6"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
)

// questionTemplates holds one follow-up question per slot and language.
// "en" is the fallback for languages without their own set.
var questionTemplates = map[string]map[string]string{
	"en": {
		SlotAction:        "What should happen? For example turn something on, turn it off, or toggle it.",
		SlotTarget:        "Which device should I control?{% if suggestions %} For example:{% for e in suggestions %}\n- {{ e.name }} ({{ e.id }}){% endfor %}{% endif %}",
		SlotTriggerKind:   "What should start the automation: a time of day, a device changing state, sunrise or sunset, or a sensor crossing a value?",
		SlotTime:          "At what time should it run?",
		SlotTriggerEntity: "Which device or sensor should trigger it?",
		SlotSunEvent:      "Should it run at sunrise or at sunset?",
		SlotThreshold:     "Above or below which value should {{ slots.trigger_entity|default:\"the sensor\" }} trigger it?",
		"ambiguous":       "\"{{ query }}\" matches several devices. Which one did you mean?{% for e in candidates %}\n{{ forloop.Counter }}. {{ e.name }} ({{ e.id }}){% if e.area %}, {{ e.area }}{% endif %}{% endfor %}",
	},
	"he": {
		SlotAction:        "מה צריך לקרות? למשל להדליק, לכבות או להחליף מצב.",
		SlotTarget:        "באיזה מכשיר לשלוט?{% if suggestions %} לדוגמה:{% for e in suggestions %}\n- {{ e.name }} ({{ e.id }}){% endfor %}{% endif %}",
		SlotTriggerKind:   "מה יפעיל את האוטומציה: שעה ביום, שינוי במצב של מכשיר, זריחה או שקיעה, או חיישן שעובר ערך?",
		SlotTime:          "באיזו שעה להפעיל?",
		SlotTriggerEntity: "איזה מכשיר או חיישן יפעיל אותה?",
		SlotSunEvent:      "בזריחה או בשקיעה?",
		SlotThreshold:     "מעל או מתחת לאיזה ערך {{ slots.trigger_entity|default:\"החיישן\" }} יפעיל אותה?",
		"ambiguous":       "\"{{ query }}\" מתאים לכמה מכשירים. לאיזה התכוונת?{% for e in candidates %}\n{{ forloop.Counter }}. {{ e.name }} ({{ e.id }}){% if e.area %}, {{ e.area }}{% endif %}{% endfor %}",
	},
}

// compiled templates, keyed by language then slot.
var questions = compileQuestions()

func compileQuestions() map[string]map[string]*pongo2.Template {
	out := make(map[string]map[string]*pongo2.Template, len(questionTemplates))
	for lang, set := range questionTemplates {
		out[lang] = make(map[string]*pongo2.Template, len(set))
		for slot, src := range set {
			out[lang][slot] = pongo2.Must(pongo2.FromString("{% autoescape off %}" + src + "{% endautoescape %}"))
		}
	}
	return out
}

func lookup(lang, slot string) *pongo2.Template {
	if set, ok := questions[lang]; ok {
		if t, ok := set[slot]; ok {
			return t
		}
	}
	return questions["en"][slot]
}

// Question renders the follow-up for the missing slots, one line per slot,
// in SlotOrder. suggestions feed the target question.
func Question(lang string, missing []string, slots Slots, suggestions []catalog.EntityRef, snap *catalog.Snapshot) (string, error) {
	ctx := pongo2.Context{
		"slots":       map[string]string(slots),
		"suggestions": entityRows(suggestions, snap),
	}
	var lines []string
	for _, slot := range SlotOrder {
		if !slices.Contains(missing, slot) {
			continue
		}
		t := lookup(lang, slot)
		if t == nil {
			continue
		}
		line, err := t.Execute(ctx)
		if err != nil {
			return "", fmt.Errorf("intent: render %s question: %w", slot, err)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// AmbiguityQuestion asks the user to pick one of the candidates.
func AmbiguityQuestion(lang string, a *Ambiguity, snap *catalog.Snapshot) (string, error) {
	out, err := lookup(lang, "ambiguous").Execute(pongo2.Context{
		"query":      a.Query,
		"candidates": entityRows(a.Candidates, snap),
	})
	if err != nil {
		return "", fmt.Errorf("intent: render ambiguity question: %w", err)
	}
	return out, nil
}

func entityRows(ents []catalog.EntityRef, snap *catalog.Snapshot) []map[string]string {
	rows := make([]map[string]string, 0, len(ents))
	for _, e := range ents {
		row := map[string]string{"id": e.ID, "name": e.Name}
		if e.AreaID != "" && snap != nil {
			row["area"] = snap.AreaName(e.AreaID)
		}
		rows = append(rows, row)
	}
	return rows
}
