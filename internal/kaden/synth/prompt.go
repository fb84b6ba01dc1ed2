package synth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/intent"
)

// domainWords maps words users say to the entity domains they imply.
var domainWords = map[string][]string{
	"light":       {"light"},
	"lights":      {"light"},
	"lamp":        {"light"},
	"switch":      {"switch"},
	"plug":        {"switch"},
	"fan":         {"fan"},
	"blind":       {"cover"},
	"blinds":      {"cover"},
	"curtain":     {"cover"},
	"shutter":     {"cover"},
	"garage":      {"cover"},
	"cover":       {"cover"},
	"lock":        {"lock"},
	"door":        {"binary_sensor", "lock"},
	"window":      {"binary_sensor"},
	"motion":      {"binary_sensor"},
	"thermostat":  {"climate"},
	"heating":     {"climate"},
	"temperature": {"sensor", "climate"},
	"humidity":    {"sensor"},
	"sensor":      {"sensor", "binary_sensor"},
	"tv":          {"media_player"},
	"speaker":     {"media_player"},
	"music":       {"media_player"},
	"vacuum":      {"vacuum"},
	"scene":       {"scene"},
	"home":        {"person"},
	"away":        {"person"},
	"sun":         {"sun"},
	"אור":         {"light"},
	"מנורה":       {"light"},
	"תאורה":       {"light"},
	"מזגן":        {"climate"},
}

// entitySlots hold entity names or ids.
var entitySlots = []string{intent.SlotTarget, intent.SlotTriggerEntity}

// grounding is the catalog context of one synthesis request.
type grounding struct {
	domains    []string
	resolved   []resolution
	unresolved []string
	ambiguous  []*catalog.AmbiguousError
}

type resolution struct {
	query string
	ref   catalog.EntityRef
}

// ground resolves the entity slots and picks the domains whose entities the
// prompt lists.
func ground(slots intent.Slots, snap *catalog.Snapshot) grounding {
	var g grounding
	seen := map[string]bool{}
	addDomain := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			g.domains = append(g.domains, d)
		}
	}

	addDomain(automation.Domain(slots[intent.SlotAction]))
	for _, slot := range entitySlots {
		for _, q := range splitList(slots[slot]) {
			ref, err := snap.Resolve(q)
			var amb *catalog.AmbiguousError
			switch {
			case err == nil:
				g.resolved = append(g.resolved, resolution{query: q, ref: ref})
				addDomain(ref.Domain)
			case errors.As(err, &amb):
				g.ambiguous = append(g.ambiguous, amb)
				for _, c := range amb.Candidates {
					addDomain(c.Domain)
				}
			default:
				g.unresolved = append(g.unresolved, q)
				addDomain(automation.Domain(q))
			}
		}
	}
	for _, name := range slotWords(slots) {
		for _, d := range domainWords[name] {
			addDomain(d)
		}
	}
	if slots[intent.SlotTriggerKind] == "sun" {
		addDomain("sun")
	}

	// Only domains present in the catalog narrow the listing.
	present := snap.Domains()
	g.domains = slices.DeleteFunc(g.domains, func(d string) bool {
		_, ok := slices.BinarySearch(present, d)
		return !ok
	})
	return g
}

func slotWords(slots intent.Slots) []string {
	var words []string
	for _, v := range slots {
		words = append(words, strings.FieldsFunc(strings.ToLower(v), func(r rune) bool {
			return r == ' ' || r == ',' || r == '.' || r == '_'
		})...)
	}
	return words
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

const systemPrompt = `You write Home Assistant automations as JSON.

Rules:
- Use only entity ids listed under AVAILABLE ENTITIES or RESOLVED REFERENCES.
- Names listed under UNRESOLVED NAMES do not exist in the catalog. Copy them
  into entity_ids exactly as written; never replace them with a guess.
- Times and durations are 24-hour HH:MM:SS strings ("07:00:00", "00:05:00").
- Weekdays are mon, tue, wed, thu, fri, sat, sun.
- A service action names a service of the same domain as its entities
  (light.turn_on for light.* entities, switch.turn_off for switch.*).
- Put restrictions such as weekdays or time windows in conditions.
- Keep the alias short and descriptive.

AVAILABLE ENTITIES:
%s
AVAILABLE AREAS:
%s`

// buildPrompt renders the system and user prompts for req.
func buildPrompt(req Request, g grounding, perDomain int) (system, prompt string, err error) {
	system = fmt.Sprintf(systemPrompt, req.Snapshot.Digest(g.domains, perDomain), req.Snapshot.AreaDigest())

	var b strings.Builder
	if req.Utterance != "" {
		fmt.Fprintf(&b, "Request: %s\n\n", req.Utterance)
	}
	b.WriteString("Slots:\n")
	for _, n := range req.Slots.Names() {
		fmt.Fprintf(&b, "- %s: %s%s\n", n, req.Slots[n], literalHint(n, req.Slots[n]))
	}

	if len(g.resolved) > 0 {
		b.WriteString("\nRESOLVED REFERENCES:\n")
		for _, r := range g.resolved {
			fmt.Fprintf(&b, "- %q is %s\n", r.query, r.ref.ID)
		}
	}
	if len(g.unresolved) > 0 {
		b.WriteString("\nUNRESOLVED NAMES:\n")
		for _, q := range g.unresolved {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	for _, a := range g.ambiguous {
		fmt.Fprintf(&b, "\nAMBIGUOUS NAME %q, one of:\n", a.Query)
		for _, c := range a.Candidates {
			fmt.Fprintf(&b, "- %s\n", c.ID)
		}
	}

	if req.Previous != nil && len(req.Corrections) > 0 {
		raw, err := automation.Encode(req.Previous)
		if err != nil {
			return "", "", fmt.Errorf("synth: encode previous draft: %w", err)
		}
		fmt.Fprintf(&b, "\nYour previous answer was:\n%s\n", raw)
	}
	if len(req.Corrections) > 0 {
		b.WriteString("\nIt was rejected. Fix every problem below and answer again:\n")
		for _, c := range req.Corrections {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if req.Alias != "" {
		fmt.Fprintf(&b, "\nUse the alias %q.\n", req.Alias)
	}
	return system, b.String(), nil
}

// literalHint shows the normalised form of time-like slots so the model
// copies the platform literal rather than converting it itself.
func literalHint(slot, value string) string {
	var (
		v   string
		err error
	)
	switch slot {
	case intent.SlotTime:
		v, err = NormalizeTime(value)
	case intent.SlotOffset:
		v, err = NormalizeOffset(value)
	case intent.SlotDays:
		var days []string
		days, err = NormalizeWeekdays([]string{value})
		v = strings.Join(days, ",")
	default:
		return ""
	}
	if err != nil || v == value {
		return ""
	}
	return " (" + v + ")"
}
