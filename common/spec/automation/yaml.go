package automation

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is a draft with its persisted identity.
type Record struct {
	ID    string
	Draft *Draft
}

// RenderYAML renders a single automation in Home Assistant's configuration
// format, the text users review before trusting a generated automation.
func RenderYAML(r Record) ([]byte, error) {
	return encodeNode(recordNode(r))
}

// RenderListItem renders the record as one element of a YAML sequence, ready
// to be appended to an automations.yaml file.
func RenderListItem(r Record) ([]byte, error) {
	return encodeNode(&yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{recordNode(r)}})
}

func encodeNode(n *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return nil, fmt.Errorf("automation: render yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func recordNode(r Record) *yaml.Node {
	d := r.Draft
	m := mapping()
	if r.ID != "" {
		put(m, "id", quoted(r.ID))
	}
	put(m, "alias", plain(d.Alias))
	if d.Description != "" {
		put(m, "description", plain(d.Description))
	}
	put(m, "triggers", seq(d.Triggers, triggerNode))
	if len(d.Conditions) > 0 {
		put(m, "conditions", seq(d.Conditions, conditionNode))
	}
	put(m, "actions", seq(d.Actions, actionNode))
	put(m, "mode", plain("single"))
	return m
}

func triggerNode(t Trigger) *yaml.Node {
	m := mapping()
	put(m, "trigger", plain(string(t.Kind())))
	switch x := t.(type) {
	case TimeTrigger:
		put(m, "at", quoted(x.At))
	case StateTrigger:
		put(m, "entity_id", entityNode(x.Entities))
		putOpt(m, "from", x.From)
		putOpt(m, "to", x.To)
		if x.For != "" {
			put(m, "for", quoted(x.For))
		}
	case SunTrigger:
		put(m, "event", plain(x.Event))
		if x.Offset != "" {
			put(m, "offset", quoted(x.Offset))
		}
	case NumericStateTrigger:
		put(m, "entity_id", entityNode(x.Entities))
		putNum(m, "above", x.Above)
		putNum(m, "below", x.Below)
	case Unknown:
		unknownFields(m, x)
	}
	return m
}

func conditionNode(c Condition) *yaml.Node {
	m := mapping()
	put(m, "condition", plain(string(c.Kind())))
	switch x := c.(type) {
	case TimeCondition:
		if x.After != "" {
			put(m, "after", quoted(x.After))
		}
		if x.Before != "" {
			put(m, "before", quoted(x.Before))
		}
		if len(x.Weekdays) > 0 {
			put(m, "weekday", flowList(x.Weekdays))
		}
	case StateCondition:
		put(m, "entity_id", entityNode(x.Entities))
		put(m, "state", quoted(x.State))
	case SunCondition:
		putOpt(m, "after", x.After)
		putOpt(m, "before", x.Before)
	case NumericStateCondition:
		put(m, "entity_id", entityNode(x.Entities))
		putNum(m, "above", x.Above)
		putNum(m, "below", x.Below)
	case Unknown:
		unknownFields(m, x)
	}
	return m
}

func actionNode(a Action) *yaml.Node {
	m := mapping()
	switch x := a.(type) {
	case ServiceAction:
		put(m, "action", plain(x.Service))
		if len(x.Entities) > 0 {
			target := mapping()
			put(target, "entity_id", entityNode(x.Entities))
			put(m, "target", target)
		}
		if len(x.Data) > 0 {
			data := mapping()
			for _, f := range x.Data {
				put(data, f.Key, inferred(f.Value))
			}
			put(m, "data", data)
		}
	case DelayAction:
		put(m, "delay", quoted(x.Duration))
	case Unknown:
		put(m, "kind", plain(x.Tag))
		unknownFields(m, x)
	}
	return m
}

func unknownFields(m *yaml.Node, u Unknown) {
	if len(u.raw.EntityIDs) > 0 {
		put(m, "entity_id", entityNode(u.raw.EntityIDs))
	}
}

func mapping() *yaml.Node { return &yaml.Node{Kind: yaml.MappingNode} }

func put(m *yaml.Node, key string, v *yaml.Node) {
	m.Content = append(m.Content, plain(key), v)
}

func putOpt(m *yaml.Node, key, v string) {
	if v != "" {
		put(m, key, plain(v))
	}
}

func putNum(m *yaml.Node, key string, v *float64) {
	if v != nil {
		put(m, key, bare(strconv.FormatFloat(*v, 'f', -1, 64)))
	}
}

func plain(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func quoted(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s, Style: yaml.DoubleQuotedStyle}
}

// bare leaves the scalar untagged so it resolves as a number or boolean.
func bare(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: s}
}

// inferred emits numeric and boolean service data unquoted.
func inferred(s string) *yaml.Node {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return bare(s)
	}
	if s == "true" || s == "false" {
		return bare(s)
	}
	return plain(s)
}

func entityNode(ids []string) *yaml.Node {
	if len(ids) == 1 {
		return plain(ids[0])
	}
	n := &yaml.Node{Kind: yaml.SequenceNode}
	for _, id := range ids {
		n.Content = append(n.Content, plain(id))
	}
	return n
}

func flowList(vals []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range vals {
		n.Content = append(n.Content, plain(v))
	}
	return n
}

func seq[T any](items []T, render func(T) *yaml.Node) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode}
	for _, it := range items {
		n.Content = append(n.Content, render(it))
	}
	return n
}

// ParseYAML reads one automation in Home Assistant format. Both the current
// ("trigger:", "action:") and legacy ("platform:", "service:") keys are
// accepted.
func ParseYAML(data []byte) (Record, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("automation: parse yaml: %w", err)
	}
	if raw == nil {
		return Record{}, fmt.Errorf("automation: parse yaml: empty document")
	}
	return recordFromMap(raw), nil
}

// ParseYAMLList reads an automations.yaml file (a sequence of automations).
func ParseYAMLList(data []byte) ([]Record, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("automation: parse yaml list: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, m := range raw {
		out = append(out, recordFromMap(m))
	}
	return out, nil
}

func recordFromMap(raw map[string]any) Record {
	d := &Draft{Alias: str(raw["alias"]), Description: str(raw["description"])}
	for _, m := range maps(first(raw, "triggers", "trigger")) {
		d.Triggers = append(d.Triggers, decodeTrigger(itemFromMap(m, str(first(m, "trigger", "platform")))))
	}
	for _, m := range maps(first(raw, "conditions", "condition")) {
		d.Conditions = append(d.Conditions, decodeCondition(itemFromMap(m, str(m["condition"]))))
	}
	for _, m := range maps(first(raw, "actions", "action")) {
		kind := string(KindService)
		if _, ok := m["delay"]; ok {
			kind = string(KindDelay)
		} else if str(first(m, "action", "service")) == "" {
			kind = str(m["kind"])
		}
		d.Actions = append(d.Actions, decodeAction(itemFromMap(m, kind)))
	}
	return Record{ID: str(raw["id"]), Draft: d}
}

func itemFromMap(m map[string]any, kind string) wireItem {
	it := wireItem{
		Kind:     kind,
		At:       str(m["at"]),
		From:     str(m["from"]),
		To:       str(m["to"]),
		For:      str(m["for"]),
		Event:    str(m["event"]),
		Offset:   str(m["offset"]),
		Above:    num(m["above"]),
		Below:    num(m["below"]),
		After:    str(m["after"]),
		Before:   str(m["before"]),
		Weekdays: strs(m["weekday"]),
		State:    str(m["state"]),
		Service:  str(first(m, "action", "service")),
		Duration: clock(m["delay"]),
	}
	it.EntityIDs = strs(m["entity_id"])
	if target, ok := m["target"].(map[string]any); ok && it.EntityIDs == nil {
		it.EntityIDs = strs(target["entity_id"])
	}
	if data, ok := m["data"].(map[string]any); ok {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			it.Data = append(it.Data, wireField{Key: k, Value: str(data[k])})
		}
	}
	return it
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func maps(v any) []map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}
	case []any:
		var out []map[string]any
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// clock reads a duration; a bare integer is a number of seconds.
func clock(v any) string {
	if n, ok := v.(int); ok {
		return fmt.Sprintf("%02d:%02d:%02d", n/3600, n%3600/60, n%60)
	}
	return str(v)
}

func strs(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

func num(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case int:
		f = float64(x)
	case float64:
		f = x
	case string:
		p, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	return &f
}
