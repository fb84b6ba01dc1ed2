package automation

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed automation.schema.json
var schemaJSON string

// SchemaJSON returns the JSON Schema of the wire form.
func SchemaJSON() string { return schemaJSON }

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("automation.schema.json", schemaJSON)
})

// Violation is one failed schema rule, located by a dotted field path.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// CheckSchema validates the draft's wire form against the embedded schema.
// The returned error is non-nil only when validation could not run.
func CheckSchema(d *Draft) ([]Violation, error) {
	doc, err := Document(d)
	if err != nil {
		return nil, err
	}
	return check(doc, nil)
}

// CheckPayload validates a raw wire payload before it is decoded and reports
// the members decoding would drop: top-level members the schema does not
// define and item fields that do not belong to the item's kind, such as "at"
// on a state trigger. Null and empty members carry nothing and are ignored.
// Other rules are left to CheckSchema on the decoded draft, after literals
// are normalised.
func CheckPayload(raw []byte) ([]Violation, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("automation: payload: %w", err)
	}
	return check(pruneEmpty(doc), func(e *jsonschema.ValidationError) bool {
		return strings.HasSuffix(e.KeywordLocation, "/additionalProperties")
	})
}

// check validates doc and flattens the leaf errors accepted by keep (all of
// them when keep is nil) into sorted, de-duplicated violations.
func check(doc any, keep func(*jsonschema.ValidationError) bool) ([]Violation, error) {
	schema, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("automation: compile schema: %w", err)
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("automation: validate: %w", err)
	}

	seen := make(map[string]bool)
	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			if keep != nil && !keep(e) {
				return
			}
			v := Violation{Path: dottedPath(e.InstanceLocation), Message: e.Message}
			if !seen[v.String()] {
				seen[v.String()] = true
				out = append(out, v)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// pruneEmpty removes object members that are null, "" or [].
func pruneEmpty(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, m := range x {
			switch mv := m.(type) {
			case nil:
				delete(x, k)
			case string:
				if mv == "" {
					delete(x, k)
				}
			case []any:
				if len(mv) == 0 {
					delete(x, k)
				}
			}
			if _, ok := x[k]; ok {
				x[k] = pruneEmpty(m)
			}
		}
	case []any:
		for i, e := range x {
			x[i] = pruneEmpty(e)
		}
	}
	return v
}

// dottedPath turns a JSON pointer ("/actions/0/service") into
// "actions[0].service". The document root is "$".
func dottedPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "$"
	}
	var b strings.Builder
	for i, seg := range strings.Split(pointer, "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
