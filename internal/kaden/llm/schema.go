package llm

import (
	"errors"
	"fmt"
)

// Type is a JSON value type in a Schema.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
)

// Schema is the provider-agnostic description of a structured output. It
// covers the subset every backend can express: objects with ordered
// properties, arrays, string enums, strings, numbers and booleans.
type Schema struct {
	Type        Type
	Description string
	Enum        []string
	Properties  []Property
	Items       *Schema
	Pattern     string
	MinItems    int
}

// Property is a named object member.
type Property struct {
	Name     string
	Schema   *Schema
	Required bool
}

func Object(props ...Property) *Schema { return &Schema{Type: TypeObject, Properties: props} }

func Array(items *Schema) *Schema { return &Schema{Type: TypeArray, Items: items} }

func String(desc string) *Schema { return &Schema{Type: TypeString, Description: desc} }

func Number(desc string) *Schema { return &Schema{Type: TypeNumber, Description: desc} }

func Integer(desc string) *Schema { return &Schema{Type: TypeInteger, Description: desc} }

func Boolean(desc string) *Schema { return &Schema{Type: TypeBoolean, Description: desc} }

func Enum(desc string, values ...string) *Schema {
	return &Schema{Type: TypeString, Description: desc, Enum: values}
}

// Required declares a mandatory property.
func Required(name string, s *Schema) Property { return Property{Name: name, Schema: s, Required: true} }

// Optional declares a property the model may omit.
func Optional(name string, s *Schema) Property { return Property{Name: name, Schema: s} }

// Describe sets the description and returns s.
func (s *Schema) Describe(desc string) *Schema {
	s.Description = desc
	return s
}

// AtLeast sets MinItems on an array schema and returns s.
func (s *Schema) AtLeast(n int) *Schema {
	s.MinItems = n
	return s
}

// Matching sets a string pattern and returns s.
func (s *Schema) Matching(pattern string) *Schema {
	s.Pattern = pattern
	return s
}

// Check verifies the schema stays inside the portable subset.
func (s *Schema) Check() error {
	return s.check("$")
}

func (s *Schema) check(path string) error {
	if s == nil {
		return fmt.Errorf("%s: nil schema", path)
	}
	switch s.Type {
	case TypeObject:
		if len(s.Properties) == 0 {
			return fmt.Errorf("%s: object without properties", path)
		}
		seen := make(map[string]bool, len(s.Properties))
		var errs []error
		for _, p := range s.Properties {
			if p.Name == "" {
				errs = append(errs, fmt.Errorf("%s: unnamed property", path))
				continue
			}
			if seen[p.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate property %q", path, p.Name))
			}
			seen[p.Name] = true
			if err := p.Schema.check(path + "." + p.Name); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case TypeArray:
		if s.Items == nil {
			return fmt.Errorf("%s: array without items", path)
		}
		return s.Items.check(path + "[]")
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		if len(s.Enum) > 0 && s.Type != TypeString {
			return fmt.Errorf("%s: enum on non-string type %s", path, s.Type)
		}
		if s.Pattern != "" && s.Type != TypeString {
			return fmt.Errorf("%s: pattern on non-string type %s", path, s.Type)
		}
		return nil
	}
	return fmt.Errorf("%s: unsupported type %q", path, s.Type)
}

// JSONSchema renders s as a standard JSON Schema document with closed
// objects. Anthropic tool inputs take this form directly.
func (s *Schema) JSONSchema() map[string]any {
	out := map[string]any{"type": string(s.Type)}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Pattern != "" {
		out["pattern"] = s.Pattern
	}
	switch s.Type {
	case TypeObject:
		props := make(map[string]any, len(s.Properties))
		required := []string{}
		for _, p := range s.Properties {
			props[p.Name] = p.Schema.JSONSchema()
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out["properties"] = props
		out["required"] = required
		out["additionalProperties"] = false
	case TypeArray:
		out["items"] = s.Items.JSONSchema()
		if s.MinItems > 0 {
			out["minItems"] = s.MinItems
		}
	}
	return out
}
