package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSON = errors.New("no JSON object in response")

// ExtractJSON returns the JSON object embedded in a model response. It
// accepts a bare document, a fenced block (```json ... ```, possibly cut off
// by a stop marker before the closing fence), or an object surrounded by
// commentary. The first well-formed object wins.
func ExtractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	if text == "" {
		return nil, errNoJSON
	}
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return []byte(text), nil
	}
	if body, ok := fenced(text); ok {
		if obj, ok := firstObject(body); ok {
			return obj, nil
		}
	}
	if obj, ok := firstObject(text); ok {
		return obj, nil
	}
	return nil, errNoJSON
}

// fenced returns the contents of the first Markdown code fence.
func fenced(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Skip the info string ("json", "JSON", "yaml"...).
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimLeft(rest, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// firstObject scans for the first balanced {...} that parses as JSON.
func firstObject(text string) ([]byte, bool) {
	b := []byte(text)
	for i := 0; i < len(b); i++ {
		if b[i] != '{' {
			continue
		}
		if end := matchBrace(b, i); end > 0 {
			candidate := b[i : end+1]
			if json.Valid(candidate) {
				return bytes.Clone(candidate), true
			}
		}
	}
	return nil, false
}

// matchBrace returns the index of the brace closing b[open], honouring
// string literals, or -1.
func matchBrace(b []byte, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// dropNulls removes object members whose value is null, recursively. Strict
// OpenAI schemas mark optional fields nullable; callers treat absent and null
// alike.
func dropNulls(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(prune(v))
	if err != nil {
		return raw
	}
	return out
}

func prune(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			if e == nil {
				delete(x, k)
				continue
			}
			x[k] = prune(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = prune(e)
		}
		return x
	}
	return v
}
