// Package environment reads typed configuration values from environment
// variables. Malformed values fall back to the default; callers that need to
// reject them validate the resulting config.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup[T any](name string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// StringOr returns the variable's value, or def when unset or blank.
func StringOr(name, def string) string {
	return lookup(name, def, func(s string) (string, error) { return s, nil })
}

// Required returns the variable's value or an error naming it.
func Required(name string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %s is required", name)
}

func BoolOr(name string, def bool) bool { return lookup(name, def, strconv.ParseBool) }

func IntOr(name string, def int) int { return lookup(name, def, strconv.Atoi) }

// FloatOr parses sampling parameters such as temperature and top_p.
func FloatOr(name string, def float64) float64 {
	return lookup(name, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// DurationOr accepts Go duration syntax ("30s", "10m").
func DurationOr(name string, def time.Duration) time.Duration {
	return lookup(name, def, time.ParseDuration)
}

// ListOr splits a comma-separated variable, dropping blank elements. An
// all-blank list yields def.
func ListOr(name string, def []string) []string {
	return lookup(name, def, func(s string) ([]string, error) {
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty list")
		}
		return out, nil
	})
}
