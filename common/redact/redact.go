// Package redact keeps provider API keys and Home Assistant / Matrix tokens
// out of log lines and user-visible error text.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces each secret occurring in s. Secrets shorter than four
// characters are ignored.
func String(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Mask renders a credential for display, keeping only its last four
// characters: "…f00d". Empty input stays empty.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return placeholder
	default:
		return "…" + secret[len(secret)-4:]
	}
}

// Fields copies m, masking the values of keys that look like credentials.
func Fields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if Sensitive(k) {
			v = Mask(v)
		}
		out[k] = v
	}
	return out
}

// Sensitive reports whether a field or header name suggests a credential.
func Sensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range []string{"token", "secret", "password", "api_key", "apikey", "api-key", "authorization", "credential"} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
