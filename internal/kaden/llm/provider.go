// Package llm is the provider adapter between Kaden's pipeline and the
// language-model backends it can be configured with.
//
// Every backend satisfies the same contract: one prompt plus a
// provider-agnostic output schema in, one structured JSON payload out.
// Backends translate the schema into their native structured-output
// mechanism (OpenAI json_schema response format, Gemini response schema,
// Anthropic forced tool input) and strip any commentary or code fencing the
// model wraps around the payload.
//
// Invariants:
//   - Generate performs exactly one outbound HTTP call. Retrying is the
//     caller's decision (see common/retry); the adapter never retries.
//   - Failures are reported as *Error carrying one of ErrAuth,
//     ErrRateLimited, ErrTimeout, ErrMalformedOutput or ErrUpstream.
//   - Providers are safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Provider is one language-model backend.
type Provider interface {
	// Name identifies the backend ("openai", "gemini", "anthropic").
	Name() string
	// Generate sends req and returns the structured payload.
	Generate(ctx context.Context, req Request) (*Result, error)
	// ConvertSchema translates s into the backend's native schema dialect.
	// An error here means the schema uses a construct the backend cannot
	// express and is a programming error.
	ConvertSchema(s *Schema) (any, error)
}

// Request is a single structured-generation call.
type Request struct {
	// System carries fixed instructions; Prompt carries the per-turn text.
	System string
	Prompt string
	// Schema constrains the payload. SchemaName labels it for backends that
	// need a name (OpenAI json_schema, Anthropic tool).
	Schema     *Schema
	SchemaName string
	// Sampling overrides the backend's configured sampling when set.
	Sampling *Sampling
}

// Sampling holds generation parameters. Zero TopP, TopK and
// MaxOutputTokens fall back to the configured values.
type Sampling struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
	// Stop lists extra stop markers appended to the backend's own.
	Stop []string
}

// DefaultSampling favours determinism: greedy decoding where the backend
// supports it and a bounded output length.
func DefaultSampling() Sampling {
	return Sampling{Temperature: 0, TopP: 0.1, TopK: 1, MaxOutputTokens: 1500}
}

func (s Sampling) withDefaults(base Sampling) Sampling {
	if s.TopP <= 0 {
		s.TopP = base.TopP
	}
	if s.TopK <= 0 {
		s.TopK = base.TopK
	}
	if s.MaxOutputTokens <= 0 {
		s.MaxOutputTokens = base.MaxOutputTokens
	}
	return s
}

// Result is a normalised provider response.
type Result struct {
	// Payload is the extracted JSON document.
	Payload json.RawMessage
	// Raw is the text or tool input exactly as the backend returned it.
	Raw   string
	Usage Usage
}

// Decode unmarshals the payload into v, reporting failures as malformed
// output.
func (r *Result) Decode(provider string, v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &Error{Kind: ErrMalformedOutput, Provider: provider, Detail: fmt.Sprintf("decode payload: %.200s", r.Payload), Err: err}
	}
	return nil
}

// Usage reports token counts and latency for one call. Zero when the backend
// does not report them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Latency          time.Duration
}
