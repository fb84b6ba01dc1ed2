package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// openAIStops truncates trailing commentary after a closing fence. The API
// accepts at most four stop sequences.
var openAIStops = []string{"\n```\n", "\n---"}

// OpenAI talks to the chat completions API (or any compatible endpoint) in
// strict json_schema mode.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns an OpenAI backend. cfg.BaseURL may point at Azure
// OpenAI, a local gateway or a test server.
func NewOpenAI(cfg Config) *OpenAI {
	cfg = cfg.withDefaults(defaultOpenAIBase, defaultOpenAIModel)
	return &OpenAI{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

func (p *OpenAI) Name() string { return "openai" }

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	Temperature    float64      `json:"temperature"`
	TopP           float64      `json:"top_p"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Stop           []string     `json:"stop,omitempty"`
	ResponseFormat oaiFormat    `json:"response_format"`
}

type oaiFormat struct {
	Type       string         `json:"type"`
	JSONSchema *oaiJSONSchema `json:"json_schema,omitempty"`
}

type oaiJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ConvertSchema produces a strict-mode schema: every property is listed as
// required and optional ones become nullable, since strict mode has no
// notion of optional members.
func (p *OpenAI) ConvertSchema(s *Schema) (any, error) {
	if err := s.Check(); err != nil {
		return nil, fmt.Errorf("llm: openai schema: %w", err)
	}
	return strictSchema(s, false), nil
}

func strictSchema(s *Schema, nullable bool) map[string]any {
	out := map[string]any{}
	if nullable {
		out["type"] = []string{string(s.Type), "null"}
	} else {
		out["type"] = string(s.Type)
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		enum := make([]any, 0, len(s.Enum)+1)
		for _, e := range s.Enum {
			enum = append(enum, e)
		}
		if nullable {
			enum = append(enum, nil)
		}
		out["enum"] = enum
	}
	if s.Pattern != "" {
		out["pattern"] = s.Pattern
	}
	switch s.Type {
	case TypeObject:
		props := make(map[string]any, len(s.Properties))
		names := make([]string, 0, len(s.Properties))
		for _, prop := range s.Properties {
			props[prop.Name] = strictSchema(prop.Schema, !prop.Required)
			names = append(names, prop.Name)
		}
		out["properties"] = props
		out["required"] = names
		out["additionalProperties"] = false
	case TypeArray:
		out["items"] = strictSchema(s.Items, false)
		if s.MinItems > 0 {
			out["minItems"] = s.MinItems
		}
	}
	return out
}

func (p *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	schema, err := p.ConvertSchema(req.Schema)
	if err != nil {
		return nil, err
	}
	smp := p.cfg.sampling(req)

	var msgs []oaiMessage
	if req.System != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, oaiMessage{Role: "user", Content: req.Prompt})

	body := oaiRequest{
		Model:       p.cfg.Model,
		Messages:    msgs,
		Temperature: smp.Temperature,
		TopP:        smp.TopP,
		MaxTokens:   smp.MaxOutputTokens,
		Stop:        stops(openAIStops, smp.Stop, 4),
		ResponseFormat: oaiFormat{
			Type:       "json_schema",
			JSONSchema: &oaiJSONSchema{Name: schemaName(req), Strict: true, Schema: schema.(map[string]any)},
		},
	}

	ex, err := postJSON(ctx, p.client, p.Name(), strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}, body)
	if err != nil {
		return nil, err
	}

	var resp oaiResponse
	decodeErr := json.Unmarshal(ex.body, &resp)
	if ex.status/100 != 2 {
		detail := http.StatusText(ex.status)
		if decodeErr == nil && resp.Error != nil {
			detail = resp.Error.Message
		}
		return nil, statusError(p.Name(), ex.status, detail)
	}
	if decodeErr != nil {
		return nil, malformed(p.Name(), "decode response envelope", decodeErr)
	}
	if len(resp.Choices) == 0 {
		return nil, malformed(p.Name(), "no choices returned", nil)
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, malformed(p.Name(), "model refused: "+choice.Message.Refusal, nil)
	}
	if choice.FinishReason == "length" {
		return nil, malformed(p.Name(), "output truncated at max_tokens", nil)
	}
	payload, err := ExtractJSON(choice.Message.Content)
	if err != nil {
		return nil, malformed(p.Name(), fmt.Sprintf("raw content: %.200s", choice.Message.Content), err)
	}

	res := &Result{Payload: dropNulls(payload), Raw: choice.Message.Content}
	res.Usage.Model = resp.Model
	res.Usage.Latency = ex.latency
	if resp.Usage != nil {
		res.Usage.PromptTokens = resp.Usage.PromptTokens
		res.Usage.CompletionTokens = resp.Usage.CompletionTokens
		res.Usage.TotalTokens = resp.Usage.TotalTokens
	}
	return res, nil
}

func schemaName(req Request) string {
	if req.SchemaName != "" {
		return req.SchemaName
	}
	return "structured_output"
}

// stops merges backend and caller stop markers, deduplicated and capped.
func stops(base, extra []string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range append(append([]string{}, base...), extra...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
