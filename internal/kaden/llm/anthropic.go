package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBase    = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	anthropicVersion        = "2023-06-01"
	anthropicToolDescPrefix = "Record the structured result. Input must follow the schema exactly."
)

// Anthropic uses the messages API and obtains structured output by forcing
// a single tool call whose input schema is the requested schema.
type Anthropic struct {
	cfg    Config
	client *http.Client
}

func NewAnthropic(cfg Config) *Anthropic {
	cfg = cfg.withDefaults(defaultAnthropicBase, defaultAnthropicModel)
	return &Anthropic{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) ConvertSchema(s *Schema) (any, error) {
	if err := s.Check(); err != nil {
		return nil, fmt.Errorf("llm: anthropic schema: %w", err)
	}
	if s.Type != TypeObject {
		return nil, fmt.Errorf("llm: anthropic schema: tool input must be an object, got %s", s.Type)
	}
	return s.JSONSchema(), nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   float64            `json:"temperature"`
	TopK          int                `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools"`
	ToolChoice    map[string]string  `json:"tool_choice"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	schema, err := p.ConvertSchema(req.Schema)
	if err != nil {
		return nil, err
	}
	smp := p.cfg.sampling(req)
	tool := schemaName(req)

	body := anthropicRequest{
		Model:         p.cfg.Model,
		MaxTokens:     smp.MaxOutputTokens,
		System:        req.System,
		Messages:      []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   smp.Temperature,
		TopK:          smp.TopK,
		StopSequences: stops(nil, smp.Stop, 0),
		Tools: []anthropicTool{{
			Name:        tool,
			Description: anthropicToolDescPrefix,
			InputSchema: schema.(map[string]any),
		}},
		ToolChoice: map[string]string{"type": "tool", "name": tool},
	}

	ex, err := postJSON(ctx, p.client, p.Name(), strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages",
		map[string]string{"x-api-key": p.cfg.APIKey, "anthropic-version": anthropicVersion}, body)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	decodeErr := json.Unmarshal(ex.body, &resp)
	if ex.status/100 != 2 {
		detail := http.StatusText(ex.status)
		if decodeErr == nil && resp.Error != nil {
			detail = resp.Error.Type + ": " + resp.Error.Message
		}
		return nil, statusError(p.Name(), ex.status, detail)
	}
	if decodeErr != nil {
		return nil, malformed(p.Name(), "decode response envelope", decodeErr)
	}
	if resp.StopReason == "max_tokens" {
		return nil, malformed(p.Name(), "output truncated at max_tokens", nil)
	}

	res := &Result{}
	for _, block := range resp.Content {
		if block.Type == "tool_use" && len(block.Input) > 0 {
			res.Payload, res.Raw = block.Input, string(block.Input)
			break
		}
	}
	if res.Payload == nil {
		// Fall back to text blocks when the model answered in prose.
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		payload, err := ExtractJSON(text.String())
		if err != nil {
			return nil, malformed(p.Name(), fmt.Sprintf("raw content: %.200s", text.String()), err)
		}
		res.Payload, res.Raw = payload, text.String()
	}

	res.Usage = Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Model:            resp.Model,
		Latency:          ex.latency,
	}
	return res, nil
}
