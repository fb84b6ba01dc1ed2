package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// geminiStops mirror the markers the model emits after a payload.
var geminiStops = []string{"```", "---"}

// Gemini uses the Gemini API through the genai SDK with a native response
// schema.
type Gemini struct {
	cfg    Config
	client *genai.Client
}

// NewGemini builds a Gemini backend. The SDK client is created once and
// shared by all calls.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	cfg = cfg.withDefaults("", defaultGeminiModel)
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: newHTTPClient(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

func (p *Gemini) Name() string { return "gemini" }

// ConvertSchema maps the schema onto genai types, keeping property order.
func (p *Gemini) ConvertSchema(s *Schema) (any, error) {
	if err := s.Check(); err != nil {
		return nil, fmt.Errorf("llm: gemini schema: %w", err)
	}
	return geminiSchema(s)
}

func geminiSchema(s *Schema) (*genai.Schema, error) {
	out := &genai.Schema{Description: s.Description, Pattern: s.Pattern}
	switch s.Type {
	case TypeObject:
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for _, prop := range s.Properties {
			child, err := geminiSchema(prop.Schema)
			if err != nil {
				return nil, err
			}
			out.Properties[prop.Name] = child
			out.PropertyOrdering = append(out.PropertyOrdering, prop.Name)
			if prop.Required {
				out.Required = append(out.Required, prop.Name)
			}
		}
	case TypeArray:
		out.Type = genai.TypeArray
		items, err := geminiSchema(s.Items)
		if err != nil {
			return nil, err
		}
		out.Items = items
		if s.MinItems > 0 {
			n := int64(s.MinItems)
			out.MinItems = &n
		}
	case TypeString:
		out.Type = genai.TypeString
		if len(s.Enum) > 0 {
			out.Format = "enum"
			out.Enum = append([]string(nil), s.Enum...)
		}
	case TypeNumber:
		out.Type = genai.TypeNumber
	case TypeInteger:
		out.Type = genai.TypeInteger
	case TypeBoolean:
		out.Type = genai.TypeBoolean
	default:
		return nil, fmt.Errorf("llm: gemini schema: unsupported type %q", s.Type)
	}
	return out, nil
}

func (p *Gemini) Generate(ctx context.Context, req Request) (*Result, error) {
	converted, err := p.ConvertSchema(req.Schema)
	if err != nil {
		return nil, err
	}
	smp := p.cfg.sampling(req)

	temp := float32(smp.Temperature)
	topP := float32(smp.TopP)
	topK := float32(smp.TopK)
	gc := &genai.GenerateContentConfig{
		Temperature:      &temp,
		TopP:             &topP,
		TopK:             &topK,
		MaxOutputTokens:  int32(smp.MaxOutputTokens),
		StopSequences:    stops(geminiStops, smp.Stop, 5),
		ResponseMIMEType: "application/json",
		ResponseSchema:   converted.(*genai.Schema),
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, genai.Text(req.Prompt), gc)
	if err != nil {
		return nil, p.classify(err)
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return nil, malformed(p.Name(), "output truncated at max_output_tokens", nil)
	}
	text := resp.Text()
	payload, err := ExtractJSON(text)
	if err != nil {
		return nil, malformed(p.Name(), fmt.Sprintf("raw content: %.200s", text), err)
	}

	res := &Result{Payload: payload, Raw: text}
	res.Usage.Model = resp.ModelVersion
	res.Usage.Latency = time.Since(start)
	if u := resp.UsageMetadata; u != nil {
		res.Usage.PromptTokens = int(u.PromptTokenCount)
		res.Usage.CompletionTokens = int(u.CandidatesTokenCount)
		res.Usage.TotalTokens = int(u.TotalTokenCount)
	}
	return res, nil
}

func (p *Gemini) classify(err error) error {
	code, msg := 0, ""
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code, msg = apiErr.Code, apiErr.Message
	case errors.As(err, &apiErrPtr):
		code, msg = apiErrPtr.Code, apiErrPtr.Message
	default:
		return transportError(p.Name(), err)
	}
	// The Gemini API reports an invalid key as 400 INVALID_ARGUMENT.
	if code == http.StatusBadRequest && strings.Contains(msg, "API key not valid") {
		return &Error{Kind: ErrAuth, Provider: p.Name(), Status: code, Detail: msg}
	}
	return statusError(p.Name(), code, msg)
}
