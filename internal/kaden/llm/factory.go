package llm

import (
	"context"
	"fmt"
	"time"
)

const defaultTimeout = 30 * time.Second

// Config selects and configures a backend. It is validated once, at
// startup, by the config package.
type Config struct {
	// Provider is "openai", "gemini" or "anthropic".
	Provider string
	APIKey   string
	// BaseURL overrides the backend endpoint.
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Sampling Sampling
}

// Providers lists the backend names New accepts.
var Providers = []string{"openai", "gemini", "anthropic"}

func (c Config) withDefaults(base, model string) Config {
	if c.BaseURL == "" {
		c.BaseURL = base
	}
	if c.Model == "" {
		c.Model = model
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	c.Sampling = c.Sampling.withDefaults(DefaultSampling())
	return c
}

func (c Config) sampling(req Request) Sampling {
	if req.Sampling == nil {
		return c.Sampling
	}
	return req.Sampling.withDefaults(c.Sampling)
}

// New returns the backend named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	case "anthropic":
		return NewAnthropic(cfg), nil
	}
	return nil, fmt.Errorf("llm: unknown provider %q (want one of %v)", cfg.Provider, Providers)
}
