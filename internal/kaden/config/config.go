// Package config is the configuration surface of kaden. Values come from
// KADEN_* environment variables (a .env file is loaded first by the
// command) and are validated once at startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bdobrica/Kaden/common/environment"
	"github.com/bdobrica/Kaden/common/redact"
	"github.com/bdobrica/Kaden/internal/kaden/homeassistant"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
	"github.com/bdobrica/Kaden/internal/kaden/matrix"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreYAML   = "yaml"
)

// Config is the complete runtime configuration.
type Config struct {
	LLM           llm.Config
	HomeAssistant homeassistant.Config

	// CatalogFile is a YAML or JSON entity list used instead of Home
	// Assistant, e.g. for offline runs.
	CatalogFile string
	CatalogTTL  time.Duration

	Store            string
	DatabasePath     string
	AutomationsFile  string
	ReloadAfterWrite bool

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	// RateLimit is the number of model-backed turns a session may start per
	// minute; 0 disables the limit.
	RateLimit int

	HTTPAddr string
	Matrix   matrix.Config

	LogLevel    string
	LogFormat   string
	TraceStdout bool
}

// Load reads the configuration from the environment. Unset variables take
// their defaults; call Validate before use.
func Load() *Config {
	return &Config{
		LLM: llm.Config{
			Provider: strings.ToLower(environment.StringOr("KADEN_LLM_PROVIDER", "openai")),
			Model:    environment.StringOr("KADEN_LLM_MODEL", ""),
			APIKey:   environment.StringOr("KADEN_LLM_API_KEY", ""),
			BaseURL:  environment.StringOr("KADEN_LLM_BASE_URL", ""),
			Timeout:  environment.DurationOr("KADEN_LLM_TIMEOUT", 30*time.Second),
			Sampling: llm.Sampling{
				Temperature:     environment.FloatOr("KADEN_LLM_TEMPERATURE", 0),
				TopP:            environment.FloatOr("KADEN_LLM_TOP_P", llm.DefaultSampling().TopP),
				TopK:            llm.DefaultSampling().TopK,
				MaxOutputTokens: environment.IntOr("KADEN_LLM_MAX_OUTPUT_TOKENS", llm.DefaultSampling().MaxOutputTokens),
			},
		},
		HomeAssistant: homeassistant.Config{
			URL:     strings.TrimRight(environment.StringOr("KADEN_HA_URL", ""), "/"),
			Token:   environment.StringOr("KADEN_HA_TOKEN", ""),
			Timeout: environment.DurationOr("KADEN_HA_TIMEOUT", 15*time.Second),
		},
		CatalogFile: environment.StringOr("KADEN_CATALOG_FILE", ""),
		CatalogTTL:  environment.DurationOr("KADEN_CATALOG_TTL", 5*time.Minute),

		Store:            strings.ToLower(environment.StringOr("KADEN_STORE", StoreSQLite)),
		DatabasePath:     environment.StringOr("KADEN_DATABASE_PATH", "./kaden.db"),
		AutomationsFile:  environment.StringOr("KADEN_AUTOMATIONS_FILE", "./automations.yaml"),
		ReloadAfterWrite: environment.BoolOr("KADEN_RELOAD_AFTER_WRITE", true),

		SessionIdleTimeout:   environment.DurationOr("KADEN_SESSION_IDLE_TIMEOUT", 10*time.Minute),
		SessionSweepInterval: environment.DurationOr("KADEN_SESSION_SWEEP_INTERVAL", time.Minute),
		RateLimit:            environment.IntOr("KADEN_RATE_LIMIT", 10),

		HTTPAddr: environment.StringOr("KADEN_HTTP_ADDR", ":8080"),
		Matrix: matrix.Config{
			Homeserver:     environment.StringOr("KADEN_MATRIX_HOMESERVER", ""),
			UserID:         environment.StringOr("KADEN_MATRIX_USER_ID", ""),
			AccessToken:    environment.StringOr("KADEN_MATRIX_ACCESS_TOKEN", ""),
			Rooms:          environment.ListOr("KADEN_MATRIX_ROOMS", nil),
			AllowedSenders: environment.ListOr("KADEN_MATRIX_ALLOWED_SENDERS", nil),
		},

		LogLevel:    strings.ToLower(environment.StringOr("KADEN_LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(environment.StringOr("KADEN_LOG_FORMAT", "text")),
		TraceStdout: environment.BoolOr("KADEN_TRACE_STDOUT", false),
	}
}

// problems collects validation failures.
type problems []error

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var p problems
	c.checkLLM(&p)
	c.checkCatalog(&p)

	switch c.Store {
	case StoreSQLite:
		p.check(c.DatabasePath != "", "KADEN_DATABASE_PATH is required for the sqlite store")
	case StoreYAML:
		p.check(c.AutomationsFile != "", "KADEN_AUTOMATIONS_FILE is required for the yaml store")
	default:
		p.check(false, "KADEN_STORE: unknown backend %q (want sqlite or yaml)", c.Store)
	}

	p.check(c.SessionIdleTimeout > 0, "KADEN_SESSION_IDLE_TIMEOUT must be positive")
	p.check(c.SessionSweepInterval > 0, "KADEN_SESSION_SWEEP_INTERVAL must be positive")
	p.check(c.RateLimit >= 0, "KADEN_RATE_LIMIT must not be negative")

	if c.Matrix.Enabled() {
		p.check(c.Matrix.UserID != "", "KADEN_MATRIX_USER_ID is required with KADEN_MATRIX_HOMESERVER")
		p.check(c.Matrix.AccessToken != "", "KADEN_MATRIX_ACCESS_TOKEN is required with KADEN_MATRIX_HOMESERVER")
		p.check(len(c.Matrix.Rooms) > 0, "KADEN_MATRIX_ROOMS is required with KADEN_MATRIX_HOMESERVER")
	}

	_, err := ParseLevel(c.LogLevel)
	p.check(err == nil, "KADEN_LOG_LEVEL: %v", err)
	p.check(c.LogFormat == "json" || c.LogFormat == "text", "KADEN_LOG_FORMAT must be json or text, got %q", c.LogFormat)

	return errors.Join(p...)
}

// ValidateCatalog checks only what reading the entity catalog needs, for
// commands that never call a model.
func (c *Config) ValidateCatalog() error {
	var p problems
	c.checkCatalog(&p)
	return errors.Join(p...)
}

func (c *Config) checkLLM(p *problems) {
	p.check(slices.Contains(llm.Providers, c.LLM.Provider),
		"KADEN_LLM_PROVIDER: unknown backend %q (want one of %s)", c.LLM.Provider, strings.Join(llm.Providers, ", "))
	p.check(c.LLM.APIKey != "", "KADEN_LLM_API_KEY is required")
	p.check(c.LLM.Sampling.Temperature >= 0 && c.LLM.Sampling.Temperature <= 2,
		"KADEN_LLM_TEMPERATURE must be between 0 and 2, got %v", c.LLM.Sampling.Temperature)
	p.check(c.LLM.Sampling.TopP > 0 && c.LLM.Sampling.TopP <= 1,
		"KADEN_LLM_TOP_P must be in (0, 1], got %v", c.LLM.Sampling.TopP)
	p.check(c.LLM.Sampling.MaxOutputTokens > 0,
		"KADEN_LLM_MAX_OUTPUT_TOKENS must be positive, got %d", c.LLM.Sampling.MaxOutputTokens)
	p.check(c.LLM.Timeout > 0, "KADEN_LLM_TIMEOUT must be positive")
}

func (c *Config) checkCatalog(p *problems) {
	ha := c.HomeAssistant.URL != "" || c.HomeAssistant.Token != ""
	p.check(ha || c.CatalogFile != "", "either KADEN_HA_URL and KADEN_HA_TOKEN or KADEN_CATALOG_FILE is required")
	if ha {
		p.check(c.HomeAssistant.URL != "" && c.HomeAssistant.Token != "", "KADEN_HA_URL and KADEN_HA_TOKEN must be set together")
		p.check(strings.HasPrefix(c.HomeAssistant.URL, "http://") || strings.HasPrefix(c.HomeAssistant.URL, "https://"),
			"KADEN_HA_URL must be an http(s) URL, got %q", c.HomeAssistant.URL)
	}
	p.check(c.CatalogTTL > 0, "KADEN_CATALOG_TTL must be positive")
}

// Level is the configured log level; unknown values mean info.
func (c *Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel accepts debug, info, warn (warning) and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
}

// Secrets lists the credentials in c, for redacting error text.
func (c *Config) Secrets() []string {
	return []string{c.LLM.APIKey, c.HomeAssistant.Token, c.Matrix.AccessToken}
}

// LogValue implements slog.LogValuer. Credentials are masked.
func (c *Config) LogValue() slog.Value {
	catalog := "home_assistant"
	if c.HomeAssistant.URL == "" {
		catalog = "file:" + c.CatalogFile
	}
	return slog.GroupValue(
		slog.Group("llm",
			"provider", c.LLM.Provider,
			"model", c.LLM.Model,
			"base_url", c.LLM.BaseURL,
			"api_key", redact.Mask(c.LLM.APIKey),
			"timeout", c.LLM.Timeout,
			"temperature", c.LLM.Sampling.Temperature,
			"top_p", c.LLM.Sampling.TopP,
			"max_output_tokens", c.LLM.Sampling.MaxOutputTokens,
		),
		slog.Group("home_assistant",
			"url", c.HomeAssistant.URL,
			"token", redact.Mask(c.HomeAssistant.Token),
		),
		slog.String("catalog", catalog),
		slog.Duration("catalog_ttl", c.CatalogTTL),
		slog.String("store", c.Store),
		slog.String("database_path", c.DatabasePath),
		slog.String("automations_file", c.AutomationsFile),
		slog.Bool("reload_after_write", c.ReloadAfterWrite),
		slog.Duration("session_idle_timeout", c.SessionIdleTimeout),
		slog.Int("rate_limit", c.RateLimit),
		slog.String("http_addr", c.HTTPAddr),
		slog.Group("matrix",
			"homeserver", c.Matrix.Homeserver,
			"user_id", c.Matrix.UserID,
			"access_token", redact.Mask(c.Matrix.AccessToken),
			"rooms", c.Matrix.Rooms,
		),
		slog.String("log_level", c.LogLevel),
		slog.String("log_format", c.LogFormat),
	)
}
