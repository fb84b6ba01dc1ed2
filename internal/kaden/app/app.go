// Package app wires the kaden components together and runs the front-ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/config"
	"github.com/bdobrica/Kaden/internal/kaden/events"
	"github.com/bdobrica/Kaden/internal/kaden/homeassistant"
	"github.com/bdobrica/Kaden/internal/kaden/httpapi"
	"github.com/bdobrica/Kaden/internal/kaden/intent"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
	"github.com/bdobrica/Kaden/internal/kaden/matrix"
	"github.com/bdobrica/Kaden/internal/kaden/metrics"
	"github.com/bdobrica/Kaden/internal/kaden/pipeline"
	"github.com/bdobrica/Kaden/internal/kaden/session"
	"github.com/bdobrica/Kaden/internal/kaden/store"
	"github.com/bdobrica/Kaden/internal/kaden/synth"
	"github.com/bdobrica/Kaden/internal/kaden/telemetry"
	"github.com/bdobrica/Kaden/internal/kaden/validate"
)

// App holds the wired components.
type App struct {
	config    *config.Config
	provider  llm.Provider
	catalog   *catalog.Catalog
	sessions  *session.Store
	pipeline  *pipeline.Pipeline
	gateway   *store.Gateway
	validator *validate.Validator
	metrics   *metrics.Metrics
	bus       *events.Bus
	db        *store.SQLite
	http      *httpapi.Server
	matrix    *matrix.Client
	traces    telemetry.Shutdown
}

// New builds the application from a validated configuration. Nothing is
// started and no network call is made.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{config: cfg, metrics: metrics.New(), validator: validate.New()}

	traces, err := telemetry.Init(telemetry.Options{ServiceName: "kaden", Stdout: cfg.TraceStdout})
	if err != nil {
		return nil, fmt.Errorf("app: init tracing: %w", err)
	}
	a.traces = traces

	a.provider, err = llm.New(ctx, cfg.LLM)
	if err != nil {
		a.Stop()
		return nil, fmt.Errorf("app: %w", err)
	}
	slog.Info("llm backend ready", "provider", a.provider.Name(), "model", cfg.LLM.Model)

	var ha *homeassistant.Client
	if cfg.HomeAssistant.URL != "" {
		ha = homeassistant.New(cfg.HomeAssistant)
	}
	a.catalog = newCatalog(cfg, ha)

	if err := a.openStore(ha); err != nil {
		a.Stop()
		return nil, err
	}

	var limiter *llm.RateLimiter
	opts := session.Options{
		IdleTimeout: cfg.SessionIdleTimeout,
		OnTransition: func(from, to session.State) {
			a.metrics.Transition(string(from), string(to))
		},
	}
	if cfg.RateLimit > 0 {
		limiter = llm.NewRateLimiter(cfg.RateLimit, time.Minute)
		opts.OnEvict = limiter.Forget
	}
	a.sessions = session.NewStore(opts)
	a.metrics.SessionGauge(a.sessions.Len)

	repairer := validate.NewRepairer(synth.New(a.provider, synth.Options{}), a.validator)
	repairer.OnTransition = func(from, to validate.State) {
		slog.Debug("validation state", "from", from, "to", to)
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Catalog:   a.catalog,
		Analyzer:  intent.NewAnalyzer(a.provider, intent.Options{}),
		Sessions:  a.sessions,
		Generator: repairer,
		Persister: a.gateway,
		Limiter:   limiter,
		Metrics:   a.metrics,
	})
	return a, nil
}

// NewCatalog returns the entity catalog configured in cfg, for commands
// that only read it.
func NewCatalog(cfg *config.Config) *catalog.Catalog {
	var ha *homeassistant.Client
	if cfg.HomeAssistant.URL != "" {
		ha = homeassistant.New(cfg.HomeAssistant)
	}
	return newCatalog(cfg, ha)
}

func newCatalog(cfg *config.Config, ha *homeassistant.Client) *catalog.Catalog {
	var src catalog.Source = catalog.File{Path: cfg.CatalogFile}
	if ha != nil {
		src = ha
	}
	return catalog.New(src, catalog.Options{
		TTL: cfg.CatalogTTL,
		OnRefresh: func(n int, took time.Duration, err error) {
			if err != nil {
				slog.Warn("catalog refresh failed", "err", err, "took", took)
				return
			}
			slog.Info("catalog refreshed", "entities", n, "took", took)
		},
	})
}

// openStore opens the automation store and the event bus. The SQLite
// database is also opened for the yaml store when Matrix needs it for its
// sync token.
func (a *App) openStore(ha *homeassistant.Client) error {
	cfg := a.config
	if cfg.Store == config.StoreSQLite || cfg.Matrix.Enabled() {
		slog.Info("opening database", "path", cfg.DatabasePath)
		db, err := store.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.db = db
	}

	var s store.AutomationStore
	switch cfg.Store {
	case config.StoreYAML:
		var reload store.Reloader
		if cfg.ReloadAfterWrite && ha != nil {
			reload = reloader{ha: ha, catalog: a.catalog}
		}
		slog.Info("using automations file", "path", cfg.AutomationsFile, "reload", reload != nil)
		s = store.NewYAMLFile(cfg.AutomationsFile, reload)
	default:
		s = a.db
	}

	a.bus = events.NewBus(slog.Default())
	a.gateway = store.NewGateway(s, a.bus)
	return nil
}

// reloader reloads automations in Home Assistant and then drops the cached
// catalog, which now lacks the new automation entity.
type reloader struct {
	ha      store.Reloader
	catalog *catalog.Catalog
}

func (r reloader) ReloadAutomations(ctx context.Context) error {
	if err := r.ha.ReloadAutomations(ctx); err != nil {
		return err
	}
	r.catalog.Invalidate()
	return nil
}

// Pipeline is the conversation pipeline, for one-shot commands.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Catalog is the entity catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Run serves the HTTP API and, when configured, the Matrix front-end until
// ctx is cancelled or the process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.sessions.Run(ctx, a.config.SessionSweepInterval)

	if err := a.bus.SubscribeGenerated(ctx, events.LogGenerated); err != nil {
		return fmt.Errorf("app: subscribe to events: %w", err)
	}

	if a.config.HTTPAddr != "" {
		a.http = httpapi.New(httpapi.Options{
			Addr:        a.config.HTTPAddr,
			Pipeline:    a.pipeline,
			Catalog:     a.catalog,
			Automations: a.gateway,
			Sessions:    a.sessions.Len,
			Metrics:     a.metrics,
			Provider:    a.provider.Name(),
		})
		if err := a.http.Start(ctx); err != nil {
			return err
		}
	}

	if a.config.Matrix.Enabled() {
		mcfg := a.config.Matrix
		if a.db != nil {
			mcfg.DB = a.db.DB()
		}
		slog.Info("connecting to Matrix", "homeserver", mcfg.Homeserver)
		client, err := matrix.New(mcfg)
		if err != nil {
			return err
		}
		a.matrix = client
		if err := client.Start(ctx, matrix.NewBridge(a.pipeline, client).Handle); err != nil {
			return err
		}
	}

	// Warm the catalog so the first turn does not pay for the fetch.
	if _, err := a.catalog.Snapshot(ctx); err != nil {
		slog.Warn("initial catalog fetch failed; will retry on the first turn", "err", err)
	}

	slog.Info("kaden is running; press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Stop releases every resource. It is safe to call on a partially built
// App.
func (a *App) Stop() {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.http != nil {
		a.http.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Warn("closing event bus", "err", err)
		}
	}
	if a.db != nil {
		slog.Info("closing database")
		if err := a.db.Close(); err != nil {
			slog.Warn("closing database", "err", err)
		}
	}
	if a.traces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.traces(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("flushing traces", "err", err)
		}
	}
}
