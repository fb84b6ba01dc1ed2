// Package httpapi is the HTTP front-end of kaden.
//
// Endpoints:
//
//	POST   /v1/sessions/{id}/turns  → turnRequest → pipeline.Reply
//	GET    /v1/sessions/{id}        → session.Snapshot
//	DELETE /v1/sessions/{id}        → 204 No Content (404 when unknown)
//	GET    /v1/entities             → entitiesResponse (?refresh=1 re-reads the catalog)
//	GET    /v1/automations          → automationsResponse
//	GET    /health                  → healthResponse
//	GET    /status                  → statusResponse
//	GET    /metrics                 → Prometheus exposition
//
// The status of a turn mirrors the reply kind: 201 for a created automation,
// 422 when validation failed after repair, 429 when the session is rate
// limited and 502 for provider, catalog or store failures. Everything else,
// clarifying questions included, is 200.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/common/version"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/metrics"
	"github.com/bdobrica/Kaden/internal/kaden/pipeline"
	"github.com/bdobrica/Kaden/internal/kaden/session"
	"github.com/bdobrica/Kaden/internal/kaden/store"
	"github.com/bdobrica/Kaden/internal/kaden/telemetry"
)

// maxTurnBodyBytes caps the body of a turn request.
const maxTurnBodyBytes = 64 * 1024

// Turner runs conversation turns; *pipeline.Pipeline satisfies it.
type Turner interface {
	HandleTurn(ctx context.Context, t pipeline.Turn) (*pipeline.Reply, error)
	Cancel(sessionID string) bool
	Session(id string) (session.Snapshot, bool)
}

// Snapshotter provides the entity catalog.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// invalidator is a Snapshotter that can drop its cached snapshot;
// *catalog.Catalog is one.
type invalidator interface {
	Invalidate()
}

// Lister lists persisted automations; *store.Gateway satisfies it.
type Lister interface {
	List(ctx context.Context) ([]store.Automation, error)
}

// Options configures a Server. Pipeline is required.
type Options struct {
	Addr        string
	Pipeline    Turner
	Catalog     Snapshotter
	Automations Lister
	// Sessions reports the number of live sessions for /status.
	Sessions func() int
	Metrics  *metrics.Metrics
	// Provider names the LLM backend on /status.
	Provider string
}

// Server serves the HTTP API.
type Server struct {
	opts      Options
	router    chi.Router
	handler   http.Handler
	startedAt time.Time
	server    *http.Server
}

// turnRequest is the body of POST /v1/sessions/{id}/turns.
type turnRequest struct {
	Text    string `json:"text"`
	Locale  string `json:"locale,omitempty"`
	Preview bool   `json:"preview,omitempty"`
	Alias   string `json:"alias,omitempty"`
}

type entitiesResponse struct {
	Count     int                 `json:"count"`
	FetchedAt time.Time           `json:"fetched_at"`
	Entities  []catalog.EntityRef `json:"entities"`
	Areas     []catalog.Area      `json:"areas"`
}

type automationsResponse struct {
	Count       int                `json:"count"`
	Automations []store.Automation `json:"automations"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	Provider   string    `json:"provider,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	Sessions   int       `json:"sessions"`
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// New builds the router. It does not listen; call Start or use the Server
// as an http.Handler.
func New(opts Options) *Server {
	s := &Server{opts: opts, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger)

	route := func(name string, h http.HandlerFunc) http.Handler {
		return opts.Metrics.WrapHandler(name, h)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/sessions/{id}/turns", route("turns", s.handleTurn))
		r.Method(http.MethodGet, "/sessions/{id}", route("session", s.handleSession))
		r.Method(http.MethodDelete, "/sessions/{id}", route("cancel", s.handleCancel))
		r.Method(http.MethodGet, "/entities", route("entities", s.handleEntities))
		r.Method(http.MethodGet, "/automations", route("automations", s.handleAutomations))
	})
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	s.router = r
	s.handler = telemetry.WrapHandler("kaden.http", r)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start listens in the background and returns once the port is open. The
// server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.opts.Addr, err)
	}
	// Turns wait on up to three model calls.
	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http api listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http api stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down, waiting up to five seconds for turns in flight.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http api shutdown error", "err", err)
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	body := http.MaxBytesReader(w, r.Body, maxTurnBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}

	ctx, traceID := trace.Ensure(r.Context())
	reply, err := s.opts.Pipeline.HandleTurn(ctx, pipeline.Turn{
		SessionID: chi.URLParam(r, "id"),
		Text:      req.Text,
		Locale:    firstNonEmpty(req.Locale, acceptLanguage(r)),
		Preview:   req.Preview,
		Alias:     req.Alias,
	})
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrNoSession):
			code = http.StatusBadRequest
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			code = http.StatusServiceUnavailable
		}
		trace.Logger(ctx).Warn("httpapi: turn failed", "err", err)
		writeError(w, code, err.Error(), traceID)
		return
	}
	writeJSON(w, statusFor(reply.Kind), reply)
}

// statusFor maps a reply kind to an HTTP status.
func statusFor(k pipeline.ReplyKind) int {
	switch k {
	case pipeline.ReplyCreated:
		return http.StatusCreated
	case pipeline.ReplyInvalid:
		return http.StatusUnprocessableEntity
	case pipeline.ReplyRateLimited:
		return http.StatusTooManyRequests
	case pipeline.ReplyFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.opts.Pipeline.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Pipeline.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		writeError(w, http.StatusNotFound, "no catalog configured", "")
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if c, ok := s.opts.Catalog.(invalidator); ok {
			c.Invalidate()
		}
	}
	snap, err := s.opts.Catalog.Snapshot(r.Context())
	if err != nil {
		slog.Warn("httpapi: catalog snapshot", "err", err)
		writeError(w, http.StatusBadGateway, pipeline.CatalogUnavailable, "")
		return
	}
	writeJSON(w, http.StatusOK, entitiesResponse{
		Count:     snap.Len(),
		FetchedAt: snap.FetchedAt(),
		Entities:  snap.Entities(),
		Areas:     snap.Areas(),
	})
}

func (s *Server) handleAutomations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Automations == nil {
		writeError(w, http.StatusNotFound, "no automation store configured", "")
		return
	}
	list, err := s.opts.Automations.List(r.Context())
	if err != nil {
		slog.Error("httpapi: list automations", "err", err)
		writeError(w, http.StatusInternalServerError, "could not read the automation store", "")
		return
	}
	if list == nil {
		list = []store.Automation{}
	}
	writeJSON(w, http.StatusOK, automationsResponse{Count: len(list), Automations: list})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Version, Commit: version.GitCommit})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := 0
	if s.opts.Sessions != nil {
		n = s.opts.Sessions()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		Provider:   s.opts.Provider,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Sessions:   n,
	})
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start), "remote", r.RemoteAddr)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg, traceID string) {
	writeJSON(w, code, errorResponse{Error: msg, TraceID: traceID})
}

// acceptLanguage returns the first tag of the Accept-Language header.
func acceptLanguage(r *http.Request) string {
	tag, _, _ := strings.Cut(r.Header.Get("Accept-Language"), ",")
	tag, _, _ = strings.Cut(tag, ";")
	return strings.TrimSpace(tag)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
