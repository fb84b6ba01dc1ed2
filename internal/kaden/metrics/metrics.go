// Package metrics exposes Kaden's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

type Metrics struct {
	registry *prometheus.Registry

	turns             *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	providerCalls     *prometheus.CounterVec
	providerTokens    *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	repairs           *prometheus.CounterVec
	issues            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	automationsStored prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_turns_total",
			Help: "Conversation turns handled, by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kaden_turn_duration_seconds",
			Help:    "Wall time of a conversation turn.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_provider_calls_total",
			Help: "Language model calls, by pipeline stage and result.",
		}, []string{"stage", "result"}),
		providerTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_provider_tokens_total",
			Help: "Tokens reported by the language model, by stage and direction.",
		}, []string{"stage", "direction"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kaden_provider_latency_seconds",
			Help:    "Latency of successful language model calls.",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"stage"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_validation_outcomes_total",
			Help: "Terminal validation states of synthesized drafts.",
		}, []string{"state"}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_validation_issues_total",
			Help: "Validation issues found in drafts, by kind and severity.",
		}, []string{"kind", "severity"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_session_transitions_total",
			Help: "Conversation state machine transitions.",
		}, []string{"from", "to"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaden_http_requests_total",
			Help: "HTTP requests received.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kaden_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
		automationsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kaden_automations_persisted_total",
			Help: "Automations handed to the automation store.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.turnDuration, m.providerCalls, m.providerTokens, m.providerLatency,
		m.repairs, m.issues, m.transitions, m.httpRequests, m.httpDuration, m.automationsStored,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionGauge exports the number of live sessions as reported by count.
func (m *Metrics) SessionGauge(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kaden_sessions_active",
		Help: "Sessions held in the session store.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Turn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ProviderCall records one model call of stage ("intent" or "synthesis").
// err classifies the result; usage is only read on success.
func (m *Metrics) ProviderCall(stage string, usage llm.Usage, err error) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(stage, llm.KindLabel(err)).Inc()
	if err != nil {
		return
	}
	m.providerTokens.WithLabelValues(stage, "prompt").Add(float64(usage.PromptTokens))
	m.providerTokens.WithLabelValues(stage, "completion").Add(float64(usage.CompletionTokens))
	if usage.Latency > 0 {
		m.providerLatency.WithLabelValues(stage).Observe(usage.Latency.Seconds())
	}
}

// Validation records the terminal state of one draft.
func (m *Metrics) Validation(state string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(state).Inc()
}

// Issue records one validation issue left in a terminal draft.
func (m *Metrics) Issue(kind, severity string) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Persisted() {
	if m == nil {
		return
	}
	m.automationsStored.Inc()
}

// WrapHandler counts and times requests served by next under name.
func (m *Metrics) WrapHandler(name string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.httpRequests.WithLabelValues(name, r.Method, strconv.Itoa(rw.status)).Inc()
		m.httpDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
