// Package pipeline runs one conversation turn end to end:
//
//	utterance → intent → clarify | synthesize → validate/repair → persist → reply
//
// Turns of the same session are serialised through the session store; turns
// of different sessions run concurrently. Every failure becomes a reply in
// plain language; HandleTurn only returns an error when the turn could not
// start at all.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pongo2 "github.com/flosch/pongo2/v6"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/intent"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
	"github.com/bdobrica/Kaden/internal/kaden/metrics"
	"github.com/bdobrica/Kaden/internal/kaden/session"
	"github.com/bdobrica/Kaden/internal/kaden/store"
	"github.com/bdobrica/Kaden/internal/kaden/synth"
	"github.com/bdobrica/Kaden/internal/kaden/telemetry"
	"github.com/bdobrica/Kaden/internal/kaden/validate"
)

// ErrNoSession is returned for a turn without a session id.
var ErrNoSession = errors.New("pipeline: session id required")

const (
	stageIntent    = "intent"
	stageSynthesis = "synthesis"
)

// ReplyKind classifies a reply.
type ReplyKind string

const (
	ReplyClarify     ReplyKind = "clarify"
	ReplyCreated     ReplyKind = "created"
	ReplyPreview     ReplyKind = "preview"
	ReplyEntities    ReplyKind = "entities"
	ReplyHelp        ReplyKind = "help"
	ReplyCancelled   ReplyKind = "cancelled"
	ReplyInvalid     ReplyKind = "invalid"
	ReplyRateLimited ReplyKind = "rate_limited"
	ReplyFailed      ReplyKind = "failed"
)

// Turn is one utterance delivered by a front-end.
type Turn struct {
	SessionID string
	Text      string
	Locale    string
	// Preview synthesizes and validates without persisting.
	Preview bool
	// Alias replaces the generated automation name.
	Alias string
}

// Automation is the part of a generated automation shown to the user.
type Automation struct {
	ID    string `json:"id,omitempty"`
	Alias string `json:"alias"`
	YAML  string `json:"yaml"`
}

// Reply is what the front-end shows the user.
type Reply struct {
	Kind ReplyKind `json:"kind"`
	Text string    `json:"text"`
	// State is the session state after the turn.
	State      session.State    `json:"state"`
	Missing    []string         `json:"missing,omitempty"`
	Automation *Automation      `json:"automation,omitempty"`
	Issues     []validate.Issue `json:"issues,omitempty"`
	TraceID    string           `json:"trace_id"`
	// Err is the failure behind ReplyFailed.
	Err error `json:"-"`
}

// Snapshotter provides catalog snapshots; *catalog.Catalog satisfies it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// Analyzer classifies utterances; *intent.Analyzer satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, in intent.Input, snap *catalog.Snapshot) (*intent.Intent, error)
}

// Generator synthesizes and validates drafts; *validate.Repairer satisfies
// it.
type Generator interface {
	Run(ctx context.Context, req synth.Request) (*validate.Outcome, error)
}

// Persister stores valid drafts; *store.Gateway satisfies it.
type Persister interface {
	Persist(ctx context.Context, d *automation.Draft, opts store.PersistOptions) (*store.Automation, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Catalog   Snapshotter
	Analyzer  Analyzer
	Sessions  *session.Store
	Generator Generator
	Persister Persister
	// Limiter caps model-backed turns per session; nil disables it.
	Limiter *llm.RateLimiter
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

type Pipeline struct {
	catalog   Snapshotter
	analyzer  Analyzer
	sessions  *session.Store
	generator Generator
	persister Persister
	limiter   *llm.RateLimiter
	metrics   *metrics.Metrics
}

func New(d Deps) *Pipeline {
	if d.Sessions == nil {
		d.Sessions = session.NewStore(session.Options{})
	}
	return &Pipeline{
		catalog:   d.Catalog,
		analyzer:  d.Analyzer,
		sessions:  d.Sessions,
		generator: d.Generator,
		persister: d.Persister,
		limiter:   d.Limiter,
		metrics:   d.Metrics,
	}
}

// HandleTurn processes one utterance of session t.SessionID. It waits while
// another turn of the same session is in flight.
func (p *Pipeline) HandleTurn(ctx context.Context, t Turn) (*Reply, error) {
	if strings.TrimSpace(t.SessionID) == "" {
		return nil, ErrNoSession
	}
	ctx, traceID := trace.Ensure(ctx)
	ctx = trace.WithSession(ctx, t.SessionID)
	ctx, span := telemetry.Start(ctx, "kaden.turn", attribute.String("kaden.session", t.SessionID))
	defer span.End()
	log := trace.Logger(ctx)
	start := time.Now()

	lease, err := p.sessions.Acquire(ctx, t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: acquire session: %w", err)
	}
	defer lease.Release()

	reply := p.turn(ctx, lease, t)
	reply.State = lease.Session().State
	if lease.Cancelled() && reply.Kind != ReplyCreated {
		reply = &Reply{Kind: ReplyCancelled, Text: CancelledDuringWork, State: session.Abandoned}
	}
	switch err := lease.Restarted(); {
	case errors.Is(err, session.ErrTimedOut):
		reply.Text = TimedOutNotice + "\n" + reply.Text
	case errors.Is(err, session.ErrCancelled):
		reply.Text = CancelledNotice + "\n" + reply.Text
	}
	reply.TraceID = traceID

	d := time.Since(start)
	span.SetAttributes(attribute.String("kaden.reply", string(reply.Kind)))
	p.metrics.Turn(string(reply.Kind), d)
	log.Info("pipeline: turn handled", "kind", reply.Kind, "state", reply.State, "duration", d)
	return reply, nil
}

// Cancel abandons the session. A synthesis in flight is allowed to finish
// and its result is discarded.
func (p *Pipeline) Cancel(sessionID string) bool {
	ok := p.sessions.Cancel(sessionID)
	if ok {
		trace.Logger(trace.WithSession(context.Background(), sessionID)).Info("pipeline: session cancelled")
	}
	return ok
}

// Session reports the state of a session.
func (p *Pipeline) Session(id string) (session.Snapshot, bool) { return p.sessions.Get(id) }

func (p *Pipeline) turn(ctx context.Context, lease *session.Lease, t Turn) *Reply {
	log := trace.Logger(ctx)
	u := intent.Utterance{Text: t.Text, Locale: t.Locale}
	lang := u.Language()

	snap, err := p.catalog.Snapshot(ctx)
	if err != nil {
		log.Error("pipeline: catalog snapshot failed", "err", err)
		return failed(err)
	}

	in := intent.Input{Utterance: u, Known: lease.Slots(), Pending: lease.Pending(), InProgress: lease.InProgress()}
	if p.limiter != nil && intent.NeedsModel(in, snap) && !p.limiter.Allow(t.SessionID) {
		log.Warn("pipeline: session rate limited")
		return &Reply{Kind: ReplyRateLimited, Text: RateLimitMessage}
	}

	actx, span := telemetry.Start(ctx, "kaden.intent")
	it, err := p.analyzer.Analyze(actx, in, snap)
	span.End()
	if err != nil {
		p.metrics.ProviderCall(stageIntent, llm.Usage{}, err)
		log.Warn("pipeline: intent analysis failed", "kind", llm.KindLabel(err), "err", err)
		return failed(err)
	}
	if !it.Shortcut {
		p.metrics.ProviderCall(stageIntent, it.Usage, nil)
	}

	switch it.Kind {
	case intent.Cancel:
		if err := lease.Abandon(); err != nil {
			return failed(err)
		}
		return &Reply{Kind: ReplyCancelled, Text: CancelledMessage}
	case intent.Help:
		return rendered(ReplyHelp, lang, "help", nil)
	case intent.ListEntities:
		areas := ""
		if len(snap.Areas()) > 0 {
			areas = snap.AreaDigest()
		}
		return rendered(ReplyEntities, lang, "entities", pongo2.Context{
			"count":  snap.Len(),
			"digest": snap.Digest(nil, catalog.DefaultPerDomain),
			"areas":  areas,
		})
	case intent.NeedsClarification:
		if err := lease.Clarify(it.Slots, it.Missing, it.Ambiguity); err != nil {
			return failed(err)
		}
		return &Reply{Kind: ReplyClarify, Text: it.Question, Missing: it.Missing}
	case intent.CreateAutomation:
		if err := lease.Ready(it.Slots); err != nil {
			return failed(err)
		}
		return p.synthesize(ctx, lease, t, lang, snap)
	}
	return failed(fmt.Errorf("pipeline: unexpected intent kind %q", it.Kind))
}

func (p *Pipeline) synthesize(ctx context.Context, lease *session.Lease, t Turn, lang string, snap *catalog.Snapshot) *Reply {
	log := trace.Logger(ctx)
	slots, err := lease.BeginSynthesis()
	if err != nil {
		return failed(err)
	}

	sctx, span := telemetry.Start(ctx, "kaden.synthesis")
	out, err := p.generator.Run(sctx, synth.Request{Slots: slots, Snapshot: snap, Utterance: t.Text, Alias: t.Alias})
	span.End()
	if out != nil {
		for _, u := range out.Usage {
			p.metrics.ProviderCall(stageSynthesis, u, nil)
		}
		p.metrics.Validation(string(out.State))
		for _, i := range out.Result.Issues {
			p.metrics.Issue(string(i.Kind), string(i.Severity))
		}
	}

	if lease.Cancelled() {
		log.Info("pipeline: cancelled during synthesis, result discarded")
		return &Reply{Kind: ReplyCancelled, Text: CancelledDuringWork}
	}

	switch {
	case errors.Is(err, validate.ErrExhaustedRepair):
		retreat(ctx, lease)
		return invalid(lang, out)
	case err != nil:
		p.metrics.ProviderCall(stageSynthesis, llm.Usage{}, err)
		log.Warn("pipeline: synthesis failed", "kind", llm.KindLabel(err), "err", err)
		retreat(ctx, lease)
		r := failed(err)
		r.Text += "\n" + SynthesisRetryHint
		return r
	case out == nil || out.Draft == nil:
		retreat(ctx, lease)
		return failed(errors.New("pipeline: generator returned no draft"))
	}

	warnings := out.Result.Warnings()
	if t.Preview {
		y, err := automation.RenderYAML(automation.Record{Draft: out.Draft})
		if err != nil {
			retreat(ctx, lease)
			return failed(err)
		}
		log.Info("pipeline: preview generated", "alias", out.Draft.Alias, "yaml", string(y))
		if err := lease.Complete(); err != nil {
			return failed(err)
		}
		r := rendered(ReplyPreview, lang, "preview", pongo2.Context{
			"alias": out.Draft.Alias, "yaml": string(y), "warnings": issueLines(warnings),
		})
		r.Automation = &Automation{Alias: out.Draft.Alias, YAML: string(y)}
		r.Issues = warnings
		return r
	}

	a, err := p.persister.Persist(ctx, out.Draft, store.PersistOptions{Session: t.SessionID})
	if err != nil {
		log.Error("pipeline: persist failed", "err", err)
		retreat(ctx, lease)
		return &Reply{Kind: ReplyFailed, Text: StoreFailureMessage, Err: err}
	}
	p.metrics.Persisted()
	if err := lease.Complete(); err != nil {
		log.Warn("pipeline: complete session", "err", err)
	}
	r := rendered(ReplyCreated, lang, "created", pongo2.Context{
		"alias": a.Alias, "id": a.ID, "yaml": a.YAML, "warnings": issueLines(warnings),
	})
	r.Automation = &Automation{ID: a.ID, Alias: a.Alias, YAML: a.YAML}
	r.Issues = warnings
	return r
}

// retreat returns the session to Ready so the next turn can retry.
func retreat(ctx context.Context, lease *session.Lease) {
	if err := lease.Retreat(); err != nil {
		trace.Logger(ctx).Warn("pipeline: retreat session", "err", err)
	}
}

func failed(err error) *Reply {
	return &Reply{Kind: ReplyFailed, Text: failureMessage(err), Err: err}
}

func invalid(lang string, out *validate.Outcome) *Reply {
	if out == nil {
		return failed(validate.ErrExhaustedRepair)
	}
	errs := out.Result.Errors()
	r := rendered(ReplyInvalid, lang, "invalid", pongo2.Context{"issues": issueLines(errs)})
	r.Issues = errs
	return r
}

func rendered(kind ReplyKind, lang, name string, data pongo2.Context) *Reply {
	text, err := render(lang, name, data)
	if err != nil {
		return failed(err)
	}
	return &Reply{Kind: kind, Text: text}
}

func issueLines(issues []validate.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Correction())
	}
	return out
}
