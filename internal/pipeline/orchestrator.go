package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/explain"
	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/idgen"
	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/syncutil"
	"github.com/kshalu/fraudscope/internal/traces"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// Config controls the orchestrator.
type Config struct {
	// LatencyBudget bounds feature extraction through decision.
	LatencyBudget time.Duration `koanf:"latency_budget"`
	// Dedupe returns the stored decision for a transaction id that was
	// already audited instead of scoring it twice.
	Dedupe bool `koanf:"dedupe"`
}

func DefaultConfig() Config {
	return Config{LatencyBudget: 100 * time.Millisecond, Dedupe: true}
}

// Orchestrator runs transactions through the pipeline. It is safe for
// concurrent use; runs for different accounts do not block each other.
type Orchestrator struct {
	cfg       Config
	extractor FeatureExtractor
	models    ModelSource
	explainer *explain.Explainer
	policy    atomic.Pointer[policy.Policy]
	recorder  AuditRecorder
	lookup    AuditLookup
	publisher Publisher
	// inflight serializes runs of one transaction id so a redelivery
	// waits for the first run and then finds its audit record.
	inflight  *syncutil.KeyedMutex
	stats     *Stats
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLookup enables duplicate detection against stored records.
func WithLookup(l AuditLookup) Option { return func(o *Orchestrator) { o.lookup = l } }

func WithPublisher(p Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an orchestrator.
func New(cfg Config, ext FeatureExtractor, models ModelSource, explainer *explain.Explainer,
	pol *policy.Policy, recorder AuditRecorder, opts ...Option) *Orchestrator {
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = DefaultConfig().LatencyBudget
	}
	o := &Orchestrator{
		cfg:       cfg,
		extractor: ext,
		models:    models,
		explainer: explainer,
		recorder:  recorder,
		inflight:  syncutil.NewKeyedMutex(),
		stats:     NewStats(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	o.policy.Store(pol)
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "pipeline")
	return o
}

// Policy returns the policy new decisions are made with.
func (o *Orchestrator) Policy() *policy.Policy { return o.policy.Load() }

// SetPolicy swaps the decision policy. In-flight runs keep the one they read.
func (o *Orchestrator) SetPolicy(p *policy.Policy) { o.policy.Store(p) }

func (o *Orchestrator) Stats() *Stats { return o.stats }

// run carries one transaction through the pipeline.
type run struct {
	tx     *transaction.Transaction
	start  time.Time
	states []State
	vec    *features.Vector
	score  *model.Score
	expl   *explain.Explanation
	dec    policy.Decision
	kind   Kind
}

func (r *run) enter(s State) { r.states = append(r.states, s) }

// Score decides on tx. It returns a Result once the decision is audited,
// or an *Error naming the failure kind. Feature, model and timeout failures
// still produce an audited review decision flagged as degraded.
func (o *Orchestrator) Score(ctx context.Context, tx *transaction.Transaction) (*Result, error) {
	ctx = logging.WithTransactionID(ctx, tx.ID)
	ctx, span := traces.StartSpan(ctx, "pipeline.Score",
		traces.TransactionID(tx.ID), traces.AccountID(tx.AccountID))
	defer span.End()

	r := &run{tx: tx, start: o.now()}
	r.enter(Received)

	if err := tx.Validate(); err != nil {
		return nil, o.reject(ctx, r, err)
	}

	if o.dedupes() {
		unlock, err := o.inflight.LockContext(ctx, tx.ID)
		if err != nil {
			return nil, o.abandon(ctx, r, err)
		}
		defer unlock()

		res, ok, err := o.duplicate(ctx, tx)
		if err != nil {
			return nil, o.reject(ctx, r, err)
		}
		if ok {
			return res, nil
		}
	}

	res, err := o.execute(ctx, r)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Outcome(string(res.Decision.Outcome)))
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	budget, cancel := context.WithTimeout(ctx, o.cfg.LatencyBudget)
	defer cancel()
	pol := o.policy.Load()

	// Features.
	vec, err := o.featurize(budget, r.tx)
	if err != nil {
		switch kind := classify(err); {
		case kind == KindInvalidTransaction:
			return nil, o.reject(ctx, r, err)
		case ctx.Err() != nil:
			return nil, o.abandon(ctx, r, ctx.Err())
		default:
			if kind != KindTimeout {
				kind = KindInternal
			}
			return o.degrade(ctx, r, pol, kind, err)
		}
	}
	r.vec = vec
	r.enter(Featurized)

	// Score.
	m, err := o.models.Current()
	if err != nil {
		return o.degrade(ctx, r, pol, KindModelUnavailable, err)
	}
	p, err := o.predict(budget, m, vec)
	if err != nil {
		return o.degrade(ctx, r, pol, classify(err), err)
	}
	if err := budget.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, o.abandon(ctx, r, ctx.Err())
		}
		return o.degrade(ctx, r, pol, KindTimeout, err)
	}
	r.score = &model.Score{
		TransactionID: r.tx.ID,
		Probability:   p,
		ModelVersion:  m.Version(),
		ComputedAt:    o.now().UTC(),
	}
	r.enter(Scored)
	metrics.RiskScore.Observe(p)

	// Explain.
	expl, err := o.explain(budget, m, vec, p)
	if err != nil {
		return o.degrade(ctx, r, pol, KindInternal, err)
	}
	r.expl = expl
	r.enter(Explained)

	// Decide.
	r.dec = pol.Evaluate(r.tx.ID, p, expl)
	r.enter(Decided)

	return o.commit(ctx, r)
}

func (o *Orchestrator) featurize(ctx context.Context, tx *transaction.Transaction) (*features.Vector, error) {
	defer metrics.ObserveStage("features", time.Now())
	ctx, span := traces.StartSpan(ctx, "pipeline.features")
	defer span.End()

	vec, err := o.extractor.Extract(ctx, tx)
	if err != nil {
		traces.Fail(span, err)
	}
	return vec, err
}

func (o *Orchestrator) predict(ctx context.Context, m model.Model, vec *features.Vector) (float64, error) {
	defer metrics.ObserveStage("score", time.Now())
	_, span := traces.StartSpan(ctx, "pipeline.score", traces.ModelVersion(m.Version()))
	defer span.End()

	p, err := m.Predict(vec)
	if err != nil {
		traces.Fail(span, err)
		return 0, err
	}
	span.SetAttributes(traces.Score(p))
	return p, nil
}

func (o *Orchestrator) explain(ctx context.Context, m model.Model, vec *features.Vector, p float64) (*explain.Explanation, error) {
	defer metrics.ObserveStage("explain", time.Now())
	_, span := traces.StartSpan(ctx, "pipeline.explain")
	defer span.End()

	expl, err := o.explainer.Explain(m, vec, p)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	metrics.ExplanationsTotal.WithLabelValues(string(expl.Method)).Inc()
	return expl, nil
}

// degrade replaces the run's decision with the policy's safe default and
// audits it. Caller cancellation still aborts, since nothing is committed yet.
func (o *Orchestrator) degrade(ctx context.Context, r *run, pol *policy.Policy, kind Kind, cause error) (*Result, error) {
	if ctx.Err() != nil {
		return nil, o.abandon(ctx, r, ctx.Err())
	}
	if kind == KindInvalidTransaction || kind == KindCanceled || kind == KindAuditWriteFailure {
		kind = KindInternal
	}
	metrics.PipelineFailuresTotal.WithLabelValues(string(kind)).Inc()
	logging.L(ctx).Warn("degraded decision",
		"kind", kind, "stage", r.states[len(r.states)-1], "error", cause)

	r.kind = kind
	r.expl = nil
	r.dec = pol.SafeDefault(r.tx.ID, string(kind))
	r.enter(Decided)
	return o.commit(ctx, r)
}

// commit audits the decision. Once the write starts, caller cancellation
// no longer applies.
func (o *Orchestrator) commit(ctx context.Context, r *run) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, o.abandon(ctx, r, err)
	}

	start := time.Now()
	actx, span := traces.StartSpan(ctx, "pipeline.audit")
	rec, err := o.recorder.Record(actx, &audit.Record{
		Transaction: r.tx,
		Features:    r.vec,
		Score:       r.score,
		Explanation: r.expl,
		Decision:    r.dec,
		FailureKind: string(r.kind),
	})
	metrics.ObserveStage("audit", start)
	if err != nil {
		traces.Fail(span, err)
		span.End()
		r.enter(Failed)
		metrics.PipelineFailuresTotal.WithLabelValues(string(KindAuditWriteFailure)).Inc()
		o.stats.recordFailure(KindAuditWriteFailure)
		logging.L(ctx).Error("decision not committed", "outcome", r.dec.Outcome, "error", err)
		return nil, &Error{Kind: KindAuditWriteFailure, Stage: Decided, Err: err}
	}
	span.SetAttributes(traces.Stream(rec.Stream))
	span.End()
	r.enter(Audited)
	r.enter(Completed)

	res := resultFromRecord(rec)
	res.States = r.states
	res.Elapsed = o.now().Sub(r.start)

	metrics.DecisionsTotal.WithLabelValues(string(r.dec.Outcome), strconv.FormatBool(r.dec.Degraded)).Inc()
	o.stats.recordDecision(res, r.tx)
	if o.publisher != nil {
		o.publisher.PublishDecision(res)
	}
	logging.L(ctx).Info("decision committed",
		"outcome", res.Decision.Outcome,
		"score", res.Decision.Score,
		"degraded", res.Decision.Degraded,
		"stream", res.Stream,
		"sequence", res.Sequence,
		"elapsed", res.Elapsed)
	return res, nil
}

// reject logs an invalid transaction as a rejection event. Nothing is
// audited as a decision.
func (o *Orchestrator) reject(ctx context.Context, r *run, err error) error {
	r.enter(Failed)
	metrics.PipelineFailuresTotal.WithLabelValues(string(KindInvalidTransaction)).Inc()
	o.stats.recordFailure(KindInvalidTransaction)
	logging.L(ctx).Warn("transaction rejected",
		"rejection_id", idgen.WithPrefix("rej_"),
		"account_id", r.tx.AccountID,
		"error", err)
	return &Error{Kind: KindInvalidTransaction, Stage: Received, Err: err}
}

// abandon ends a run the caller cancelled before its audit write began.
func (o *Orchestrator) abandon(ctx context.Context, r *run, err error) error {
	stage := r.states[len(r.states)-1]
	r.enter(Failed)
	kind := KindCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	metrics.PipelineFailuresTotal.WithLabelValues(string(kind)).Inc()
	o.stats.recordFailure(kind)
	logging.L(ctx).Info("run abandoned by caller", "stage", stage, "error", err)
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (o *Orchestrator) dedupes() bool { return o.cfg.Dedupe && o.lookup != nil }

// duplicate returns the stored decision for tx.ID. An id already audited
// for a different account is an error.
func (o *Orchestrator) duplicate(ctx context.Context, tx *transaction.Transaction) (*Result, bool, error) {
	rec, err := o.lookup.FindByTransaction(ctx, tx.ID)
	if err != nil {
		if !errors.Is(err, audit.ErrNotFound) {
			logging.L(ctx).Warn("duplicate lookup failed", "error", err)
		}
		return nil, false, nil
	}
	if rec.Transaction != nil && rec.Transaction.AccountID != tx.AccountID {
		return nil, false, fmt.Errorf("%w: audited for account %s", ErrReusedTransactionID, rec.Transaction.AccountID)
	}
	res := resultFromRecord(rec)
	res.Duplicate = true
	return res, true, nil
}
