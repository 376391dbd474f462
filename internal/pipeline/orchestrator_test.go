package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/explain"
	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

var (
	t0         = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	newYork    = &transaction.Location{Lat: 40.7128, Lon: -74.0060}
	dallas     = &transaction.Location{Lat: 32.7767, Lon: -96.7970}
	thresholds = policy.Thresholds{Version: "t1", AllowBelow: 0.3, BlockAbove: 0.8}
)

type env struct {
	orch     *Orchestrator
	audit    *audit.MemoryStore
	registry *model.Registry
	profiles *features.MemoryStore
}

type envOption func(*envConfig)

type envConfig struct {
	cfg       Config
	extractor FeatureExtractor
	recorder  AuditRecorder
	noModel   bool
	opts      []Option
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	ec := &envConfig{cfg: Config{LatencyBudget: time.Second, Dedupe: true}}
	for _, o := range opts {
		o(ec)
	}

	profiles := features.NewMemoryStore()
	if ec.extractor == nil {
		ec.extractor = features.NewExtractor(features.DefaultConfig(), profiles, nil)
	}

	registry := model.NewRegistry(nil, nil)
	if !ec.noModel {
		data, err := os.ReadFile("../../models/baseline-v1.json")
		require.NoError(t, err)
		m, err := model.Decode(data)
		require.NoError(t, err)
		registry.Add(m)
		_, err = registry.Activate(m.Version())
		require.NoError(t, err)
	}

	store := audit.NewMemoryStore()
	if ec.recorder == nil {
		acfg := audit.DefaultConfig()
		acfg.BaseDelay = time.Millisecond
		ec.recorder = audit.NewRecorder(store, acfg, nil)
	}

	pol, err := policy.New("p1", thresholds)
	require.NoError(t, err)

	orch := New(ec.cfg, ec.extractor, registry, explain.New(explain.Config{Samples: 64, Seed: 7}),
		pol, ec.recorder, append([]Option{WithLookup(store)}, ec.opts...)...)
	return &env{orch: orch, audit: store, registry: registry, profiles: profiles}
}

func txn(id, acct string, at time.Time, amount string, loc *transaction.Location) *transaction.Transaction {
	return &transaction.Transaction{
		ID:               id,
		Timestamp:        at,
		AccountID:        acct,
		Amount:           decimal.RequireFromString(amount),
		Currency:         "USD",
		MerchantCategory: "5411",
		Location:         loc,
		Channel:          transaction.ChannelCardPresent,
	}
}

// seedHistory gives acct twenty hourly $40/$60 purchases in New York,
// ending at t0+19h. The 24h average is $50.
func seedHistory(t *testing.T, e *env, acct string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		amount := "40.00"
		if i%2 == 1 {
			amount = "60.00"
		}
		_, err := e.orch.Score(context.Background(),
			txn(fmt.Sprintf("%s-h%02d", acct, i), acct, t0.Add(time.Duration(i)*time.Hour), amount, newYork))
		require.NoError(t, err)
	}
}

func TestScore_LargeDistantPurchaseIsBlocked(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e, "acct-1")

	res, err := e.orch.Score(context.Background(), txn("big", "acct-1", t0.Add(20*time.Hour), "5000.00", dallas))
	require.NoError(t, err)

	assert.Equal(t, policy.Block, res.Decision.Outcome)
	assert.Greater(t, res.Score.Probability, thresholds.BlockAbove)
	assert.False(t, res.Decision.Degraded)
	require.NotEmpty(t, res.Explanation.Contributions)
	top := res.Explanation.Contributions[0].Feature
	assert.Contains(t, []string{features.AmountZScore, features.GeoDistanceKm}, top)
	assert.Equal(t, top, res.Decision.ReasonCodes[0])
	assert.InDelta(t, res.Score.Probability, res.Explanation.Total(), 1e-6)
	assert.Equal(t, res.Score.RiskPoints(), res.RiskPoints)
}

func TestScore_SmallLocalPurchaseIsAllowed(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e, "acct-2")

	res, err := e.orch.Score(context.Background(), txn("small", "acct-2", t0.Add(20*time.Hour), "12.00", newYork))
	require.NoError(t, err)

	assert.Equal(t, policy.Allow, res.Decision.Outcome)
	assert.Less(t, res.Score.Probability, thresholds.AllowBelow)
}

func TestScore_DecisionIsAudited(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Score(context.Background(), txn("tx-1", "acct-3", t0, "25.00", newYork))
	require.NoError(t, err)

	assert.Equal(t, []State{Received, Featurized, Scored, Explained, Decided, Audited, Completed}, res.States)

	rec, err := e.audit.Get(context.Background(), res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, rec.Hash)
	assert.Equal(t, res.Decision, rec.Decision)
	assert.Equal(t, "tx-1", rec.Transaction.ID)
	assert.NotNil(t, rec.Features)
	assert.NotNil(t, rec.Explanation)
}

func TestScore_InvalidTransactionIsRejected(t *testing.T) {
	e := newEnv(t)
	tx := txn("bad", "acct-4", t0, "10.00", nil)
	tx.Currency = "XXXX"

	res, err := e.orch.Score(context.Background(), tx)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, KindInvalidTransaction, KindOf(err))

	_, err = e.audit.FindByTransaction(context.Background(), "bad")
	assert.ErrorIs(t, err, audit.ErrNotFound)
	assert.Equal(t, int64(1), e.orch.Stats().Snapshot().Failures[KindInvalidTransaction])
}

func TestScore_OutOfOrderIsRejected(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Score(context.Background(), txn("t1", "acct-5", t0.Add(time.Hour), "10.00", nil))
	require.NoError(t, err)

	_, err = e.orch.Score(context.Background(), txn("t0", "acct-5", t0, "10.00", nil))
	assert.Equal(t, KindInvalidTransaction, KindOf(err))
}

func TestScore_NoModelDegradesToReview(t *testing.T) {
	e := newEnv(t, func(c *envConfig) { c.noModel = true })

	res, err := e.orch.Score(context.Background(), txn("tx", "acct-6", t0, "10.00", nil))
	require.NoError(t, err)
	assert.Equal(t, policy.Review, res.Decision.Outcome)
	assert.True(t, res.Decision.Degraded)
	assert.Equal(t, KindModelUnavailable, res.FailureKind)

	rec, err := e.audit.Get(context.Background(), res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, string(KindModelUnavailable), rec.FailureKind)
	assert.Nil(t, rec.Score)
}

type staleModel struct{ model.Model }

func (staleModel) Version() string { return "stale" }

func (staleModel) Predict(v *features.Vector) (float64, error) {
	return 0, fmt.Errorf("%w: want fv0", model.ErrFeatureShapeMismatch)
}

type fixedModels struct{ m model.Model }

func (f fixedModels) Current() (model.Model, error) { return f.m, nil }

func TestScore_ShapeMismatchDegradesToReview(t *testing.T) {
	e := newEnv(t)
	e.orch.models = fixedModels{m: staleModel{}}

	res, err := e.orch.Score(context.Background(), txn("tx", "acct-7", t0, "10.00", nil))
	require.NoError(t, err)
	assert.Equal(t, policy.Review, res.Decision.Outcome)
	assert.Equal(t, KindFeatureShapeMismatch, res.FailureKind)
	assert.NotNil(t, res.Features, "vector is kept for the audit trail")
}

// slowExtractor blocks until its context is done.
type slowExtractor struct{}

func (slowExtractor) Extract(ctx context.Context, tx *transaction.Transaction) (*features.Vector, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScore_BudgetExceededDegradesToReview(t *testing.T) {
	e := newEnv(t, func(c *envConfig) {
		c.cfg.LatencyBudget = 10 * time.Millisecond
		c.extractor = slowExtractor{}
	})

	res, err := e.orch.Score(context.Background(), txn("tx", "acct-8", t0, "10.00", nil))
	require.NoError(t, err)
	assert.Equal(t, policy.Review, res.Decision.Outcome)
	assert.True(t, res.Decision.Degraded)
	assert.Equal(t, KindTimeout, res.FailureKind)
	assert.Equal(t, []State{Received, Decided, Audited, Completed}, res.States)
}

func TestScore_CallerCancellationBeforeAudit(t *testing.T) {
	e := newEnv(t, func(c *envConfig) { c.extractor = slowExtractor{} })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := e.orch.Score(ctx, txn("tx", "acct-9", t0, "10.00", nil))
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))

	_, err = e.audit.FindByTransaction(context.Background(), "tx")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(ctx context.Context, draft *audit.Record) (*audit.Record, error) {
	f.calls++
	return draft, fmt.Errorf("%w: store down", audit.ErrWriteFailure)
}

func TestScore_AuditFailureReturnsNoDecision(t *testing.T) {
	rec := &failingRecorder{}
	e := newEnv(t, func(c *envConfig) { c.recorder = rec })

	res, err := e.orch.Score(context.Background(), txn("tx", "acct-10", t0, "10.00", nil))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, KindAuditWriteFailure, KindOf(err))
	assert.ErrorIs(t, err, audit.ErrWriteFailure)
	assert.Equal(t, 1, rec.calls)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, Decided, pe.Stage)
}

func TestScore_DuplicateReturnsStoredDecision(t *testing.T) {
	e := newEnv(t)
	tx := txn("dup", "acct-11", t0, "10.00", newYork)

	first, err := e.orch.Score(context.Background(), tx)
	require.NoError(t, err)
	second, err := e.orch.Score(context.Background(), tx)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.AuditID, second.AuditID)
	assert.Equal(t, first.Decision, second.Decision)

	p, err := e.profiles.Load(context.Background(), "acct-11")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TxnCount, "profile is not updated twice")
}

// laggingExtractor stalls before delegating, like a remote profile store.
type laggingExtractor struct {
	next  FeatureExtractor
	delay time.Duration
}

func (l laggingExtractor) Extract(ctx context.Context, tx *transaction.Transaction) (*features.Vector, error) {
	time.Sleep(l.delay)
	return l.next.Extract(ctx, tx)
}

func TestScore_ConcurrentRedeliveryAuditedOnce(t *testing.T) {
	profiles := features.NewMemoryStore()
	e := newEnv(t, func(c *envConfig) {
		c.extractor = laggingExtractor{
			next:  features.NewExtractor(features.DefaultConfig(), profiles, nil),
			delay: 5 * time.Millisecond,
		}
	})
	tx := txn("same", "acct-d", t0, "25.00", newYork)

	const n = 4
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.orch.Score(context.Background(), tx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		if !res.Duplicate {
			fresh++
		}
		assert.Equal(t, results[0].AuditID, res.AuditID)
	}
	assert.Equal(t, 1, fresh, "exactly one run scores the transaction")

	var records int
	for s := 0; s < audit.DefaultConfig().Streams; s++ {
		page, err := e.audit.List(context.Background(), s, 0, 100)
		require.NoError(t, err)
		for _, rec := range page {
			if rec.Decision.TransactionID == "same" {
				records++
			}
		}
	}
	assert.Equal(t, 1, records)

	p, err := profiles.Load(context.Background(), "acct-d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TxnCount)
}

func TestScore_ReusedIDFromOtherAccountIsRejected(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Score(context.Background(), txn("shared", "acct-a", t0, "10.00", newYork))
	require.NoError(t, err)

	res, err := e.orch.Score(context.Background(), txn("shared", "acct-b", t0, "10.00", newYork))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, KindInvalidTransaction, KindOf(err))
	assert.ErrorIs(t, err, ErrReusedTransactionID)

	_, err = e.profiles.Load(context.Background(), "acct-b")
	assert.ErrorIs(t, err, features.ErrProfileNotFound)
}

type capturePublisher struct {
	mu      sync.Mutex
	results []*Result
}

func (c *capturePublisher) PublishDecision(r *Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func TestScore_PublishesCommittedDecisions(t *testing.T) {
	pub := &capturePublisher{}
	e := newEnv(t, func(c *envConfig) { c.opts = append(c.opts, WithPublisher(pub)) })

	_, err := e.orch.Score(context.Background(), txn("tx", "acct-12", t0, "10.00", nil))
	require.NoError(t, err)
	require.Len(t, pub.results, 1)
	assert.Equal(t, "tx", pub.results[0].Decision.TransactionID)
}

func TestScore_ConcurrentAccountsAllAudited(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for a := 0; a < 8; a++ {
		acct := fmt.Sprintf("acct-c%d", a)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				_, err := e.orch.Score(ctx, txn(fmt.Sprintf("%s-%d", acct, i), acct,
					t0.Add(time.Duration(i)*time.Minute), "20.00", newYork))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	snap := e.orch.Stats().Snapshot()
	assert.Equal(t, int64(120), snap.Total)

	v := audit.NewVerifier(nil)
	records := 0
	for s := 0; s < audit.DefaultConfig().Streams; s++ {
		report, err := v.VerifyStream(ctx, e.audit, s, 0)
		require.NoError(t, err)
		assert.True(t, report.Valid)
		records += report.Records
	}
	assert.Equal(t, 120, records)

	for a := 0; a < 8; a++ {
		p, err := e.profiles.Load(ctx, fmt.Sprintf("acct-c%d", a))
		require.NoError(t, err)
		assert.Equal(t, int64(15), p.TxnCount)
	}
}

func TestScore_Deterministic(t *testing.T) {
	a := newEnv(t)
	b := newEnv(t)
	seedHistory(t, a, "acct-d")
	seedHistory(t, b, "acct-d")

	tx := txn("repeat", "acct-d", t0.Add(20*time.Hour), "750.00", dallas)
	ra, err := a.orch.Score(context.Background(), tx)
	require.NoError(t, err)
	rb, err := b.orch.Score(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, ra.Score.Probability, rb.Score.Probability)
	assert.Equal(t, ra.Explanation.Contributions, rb.Explanation.Contributions)
}

func TestStats_Snapshot(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e, "acct-s")
	_, err := e.orch.Score(context.Background(), txn("big", "acct-s", t0.Add(20*time.Hour), "5000.00", dallas))
	require.NoError(t, err)

	snap := e.orch.Stats().Snapshot()
	assert.Equal(t, int64(21), snap.Total)
	assert.Equal(t, int64(1), snap.Flagged)
	assert.InDelta(t, 1.0/21, snap.FlaggedRate, 1e-9)
	// (10*40 + 10*60 + 5000) / 21
	assert.Equal(t, "285.71", snap.AverageAmount)
}
