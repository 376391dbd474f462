package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kshalu/fraudscope/internal/policy"
)

func TestReplay_SameThresholdsReproduceDecision(t *testing.T) {
	e := newEnv(t)
	seedHistory(t, e, "acct-r")
	_, err := e.orch.Score(context.Background(), txn("big", "acct-r", t0.Add(20*time.Hour), "5000.00", dallas))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("acct-r-h%02d", i)
		rr, err := e.orch.ReplayByTransaction(context.Background(), id, nil)
		require.NoError(t, err)
		assert.False(t, rr.Changed, id)
		assert.Equal(t, rr.Original, rr.Replayed)
	}
	rr, err := e.orch.ReplayByTransaction(context.Background(), "big", nil)
	require.NoError(t, err)
	assert.False(t, rr.Changed)
	assert.Equal(t, policy.Block, rr.Replayed.Outcome)
}

func TestReplay_NewThresholdsReportChanges(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Score(context.Background(), txn("tx", "acct-r2", t0, "10.00", newYork))
	require.NoError(t, err)
	require.Equal(t, policy.Allow, res.Decision.Outcome)

	strict, err := policy.New("p1", policy.Thresholds{Version: "t2", AllowBelow: 0.01, BlockAbove: 0.9})
	require.NoError(t, err)

	rec, err := e.audit.Get(context.Background(), res.AuditID)
	require.NoError(t, err)
	rr := e.orch.Replay(rec, strict)
	assert.True(t, rr.Changed)
	assert.Equal(t, policy.Review, rr.Replayed.Outcome)
	assert.Equal(t, "t2", rr.Replayed.ThresholdVersion)
}

func TestReplay_DegradedStaysReview(t *testing.T) {
	e := newEnv(t, func(c *envConfig) { c.noModel = true })
	res, err := e.orch.Score(context.Background(), txn("tx", "acct-r3", t0, "10.00", nil))
	require.NoError(t, err)

	rec, err := e.audit.Get(context.Background(), res.AuditID)
	require.NoError(t, err)
	lenient, err := policy.New("p1", policy.Thresholds{Version: "t3", AllowBelow: 0.99, BlockAbove: 1})
	require.NoError(t, err)

	rr := Replay(rec, lenient)
	assert.False(t, rr.Changed)
	assert.Equal(t, policy.Review, rr.Replayed.Outcome)
}
