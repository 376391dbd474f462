package pipeline

import (
	"context"
	"fmt"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/policy"
)

// ReplayResult compares a stored decision with a re-evaluation.
type ReplayResult struct {
	RecordID      string            `json:"recordId"`
	TransactionID string            `json:"transactionId"`
	Thresholds    policy.Thresholds `json:"thresholds"`
	Original      policy.Decision   `json:"original"`
	Replayed      policy.Decision   `json:"replayed"`
	Changed       bool              `json:"changed"`
}

// Replay re-runs only the decision policy over a stored record. With nil
// pol the current policy is used. Replaying with the thresholds the record
// was decided under reproduces the stored decision.
func (o *Orchestrator) Replay(rec *audit.Record, pol *policy.Policy) ReplayResult {
	if pol == nil {
		pol = o.policy.Load()
	}
	return Replay(rec, pol)
}

// Replay is the orchestrator-free form used by offline tools.
func Replay(rec *audit.Record, pol *policy.Policy) ReplayResult {
	replayed := pol.Reevaluate(rec.Decision, rec.Explanation)
	return ReplayResult{
		RecordID:      rec.ID,
		TransactionID: rec.Decision.TransactionID,
		Thresholds:    pol.Thresholds,
		Original:      rec.Decision,
		Replayed:      replayed,
		Changed:       !policy.Same(rec.Decision, replayed),
	}
}

// ReplayByTransaction loads the stored record for txID and replays it.
func (o *Orchestrator) ReplayByTransaction(ctx context.Context, txID string, pol *policy.Policy) (ReplayResult, error) {
	if o.lookup == nil {
		return ReplayResult{}, fmt.Errorf("pipeline: replay needs an audit lookup")
	}
	rec, err := o.lookup.FindByTransaction(ctx, txID)
	if err != nil {
		return ReplayResult{}, err
	}
	return o.Replay(rec, pol), nil
}
