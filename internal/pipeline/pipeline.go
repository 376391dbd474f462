// Package pipeline runs one transaction through feature extraction,
// scoring, explanation, decision and audit, in that order, under a latency
// budget. A decision is only handed back once its audit record is committed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/explain"
	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// State is a step of a run.
type State string

const (
	Received   State = "received"
	Featurized State = "featurized"
	Scored     State = "scored"
	Explained  State = "explained"
	Decided    State = "decided"
	Audited    State = "audited"
	Completed  State = "completed"
	Failed     State = "failed"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindInvalidTransaction   Kind = "invalid_transaction"
	KindFeatureShapeMismatch Kind = "feature_shape_mismatch"
	KindModelUnavailable     Kind = "model_unavailable"
	KindTimeout              Kind = "timeout"
	KindAuditWriteFailure    Kind = "audit_write_failure"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

// Error is returned when a run ends without a committed decision.
type Error struct {
	Kind  Kind
	Stage State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrReusedTransactionID rejects a transaction whose id was already
// audited for another account.
var ErrReusedTransactionID = fmt.Errorf("%w: transaction id reused", transaction.ErrInvalid)

// KindOf returns the failure kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// classify maps a component error to a failure kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, transaction.ErrInvalid), errors.Is(err, features.ErrInvalidTransaction):
		return KindInvalidTransaction
	case errors.Is(err, model.ErrFeatureShapeMismatch):
		return KindFeatureShapeMismatch
	case errors.Is(err, model.ErrModelUnavailable), errors.Is(err, model.ErrUnknownVersion):
		return KindModelUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, audit.ErrWriteFailure):
		return KindAuditWriteFailure
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Result is a committed decision.
type Result struct {
	Decision    policy.Decision      `json:"decision"`
	Score       *model.Score         `json:"score,omitempty"`
	RiskPoints  int                  `json:"riskPoints"`
	Explanation *explain.Explanation `json:"explanation,omitempty"`
	Features    *features.Vector     `json:"features,omitempty"`
	// FailureKind is set on degraded decisions.
	FailureKind Kind `json:"failureKind,omitempty"`

	AuditID   string    `json:"auditId"`
	Stream    int       `json:"stream"`
	Sequence  int64     `json:"sequence"`
	Hash      string    `json:"hash"`
	DecidedAt time.Time `json:"decidedAt"`
	// Duplicate is set when the transaction had already been decided and
	// the stored decision is returned instead of scoring again.
	Duplicate bool `json:"duplicate,omitempty"`

	AccountID string        `json:"accountId"`
	Amount    string        `json:"amount"`
	States    []State       `json:"-"`
	Elapsed   time.Duration `json:"-"`
}

func resultFromRecord(rec *audit.Record) *Result {
	r := &Result{
		Decision:    rec.Decision,
		Score:       rec.Score,
		Explanation: rec.Explanation,
		Features:    rec.Features,
		FailureKind: Kind(rec.FailureKind),
		AuditID:     rec.ID,
		Stream:      rec.Stream,
		Sequence:    rec.Sequence,
		Hash:        rec.Hash,
		DecidedAt:   rec.RecordedAt,
	}
	if rec.Score != nil {
		r.RiskPoints = rec.Score.RiskPoints()
	}
	if rec.Transaction != nil {
		r.AccountID = rec.Transaction.AccountID
		r.Amount = rec.Transaction.Amount.String()
	}
	return r
}

// FeatureExtractor produces the feature vector for a transaction and folds
// it into the account profile.
type FeatureExtractor interface {
	Extract(ctx context.Context, tx *transaction.Transaction) (*features.Vector, error)
}

// ModelSource yields the active model.
type ModelSource interface {
	Current() (model.Model, error)
}

// AuditRecorder commits audit records.
type AuditRecorder interface {
	Record(ctx context.Context, draft *audit.Record) (*audit.Record, error)
}

// AuditLookup finds the stored decision for a transaction.
type AuditLookup interface {
	FindByTransaction(ctx context.Context, txID string) (*audit.Record, error)
}

// Publisher receives every committed result.
type Publisher interface {
	PublishDecision(r *Result)
}
