// Package policy maps a risk score to an allow, review or block decision.
// Evaluation is a pure function of the score, its explanation and the
// configured thresholds, so stored decisions can be re-evaluated offline.
package policy

import (
	"errors"
	"fmt"

	"github.com/kshalu/fraudscope/internal/explain"
)

// ErrInvalidThresholds is returned for thresholds outside 0 <= allow <= block <= 1.
var ErrInvalidThresholds = errors.New("policy: invalid thresholds")

// Outcome is the action taken on a transaction.
type Outcome string

const (
	Allow  Outcome = "allow"
	Review Outcome = "review"
	Block  Outcome = "block"
)

// Thresholds split [0,1] into allow, review and block bands. Each boundary
// belongs to the stricter band: a score equal to AllowBelow is reviewed and
// a score equal to BlockAbove is blocked.
type Thresholds struct {
	Version    string  `json:"version"`
	AllowBelow float64 `json:"allowBelow"`
	BlockAbove float64 `json:"blockAbove"`
}

// Validate checks the band ordering.
func (t Thresholds) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: version required", ErrInvalidThresholds)
	}
	if t.AllowBelow < 0 || t.BlockAbove > 1 || t.AllowBelow > t.BlockAbove {
		return fmt.Errorf("%w: need 0 <= allowBelow (%v) <= blockAbove (%v) <= 1",
			ErrInvalidThresholds, t.AllowBelow, t.BlockAbove)
	}
	return nil
}

// Classify returns the band for score.
func (t Thresholds) Classify(score float64) Outcome {
	switch {
	case score >= t.BlockAbove:
		return Block
	case score >= t.AllowBelow:
		return Review
	default:
		return Allow
	}
}

// Decision is the policy output for one transaction. DecidedAt is stamped by
// the caller so Evaluate stays pure.
type Decision struct {
	TransactionID    string   `json:"transactionId"`
	Outcome          Outcome  `json:"outcome"`
	Score            float64  `json:"score"`
	ThresholdVersion string   `json:"thresholdVersion"`
	PolicyVersion    string   `json:"policyVersion"`
	Degraded         bool     `json:"degraded,omitempty"`
	ReasonCodes      []string `json:"reasonCodes"`
}

// Policy evaluates decisions against one set of thresholds.
type Policy struct {
	Version    string
	Thresholds Thresholds
	// TopReasons is how many explanation features become reason codes.
	TopReasons int
}

// New validates thresholds and returns a policy.
func New(version string, t Thresholds) (*Policy, error) {
	if version == "" {
		return nil, errors.New("policy: version required")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Policy{Version: version, Thresholds: t, TopReasons: explain.MinTopK}, nil
}

// Evaluate decides on score. The top explanation features are copied onto
// the decision as reason codes.
func (p *Policy) Evaluate(txID string, score float64, expl *explain.Explanation) Decision {
	d := Decision{
		TransactionID:    txID,
		Outcome:          p.Thresholds.Classify(score),
		Score:            score,
		ThresholdVersion: p.Thresholds.Version,
		PolicyVersion:    p.Version,
		ReasonCodes:      []string{},
	}
	if expl != nil {
		for _, c := range expl.Top(p.TopReasons) {
			d.ReasonCodes = append(d.ReasonCodes, c.Feature)
		}
	}
	return d
}

// SafeDefault is the decision used when no trustworthy score exists. It
// never allows.
func (p *Policy) SafeDefault(txID, reason string) Decision {
	return Decision{
		TransactionID:    txID,
		Outcome:          Review,
		ThresholdVersion: p.Thresholds.Version,
		PolicyVersion:    p.Version,
		Degraded:         true,
		ReasonCodes:      []string{reason},
	}
}

// Reevaluate recomputes a stored decision. Degraded decisions had no
// trustworthy score and replay to the safe default with their original reason.
func (p *Policy) Reevaluate(stored Decision, expl *explain.Explanation) Decision {
	if stored.Degraded {
		reason := ""
		if len(stored.ReasonCodes) > 0 {
			reason = stored.ReasonCodes[0]
		}
		return p.SafeDefault(stored.TransactionID, reason)
	}
	return p.Evaluate(stored.TransactionID, stored.Score, expl)
}

// Same reports whether two decisions agree on outcome and reasons.
func Same(a, b Decision) bool {
	if a.Outcome != b.Outcome || a.Degraded != b.Degraded || len(a.ReasonCodes) != len(b.ReasonCodes) {
		return false
	}
	for i := range a.ReasonCodes {
		if a.ReasonCodes[i] != b.ReasonCodes[i] {
			return false
		}
	}
	return true
}
