package pipeline

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// Stats keeps in-process decision counters for the dashboard.
type Stats struct {
	mu        sync.Mutex
	total     int64
	flagged   int64
	degraded  int64
	outcomes  map[policy.Outcome]int64
	failures  map[Kind]int64
	amountSum decimal.Decimal
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Total         int64                    `json:"total"`
	Flagged       int64                    `json:"flagged"`
	FlaggedRate   float64                  `json:"flaggedRate"`
	Degraded      int64                    `json:"degraded"`
	AverageAmount string                   `json:"averageAmount"`
	Outcomes      map[policy.Outcome]int64 `json:"outcomes"`
	Failures      map[Kind]int64           `json:"failures"`
}

func NewStats() *Stats {
	return &Stats{
		outcomes: make(map[policy.Outcome]int64),
		failures: make(map[Kind]int64),
	}
}

func (s *Stats) recordDecision(res *Result, tx *transaction.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.outcomes[res.Decision.Outcome]++
	if res.Decision.Outcome != policy.Allow {
		s.flagged++
	}
	if res.Decision.Degraded {
		s.degraded++
	}
	s.amountSum = s.amountSum.Add(tx.Amount)
}

func (s *Stats) recordFailure(kind Kind) {
	s.mu.Lock()
	s.failures[kind]++
	s.mu.Unlock()
}

// Snapshot copies the counters. Flagged counts review and block decisions.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Total:         s.total,
		Flagged:       s.flagged,
		Degraded:      s.degraded,
		AverageAmount: "0",
		Outcomes:      make(map[policy.Outcome]int64, len(s.outcomes)),
		Failures:      make(map[Kind]int64, len(s.failures)),
	}
	for k, v := range s.outcomes {
		snap.Outcomes[k] = v
	}
	for k, v := range s.failures {
		snap.Failures[k] = v
	}
	if s.total > 0 {
		snap.FlaggedRate = float64(s.flagged) / float64(s.total)
		snap.AverageAmount = s.amountSum.Div(decimal.NewFromInt(s.total)).StringFixed(2)
	}
	return snap
}
