// Package explain attributes a risk score to the features that produced it.
//
// Additive models are decomposed exactly. Other models get a sampled
// permutation attribution: each sample walks the features in a random order
// from the model's reference transaction to the scored one and credits
// every feature with the change in score it caused. The per-sample credits
// telescope, so contributions always sum to score - reference. The random
// order is seeded from the transaction id, which makes explanations
// reproducible.
package explain

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/model"
)

// Method names how contributions were obtained.
type Method string

const (
	MethodExact   Method = "exact"
	MethodSampled Method = "sampled"
	MethodSkipped Method = "skipped"
)

// Direction is the sign of a contribution.
type Direction string

const (
	Increases Direction = "increases"
	Decreases Direction = "decreases"
	Neutral   Direction = "neutral"
)

// MinTopK is the least number of contributions callers should surface.
const MinTopK = 3

// Contribution is one feature's share of the score.
type Contribution struct {
	Feature   string    `json:"feature"`
	Value     float64   `json:"value"`
	ColdStart bool      `json:"coldStart,omitempty"`
	Weight    float64   `json:"weight"`
	Direction Direction `json:"direction"`
	Reason    string    `json:"reason"`
}

// Explanation is the ranked attribution of one score.
type Explanation struct {
	TransactionID string         `json:"transactionId"`
	ModelVersion  string         `json:"modelVersion"`
	Reference     float64        `json:"reference"`
	Score         float64        `json:"score"`
	Method        Method         `json:"method"`
	Approximate   bool           `json:"approximate"`
	Samples       int            `json:"samples,omitempty"`
	Seed          uint64         `json:"seed,omitempty"`
	Contributions []Contribution `json:"contributions"`
}

// Top returns the k strongest contributions, never fewer than MinTopK when
// that many exist.
func (e *Explanation) Top(k int) []Contribution {
	if k < MinTopK {
		k = MinTopK
	}
	if k > len(e.Contributions) {
		k = len(e.Contributions)
	}
	return e.Contributions[:k]
}

// Total returns reference plus the sum of contribution weights.
func (e *Explanation) Total() float64 {
	sum := e.Reference
	for _, c := range e.Contributions {
		sum += c.Weight
	}
	return sum
}

// Config controls the explainer.
type Config struct {
	// Samples is the number of permutations for non-additive models.
	Samples int `koanf:"samples"`
	// Seed is mixed into every per-transaction seed.
	Seed uint64 `koanf:"seed"`
	// BenignCutoff: sampled attribution is skipped for scores at or below it.
	BenignCutoff float64 `koanf:"benign_cutoff"`
}

// Explainer produces explanations. It holds no mutable state.
type Explainer struct {
	cfg Config
}

// New creates an explainer.
func New(cfg Config) *Explainer {
	if cfg.Samples <= 0 {
		cfg.Samples = 64
	}
	return &Explainer{cfg: cfg}
}

// Explain attributes score, which m produced for v.
func (x *Explainer) Explain(m model.Model, v *features.Vector, score float64) (*Explanation, error) {
	_, refScore := m.Reference()
	e := &Explanation{
		TransactionID: v.TransactionID,
		ModelVersion:  m.Version(),
		Reference:     refScore,
		Score:         score,
	}

	weights, exact := m.Decompose(v)
	switch {
	case exact:
		e.Method = MethodExact
	case score <= x.cfg.BenignCutoff:
		e.Method = MethodSkipped
		e.Approximate = true
		e.Contributions = []Contribution{}
		return e, nil
	default:
		seed := SeedFor(v.TransactionID, x.cfg.Seed)
		var err error
		weights, err = x.sample(m, v, seed)
		if err != nil {
			return nil, err
		}
		e.Method = MethodSampled
		e.Approximate = true
		e.Samples = x.cfg.Samples
		e.Seed = seed
	}

	e.Contributions = make([]Contribution, len(weights))
	for i, w := range weights {
		e.Contributions[i] = Contribution{
			Feature:   v.Names[i],
			Value:     v.Values[i],
			ColdStart: v.ColdStart[i],
			Weight:    w,
			Direction: direction(w),
			Reason:    Reason(v.Names[i], v.Values[i], v.ColdStart[i]),
		}
	}
	rank(e.Contributions)
	return e, nil
}

// SeedFor derives the sampling seed for a transaction.
func SeedFor(txID string, seed uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(txID))
	return h.Sum64() ^ seed
}

func (x *Explainer) sample(m model.Model, v *features.Vector, seed uint64) ([]float64, error) {
	ref, _ := m.Reference()
	if len(ref) != v.Len() {
		return nil, fmt.Errorf("%w: reference width %d, vector width %d", model.ErrFeatureShapeMismatch, len(ref), v.Len())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	n := v.Len()
	phi := make([]float64, n)
	cur := features.NewVector(v.TransactionID)
	cur.Schema = v.Schema

	for s := 0; s < x.cfg.Samples; s++ {
		for i := range ref {
			cur.Set(i, ref[i])
		}
		prev, err := m.Predict(cur)
		if err != nil {
			return nil, err
		}
		for _, i := range rng.Perm(n) {
			cur.Values[i] = v.Values[i]
			cur.ColdStart[i] = v.ColdStart[i]
			next, err := m.Predict(cur)
			if err != nil {
				return nil, err
			}
			phi[i] += next - prev
			prev = next
		}
	}
	for i := range phi {
		phi[i] /= float64(x.cfg.Samples)
	}
	return phi, nil
}

// rank orders by absolute weight, strongest first. The sort is stable so
// equal magnitudes keep feature declaration order.
func rank(cs []Contribution) {
	slices.SortStableFunc(cs, func(a, b Contribution) int {
		return cmp.Compare(math.Abs(b.Weight), math.Abs(a.Weight))
	})
}

func direction(w float64) Direction {
	switch {
	case w > 0:
		return Increases
	case w < 0:
		return Decreases
	default:
		return Neutral
	}
}
