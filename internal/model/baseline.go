package model

import (
	"fmt"

	"github.com/kshalu/fraudscope/internal/features"
)

// Rule scores one feature with a linear ramp between Low and High.
// A value at or below Low contributes nothing, at or above High the full
// Weight. ColdStart is the contribution used when the feature has no history.
type Rule struct {
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
	Weight    float64 `json:"weight"`
	ColdStart float64 `json:"coldStart"`
}

func (r Rule) contribution(x float64, cold bool) float64 {
	if cold {
		return r.ColdStart
	}
	if r.High <= r.Low {
		// Unset rule.
		return 0
	}
	return r.Weight * clamp01((x-r.Low)/(r.High-r.Low))
}

// BaselineParams configures the rule-based model. Rules are keyed by
// feature name; features without a rule contribute nothing.
type BaselineParams struct {
	Bias  float64         `json:"bias"`
	Rules map[string]Rule `json:"rules"`
}

// Baseline is an additive weighted-threshold model that needs no training.
type Baseline struct {
	version string
	schema  string
	bias    float64
	rules   []Rule // aligned with feature order
	ref     []float64
}

func newBaseline(version, schema string, names []string, p BaselineParams) (*Baseline, error) {
	if p.Bias < 0 || p.Bias > 1 {
		return nil, fmt.Errorf("model %s: bias %v outside [0,1]", version, p.Bias)
	}
	b := &Baseline{
		version: version,
		schema:  schema,
		bias:    p.Bias,
		rules:   make([]Rule, len(names)),
		ref:     make([]float64, len(names)),
	}
	for name := range p.Rules {
		found := false
		for _, n := range names {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("model %s: rule for unknown feature %q", version, name)
		}
	}
	for i, name := range names {
		r, ok := p.Rules[name]
		if !ok {
			continue
		}
		if r.High <= r.Low {
			return nil, fmt.Errorf("model %s: rule %s high must exceed low", version, name)
		}
		b.rules[i] = r
		b.ref[i] = r.Low
	}
	return b, nil
}

func (b *Baseline) Version() string { return b.version }
func (b *Baseline) Kind() Kind      { return KindBaseline }
func (b *Baseline) Schema() string  { return b.schema }

func (b *Baseline) Reference() ([]float64, float64) {
	return append([]float64(nil), b.ref...), b.bias
}

func (b *Baseline) raw(v *features.Vector) ([]float64, float64) {
	contribs := make([]float64, len(b.rules))
	total := b.bias
	for i, r := range b.rules {
		contribs[i] = r.contribution(v.Values[i], v.ColdStart[i])
		total += contribs[i]
	}
	return contribs, total
}

func (b *Baseline) Predict(v *features.Vector) (float64, error) {
	if err := checkShape(v, b.schema, len(b.rules)); err != nil {
		return 0, err
	}
	_, total := b.raw(v)
	return clamp01(total), nil
}

// Decompose returns the rule contributions. When the total is clamped the
// contributions are scaled so they still sum to score - bias.
func (b *Baseline) Decompose(v *features.Vector) ([]float64, bool) {
	if checkShape(v, b.schema, len(b.rules)) != nil {
		return nil, false
	}
	contribs, total := b.raw(v)
	score := clamp01(total)
	if score == total {
		return contribs, true
	}
	sum := total - b.bias
	if sum == 0 {
		return contribs, true
	}
	factor := (score - b.bias) / sum
	for i := range contribs {
		contribs[i] *= factor
	}
	return contribs, true
}
