// Package model scores feature vectors. Models are immutable once loaded
// and are selected through a Registry that swaps the active version
// atomically.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kshalu/fraudscope/internal/features"
)

var (
	// ErrModelUnavailable is returned when no model version is active.
	ErrModelUnavailable = errors.New("model: no model loaded")
	// ErrFeatureShapeMismatch is returned when a vector does not match the
	// schema the model was built for.
	ErrFeatureShapeMismatch = errors.New("model: feature shape mismatch")
	// ErrUnknownVersion is returned when activating a version that cannot be found.
	ErrUnknownVersion = errors.New("model: unknown version")
)

// Kind tags a model variant.
type Kind string

const (
	KindBaseline        Kind = "baseline"
	KindIsolationForest Kind = "isolation_forest"
)

// Model maps a feature vector to a risk probability in [0,1]. Predict is a
// pure function of the loaded parameters and its input.
type Model interface {
	Version() string
	Kind() Kind
	// Schema is the feature schema tag the model expects.
	Schema() string
	Predict(v *features.Vector) (float64, error)
	// Reference returns the feature values of a typical transaction and the
	// score the model gives it. Attributions are measured against it.
	Reference() (values []float64, score float64)
	// Decompose returns per-feature contributions that sum to
	// Predict(v) - reference score. ok is false for models that cannot be
	// decomposed exactly.
	Decompose(v *features.Vector) (contribs []float64, ok bool)
}

// Score is the output of one prediction.
type Score struct {
	TransactionID string    `json:"transactionId"`
	Probability   float64   `json:"probability"`
	ModelVersion  string    `json:"modelVersion"`
	ComputedAt    time.Time `json:"computedAt"`
}

// RiskPoints returns the probability on a 0-100 scale.
func (s *Score) RiskPoints() int {
	return int(s.Probability*100 + 0.5)
}

// Params is the on-disk envelope for a model parameter set.
type Params struct {
	Version         string          `json:"version"`
	Kind            Kind            `json:"kind"`
	Schema          string          `json:"schema"`
	Features        []string        `json:"features"`
	Baseline        *BaselineParams `json:"baseline,omitempty"`
	IsolationForest *ForestParams   `json:"isolationForest,omitempty"`
}

// Decode builds a model from a JSON parameter set.
func Decode(data []byte) (Model, error) {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("model: decode params: %w", err)
	}
	return Build(&p)
}

// Build constructs the variant named by p.Kind.
func Build(p *Params) (Model, error) {
	if p.Version == "" {
		return nil, errors.New("model: params missing version")
	}
	if p.Schema == "" {
		p.Schema = features.SchemaV1
	}
	if len(p.Features) == 0 {
		p.Features = features.Names
	}
	switch p.Kind {
	case KindBaseline:
		if p.Baseline == nil {
			return nil, fmt.Errorf("model %s: missing baseline params", p.Version)
		}
		return newBaseline(p.Version, p.Schema, p.Features, *p.Baseline)
	case KindIsolationForest:
		if p.IsolationForest == nil {
			return nil, fmt.Errorf("model %s: missing isolationForest params", p.Version)
		}
		return newForest(p.Version, p.Schema, p.Features, p.IsolationForest)
	default:
		return nil, fmt.Errorf("model %s: unknown kind %q", p.Version, p.Kind)
	}
}

func checkShape(v *features.Vector, schema string, width int) error {
	if err := v.CheckShape(schema, width); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureShapeMismatch, err)
	}
	return nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
