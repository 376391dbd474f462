package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/kshalu/fraudscope/internal/features"
)

// eulerGamma is the Euler-Mascheroni constant used in c(n).
const eulerGamma = 0.5772156649

// Node is one node of an isolation tree.
type Node struct {
	Leaf    bool    `json:"leaf,omitempty"`
	Size    int     `json:"size,omitempty"`
	Feature int     `json:"feature,omitempty"`
	Split   float64 `json:"split,omitempty"`
	Left    *Node   `json:"left,omitempty"`
	Right   *Node   `json:"right,omitempty"`
}

// Calibration maps the raw anomaly score through a logistic curve.
type Calibration struct {
	Slope  float64 `json:"slope"`
	Offset float64 `json:"offset"`
}

// ForestParams are the pinned parameters of an isolation forest.
type ForestParams struct {
	SampleSize int     `json:"sampleSize"`
	Trees      []*Node `json:"trees"`
	// Impute replaces cold-start features before traversal.
	Impute map[string]float64 `json:"impute"`
	// Reference is the typical transaction used as the attribution baseline.
	Reference   map[string]float64 `json:"reference"`
	Calibration *Calibration       `json:"calibration,omitempty"`
}

// Forest is an isolation forest anomaly scorer. Points that isolate in few
// splits are unusual; the score is 2^(-E[h(x)]/c(psi)).
type Forest struct {
	version  string
	schema   string
	width    int
	trees    []*Node
	norm     float64
	impute   []float64
	ref      []float64
	refScore float64
	calib    *Calibration
}

func newForest(version, schema string, names []string, p *ForestParams) (*Forest, error) {
	if len(p.Trees) == 0 {
		return nil, fmt.Errorf("model %s: forest has no trees", version)
	}
	if p.SampleSize < 2 {
		return nil, fmt.Errorf("model %s: sample size %d too small", version, p.SampleSize)
	}
	for i, t := range p.Trees {
		if err := validateTree(t, len(names)); err != nil {
			return nil, fmt.Errorf("model %s: tree %d: %w", version, i, err)
		}
	}

	f := &Forest{
		version: version,
		schema:  schema,
		width:   len(names),
		trees:   p.Trees,
		norm:    cFactor(p.SampleSize),
		impute:  make([]float64, len(names)),
		ref:     make([]float64, len(names)),
		calib:   p.Calibration,
	}
	for i, name := range names {
		f.impute[i] = p.Impute[name]
		f.ref[i] = p.Reference[name]
	}
	f.refScore = f.score(f.ref)
	return f, nil
}

func validateTree(n *Node, width int) error {
	if n == nil {
		return errors.New("nil node")
	}
	if n.Leaf {
		return nil
	}
	if n.Feature < 0 || n.Feature >= width {
		return fmt.Errorf("split on feature %d outside [0,%d)", n.Feature, width)
	}
	if err := validateTree(n.Left, width); err != nil {
		return err
	}
	return validateTree(n.Right, width)
}

func (f *Forest) Version() string { return f.version }
func (f *Forest) Kind() Kind      { return KindIsolationForest }
func (f *Forest) Schema() string  { return f.schema }

func (f *Forest) Reference() ([]float64, float64) {
	return append([]float64(nil), f.ref...), f.refScore
}

func (f *Forest) Predict(v *features.Vector) (float64, error) {
	if err := checkShape(v, f.schema, f.width); err != nil {
		return 0, err
	}
	x := make([]float64, f.width)
	for i := range x {
		if v.ColdStart[i] {
			x[i] = f.impute[i]
		} else {
			x[i] = v.Values[i]
		}
	}
	return f.score(x), nil
}

// Decompose is not supported; path lengths do not add up per feature.
func (f *Forest) Decompose(*features.Vector) ([]float64, bool) { return nil, false }

func (f *Forest) score(x []float64) float64 {
	var sum float64
	for _, t := range f.trees {
		sum += pathLength(t, x, 0)
	}
	eh := sum / float64(len(f.trees))
	s := math.Pow(2, -eh/f.norm)
	if f.calib != nil && f.calib.Slope != 0 {
		s = 1 / (1 + math.Exp(-f.calib.Slope*(s-f.calib.Offset)))
	}
	return clamp01(s)
}

// cFactor is the average path length of an unsuccessful BST search over n
// points, used to normalise depths.
func cFactor(n int) float64 {
	if n <= 1 {
		return 1
	}
	return 2*(math.Log(float64(n-1))+eulerGamma) - 2*float64(n-1)/float64(n)
}

func pathLength(n *Node, x []float64, depth int) float64 {
	for !n.Leaf {
		if x[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	if n.Size <= 1 {
		return float64(depth)
	}
	return float64(depth) + cFactor(n.Size)
}
