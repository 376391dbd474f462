package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Fit grows an isolation forest fixture over rows X (columns in names order). The
// same seed always yields the same trees. Reference and imputation values
// are the column medians.
func Fit(X [][]float64, names []string, numTrees, sampleSize int, seed uint64) (*ForestParams, error) {
	if len(X) < 2 {
		return nil, errors.New("model: need at least two rows to fit")
	}
	for i, row := range X {
		if len(row) != len(names) {
			return nil, fmt.Errorf("model: row %d has %d columns, want %d", i, len(row), len(names))
		}
	}
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 || sampleSize > len(X) {
		sampleSize = min(256, len(X))
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))

	p := &ForestParams{
		SampleSize: sampleSize,
		Trees:      make([]*Node, numTrees),
		Impute:     make(map[string]float64, len(names)),
		Reference:  make(map[string]float64, len(names)),
	}
	for t := range p.Trees {
		idx := rng.Perm(len(X))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, k := range idx {
			sample[j] = X[k]
		}
		p.Trees[t] = grow(rng, sample, 0, heightLimit)
	}

	col := make([]float64, len(X))
	for j, name := range names {
		for i, row := range X {
			col[i] = row[j]
		}
		m := median(col)
		p.Impute[name] = m
		p.Reference[name] = m
	}
	return p, nil
}

func grow(rng *rand.Rand, X [][]float64, depth, limit int) *Node {
	if len(X) <= 1 || depth >= limit {
		return &Node{Leaf: true, Size: len(X)}
	}
	dim := rng.IntN(len(X[0]))
	lo, hi := X[0][dim], X[0][dim]
	for _, row := range X[1:] {
		lo = math.Min(lo, row[dim])
		hi = math.Max(hi, row[dim])
	}
	if lo == hi {
		return &Node{Leaf: true, Size: len(X)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &Node{Leaf: true, Size: len(X)}
	}
	return &Node{
		Feature: dim,
		Split:   split,
		Left:    grow(rng, left, depth+1, limit),
		Right:   grow(rng, right, depth+1, limit),
	}
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
