package features

import (
	"math"
	"time"
)

// Bucket aggregates the amounts that fell into one slot of a window.
type Bucket struct {
	Count int64   `json:"c"`
	Sum   float64 `json:"s"`
	SumSq float64 `json:"q"`
}

// Window is a ring of time buckets covering Horizon, with running totals
// maintained on add and evict. The window spans the buckets (Head-n, Head],
// so its effective horizon is accurate to one bucket width. Time is event
// time, which keeps replays deterministic.
type Window struct {
	Horizon time.Duration `json:"horizon"`
	Buckets []Bucket      `json:"buckets"`
	// Head is the absolute slot number of the newest bucket.
	Head  int64   `json:"head"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sumSq"`
}

// NewWindow creates an empty window of n buckets.
func NewWindow(horizon time.Duration, n int) Window {
	if n <= 0 {
		n = 1
	}
	return Window{Horizon: horizon, Buckets: make([]Bucket, n)}
}

func (w *Window) width() int64 {
	wd := int64(w.Horizon) / int64(len(w.Buckets))
	if wd <= 0 {
		return 1
	}
	return wd
}

func (w *Window) slotOf(t time.Time) int64 {
	return t.UnixNano() / w.width()
}

func (w *Window) bucket(slot int64) *Bucket {
	n := int64(len(w.Buckets))
	return &w.Buckets[((slot%n)+n)%n]
}

// Advance expires every bucket that has left the horizon as of t. Moving
// backwards is a no-op.
func (w *Window) Advance(t time.Time) {
	slot := w.slotOf(t)
	if slot <= w.Head {
		return
	}
	n := int64(len(w.Buckets))
	if slot-w.Head >= n {
		for i := range w.Buckets {
			w.Buckets[i] = Bucket{}
		}
		w.Count, w.Sum, w.SumSq = 0, 0, 0
	} else {
		for s := w.Head + 1; s <= slot; s++ {
			w.evict(w.bucket(s))
		}
	}
	w.Head = slot
}

func (w *Window) evict(b *Bucket) {
	if b.Count == 0 {
		return
	}
	w.Count -= b.Count
	w.Sum -= b.Sum
	w.SumSq -= b.SumSq
	*b = Bucket{}
	if w.Count == 0 {
		// Drop accumulated float error.
		w.Sum, w.SumSq = 0, 0
	}
}

// Add records amount at time t. Amounts older than the horizon are ignored.
func (w *Window) Add(t time.Time, amount float64) {
	w.Advance(t)
	slot := w.slotOf(t)
	if slot <= w.Head-int64(len(w.Buckets)) {
		return
	}
	b := w.bucket(slot)
	b.Count++
	b.Sum += amount
	b.SumSq += amount * amount
	w.Count++
	w.Sum += amount
	w.SumSq += amount * amount
}

// Mean returns the average amount, or false when the window is empty.
func (w *Window) Mean() (float64, bool) {
	if w.Count == 0 {
		return 0, false
	}
	return w.Sum / float64(w.Count), true
}

// StdDev returns the population standard deviation of the amounts.
func (w *Window) StdDev() float64 {
	mean, ok := w.Mean()
	if !ok {
		return 0
	}
	variance := w.SumSq/float64(w.Count) - mean*mean
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func (w *Window) matches(horizon time.Duration, n int) bool {
	return w.Horizon == horizon && len(w.Buckets) == n
}

func (w Window) clone() Window {
	w.Buckets = append([]Bucket(nil), w.Buckets...)
	return w
}
