// Package stats maintains the true rolling window over primary/secondary
// close prices and derives the spread, hedge ratio and z-score the rest of
// the engine trades on (spec.md §4.1). It is grounded on the bar-rolling
// idiom of original_source/threads/data_thread.py ("TRUE ROLLING WINDOW" —
// bootstrap once, then overwrite the current bar's close in place until it
// rolls) reimplemented as a fixed-capacity Go ring buffer instead of a
// pandas Series.
package stats

import (
	"fmt"
	"math"
	"time"
)

// InsufficientHistory is returned by Bootstrap when fewer than Window bars
// of history are available from the broker.
type InsufficientHistory struct {
	Have, Want int
}

func (e *InsufficientHistory) Error() string {
	return fmt.Sprintf("stats: insufficient history: have %d bars, want %d", e.Have, e.Want)
}

// Bar is one closed primary/secondary price observation.
type Bar struct {
	Time      time.Time
	Primary   float64
	Secondary float64
}

// MarketSnapshot is produced at every tick; never mutated after construction
// (spec.md §3).
type MarketSnapshot struct {
	Timestamp time.Time

	PrimaryBid, PrimaryAsk     float64
	SecondaryBid, SecondaryAsk float64

	HedgeRatio float64
	Spread     float64
	SpreadMean float64
	SpreadStd  float64
	ZScore     float64
}

// Window is a fixed-capacity ring buffer of Bars implementing the rolling
// mean/std/hedge-ratio pipeline. It is not safe for concurrent use; callers
// (the collector loop) own it exclusively.
type Window struct {
	capacity int
	epsilon  float64

	bars     []Bar
	head     int // index of the oldest bar
	size     int
	bootstrapped bool

	// lastBarTime marks the close of the "current" (still-open) bar so
	// Update knows whether to overwrite tail or roll forward.
	lastBarTime time.Time
	barInterval time.Duration
}

// New creates a Window with the given capacity (spec.md's W), bar interval,
// and the z-score-zero epsilon below which std is treated as zero.
func New(capacity int, barInterval time.Duration, epsilon float64) *Window {
	if capacity < 2 {
		capacity = 2
	}
	if epsilon <= 0 {
		epsilon = 1e-9
	}
	return &Window{
		capacity:    capacity,
		epsilon:     epsilon,
		bars:        make([]Bar, capacity),
		barInterval: barInterval,
	}
}

// Bootstrap populates the window from historical bars, oldest first. It
// fails with *InsufficientHistory if fewer than capacity bars are supplied.
func (w *Window) Bootstrap(history []Bar) error {
	if len(history) < w.capacity {
		return &InsufficientHistory{Have: len(history), Want: w.capacity}
	}
	tail := history[len(history)-w.capacity:]
	copy(w.bars, tail)
	w.head = 0
	w.size = w.capacity
	w.lastBarTime = tail[len(tail)-1].Time
	w.bootstrapped = true
	return nil
}

// Bootstrapped reports whether Bootstrap has successfully populated the window.
func (w *Window) Bootstrapped() bool { return w.bootstrapped }

// tailIndex returns the index of the most recent bar (the "current" bar).
func (w *Window) tailIndex() int {
	return (w.head + w.size - 1) % w.capacity
}

// Update feeds a new primary/secondary close observed at `at`. If `at`
// falls within the same bar interval as the current tail, the tail bar's
// close is overwritten in place (the window does not grow); otherwise the
// window rolls forward, evicting the oldest bar.
func (w *Window) Update(at time.Time, primary, secondary float64) {
	if !w.bootstrapped || w.size == 0 {
		// Defensive: collector always bootstraps first, but a fresh Window
		// used directly in a test still behaves sensibly as a 1-bar window.
		w.bars[0] = Bar{Time: at, Primary: primary, Secondary: secondary}
		w.head = 0
		w.size = 1
		w.lastBarTime = at
		w.bootstrapped = true
		return
	}

	sameBar := w.barInterval > 0 && at.Sub(w.lastBarTime) < w.barInterval
	if sameBar {
		w.bars[w.tailIndex()] = Bar{Time: at, Primary: primary, Secondary: secondary}
		return
	}

	// Roll forward: write the new bar after the tail. A full window
	// overwrites its oldest slot and advances head; one not yet full grows.
	w.bars[(w.head+w.size)%w.capacity] = Bar{Time: at, Primary: primary, Secondary: secondary}
	if w.size == w.capacity {
		w.head = (w.head + 1) % w.capacity
	} else {
		w.size++
	}
	w.lastBarTime = at
}

// Snapshot recomputes hedge ratio, spread, mean/std and z-score over the
// current window and returns an immutable MarketSnapshot. bid/ask quotes are
// layered on top of the rolling close-based statistics, matching the
// teacher-domain split between bar-close stats and live tick prices.
func (w *Window) Snapshot(ts time.Time, primaryBid, primaryAsk, secondaryBid, secondaryAsk float64) MarketSnapshot {
	hedgeRatio := w.HedgeRatio()

	spreads := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		b := w.bars[(w.head+i)%w.capacity]
		spreads[i] = b.Primary - hedgeRatio*b.Secondary
	}

	mean, std := meanStd(spreads)
	currentSpread := primaryBid - hedgeRatio*secondaryBid

	z := 0.0
	if std >= w.epsilon {
		z = (currentSpread - mean) / std
	}

	return MarketSnapshot{
		Timestamp:    ts,
		PrimaryBid:   primaryBid,
		PrimaryAsk:   primaryAsk,
		SecondaryBid: secondaryBid,
		SecondaryAsk: secondaryAsk,
		HedgeRatio:   hedgeRatio,
		Spread:       currentSpread,
		SpreadMean:   mean,
		SpreadStd:    std,
		ZScore:       z,
	}
}

// HedgeRatio returns the rolling regression beta of primary on secondary
// over the current window (OLS slope, no intercept correction beyond
// de-meaning): beta = cov(secondary, primary) / var(secondary). This is the
// same estimator spec.md §4.1 calls "rolling regression beta", recomputed
// every bar.
func (w *Window) HedgeRatio() float64 {
	if w.size < 2 {
		return 1.0
	}
	var sumP, sumS float64
	for i := 0; i < w.size; i++ {
		b := w.bars[(w.head+i)%w.capacity]
		sumP += b.Primary
		sumS += b.Secondary
	}
	meanP := sumP / float64(w.size)
	meanS := sumS / float64(w.size)

	var cov, varS float64
	for i := 0; i < w.size; i++ {
		b := w.bars[(w.head+i)%w.capacity]
		dp := b.Primary - meanP
		ds := b.Secondary - meanS
		cov += dp * ds
		varS += ds * ds
	}
	if varS < w.epsilon {
		return 1.0
	}
	return cov / varS
}

// meanStd computes the sample mean and sample (N-1) standard deviation.
func meanStd(xs []float64) (mean, std float64) {
	n := len(xs)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(n-1))
	return mean, std
}

// Imbalance computes primary_lots − hedge_ratio × secondary_lots, using the
// SAME sign convention as Spread (spec.md §4.1 invariant: the two formulas
// must remain algebraically identical).
func Imbalance(hedgeRatio, primaryLots, secondaryLots float64) float64 {
	return primaryLots - hedgeRatio*secondaryLots
}
