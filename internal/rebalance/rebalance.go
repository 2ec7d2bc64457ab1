// Package rebalance implements the single-leg volume corrector (spec.md
// §4.5), grounded on original_source/executors/volume_rebalancer.py's
// check_volume_imbalance.
package rebalance

import (
	"math"
	"sync"
	"time"

	"github.com/metarpc-labs/pairengine/internal/broker"
)

// Adjustment names the one single-leg order that best restores the hedge
// (spec.md §4.5: "the leg and quantity that minimise |imbalance|").
type Adjustment struct {
	Symbol string
	Side   broker.Side
	Volume float64
}

// Rebalancer tracks, per spread, the last time a correction was issued so
// it can enforce min_adjustment_interval.
type Rebalancer struct {
	mu sync.Mutex

	threshold   float64
	minInterval time.Duration

	lastAdjustment map[string]time.Time
}

func New(threshold float64, minInterval time.Duration) *Rebalancer {
	return &Rebalancer{
		threshold:      threshold,
		minInterval:    minInterval,
		lastAdjustment: map[string]time.Time{},
	}
}

// Check evaluates whether the spread's realised two-leg volumes have
// drifted far enough off the hedge ratio to warrant a single-leg
// correction. primarySymbol/secondarySymbol name the two legs so the
// returned Adjustment can be submitted directly via
// execution.Worker.PlaceSingleLeg.
func (r *Rebalancer) Check(spreadID, primarySymbol, secondarySymbol string, hedgeRatio, primaryLots, secondaryLots float64, now time.Time) (Adjustment, bool) {
	imbalance := primaryLots - hedgeRatio*secondaryLots
	if math.Abs(imbalance) < r.threshold {
		return Adjustment{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastAdjustment[spreadID]; ok && now.Sub(last) < r.minInterval {
		return Adjustment{}, false
	}

	return bestAdjustment(primarySymbol, secondarySymbol, hedgeRatio, imbalance), true
}

// bestAdjustment picks whichever single-leg correction requires the
// smaller absolute traded quantity: selling/buying `imbalance` lots of the
// primary leg zeroes the imbalance outright, while adjusting the secondary
// leg by imbalance/hedgeRatio does the same through the hedge ratio's
// scaling. Ties favor the primary leg.
func bestAdjustment(primarySymbol, secondarySymbol string, hedgeRatio, imbalance float64) Adjustment {
	primaryVolume := math.Abs(imbalance)
	primarySide := broker.SideSell
	if imbalance < 0 {
		primarySide = broker.SideBuy
	}
	primaryCandidate := Adjustment{Symbol: primarySymbol, Side: primarySide, Volume: primaryVolume}

	if hedgeRatio == 0 {
		return primaryCandidate
	}

	secondaryVolume := math.Abs(imbalance / hedgeRatio)
	secondarySide := broker.SideBuy
	if imbalance < 0 {
		secondarySide = broker.SideSell
	}
	secondaryCandidate := Adjustment{Symbol: secondarySymbol, Side: secondarySide, Volume: secondaryVolume}

	if secondaryVolume < primaryVolume {
		return secondaryCandidate
	}
	return primaryCandidate
}

// RecordAdjustment marks spreadID's correction as having just been issued,
// so Check enforces min_adjustment_interval before the next one.
func (r *Rebalancer) RecordAdjustment(spreadID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAdjustment[spreadID] = now
}
