// Package engine wires the collector, signal, execution, risk, monitor and
// attribution loops into the goroutine-per-loop concurrency model of spec.md §5, grounded
// on examples/demos/orchestrators/orchestrators.go's BaseOrchestrator
// composition and original_source/threads/*.py's one-thread-per-concern
// layout.
package engine

import (
	"github.com/metarpc-labs/pairengine/internal/gridstate"
	"github.com/metarpc-labs/pairengine/internal/rebalance"
	"github.com/metarpc-labs/pairengine/internal/stats"
)

// ActionKind names what crossed the action queue from the signal loop to
// the execution loop. Volume-rebalance is its own Kind even though
// internal/rebalance.Rebalancer.Check runs independently of
// signalengine.Worker.Evaluate (spec.md §4.2: "delegated to §4.5 on every
// snapshot when a position is open") — both can fire off the same
// snapshot, so they are separate Action values rather than a single
// decision tree.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionExit
	ActionEntryOrPyramid
	ActionVolumeRebalance
)

func (k ActionKind) String() string {
	switch k {
	case ActionExit:
		return "EXIT"
	case ActionEntryOrPyramid:
		return "ENTRY_OR_PYRAMID"
	case ActionVolumeRebalance:
		return "VOLUME_REBALANCE"
	default:
		return "NONE"
	}
}

// Action is the unit of work queued from the signal loop to the execution
// loop (spec.md §5's actionQueue, §9's discriminated-union redesign flag).
type Action struct {
	Kind ActionKind

	Side     gridstate.Side
	ZScore   float64
	SpreadID string
	Snapshot stats.MarketSnapshot

	Rebalance rebalance.Adjustment

	Reason string
}
