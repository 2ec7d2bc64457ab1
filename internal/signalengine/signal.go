// Package signalengine maps each fresh MarketSnapshot to a trading Action
// (spec.md §4.2), grounded on the classification logic referenced by
// original_source/executors/simple_unified_executor.py (the entry/exit
// z-score comparisons it performs ahead of calling into the grid).
package signalengine

import (
	"math"

	"github.com/metarpc-labs/pairengine/internal/config"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
)

// ActionKind names what the signal worker decided.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionExit: close every position under the tag (spec.md §4.2 exit
	// classification). It preempts every other action.
	ActionExit
	// ActionEntryOrPyramid: hand off to the execution worker, which
	// consults internal/gridstate to decide entry vs. pyramid.
	ActionEntryOrPyramid
)

func (a ActionKind) String() string {
	switch a {
	case ActionExit:
		return "EXIT"
	case ActionEntryOrPyramid:
		return "ENTRY_OR_PYRAMID"
	default:
		return "NONE"
	}
}

// Decision is the signal worker's output for one snapshot.
type Decision struct {
	Kind   ActionKind
	Side   gridstate.Side // target side for an entry, or the side being exited
	ZScore float64
}

// Worker evaluates snapshots against the live, runtime-mutable thresholds.
type Worker struct {
	live *config.Live
}

func NewWorker(live *config.Live) *Worker {
	return &Worker{live: live}
}

// Evaluate classifies one snapshot (spec.md §4.2).
//
//   - positionOpen / currentSide are supplied by the caller; the engine
//     derives them from the committed states in gridstate.Machine.
//   - tradingLocked gates new entries only; an exit is always allowed to
//     fire so a locked account can still flatten.
func (w *Worker) Evaluate(z float64, positionOpen bool, currentSide gridstate.Side, tradingLocked bool) Decision {
	exitThreshold := w.live.ExitThreshold()
	entryThreshold := w.live.EntryThreshold()

	if positionOpen && math.Abs(z) <= exitThreshold {
		return Decision{Kind: ActionExit, Side: currentSide, ZScore: z}
	}

	if !positionOpen {
		if tradingLocked {
			return Decision{Kind: ActionNone, ZScore: z}
		}
		switch {
		case z <= -entryThreshold:
			return Decision{Kind: ActionEntryOrPyramid, Side: gridstate.SideLong, ZScore: z}
		case z >= entryThreshold:
			return Decision{Kind: ActionEntryOrPyramid, Side: gridstate.SideShort, ZScore: z}
		}
		return Decision{Kind: ActionNone, ZScore: z}
	}

	// Position already open on currentSide and not within the exit band:
	// the only remaining possibility is a pyramid attempt, which
	// internal/gridstate.CheckPyramid will itself gate on max_entries and
	// max_zscore — the signal worker always forwards the candidate and
	// lets the grid refuse it.
	return Decision{Kind: ActionEntryOrPyramid, Side: currentSide, ZScore: z}
}
