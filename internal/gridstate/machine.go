// Package gridstate implements the 2-variable pyramiding grid — the heart
// of the algorithm (spec.md §4.4). It is grounded on
// original_source/executors/simple_unified_executor.py's SimpleUnifiedExecutor,
// generalized from a single global spread slot to one slot per side (LONG
// and SHORT may be active simultaneously), matching spec.md §3's invariant
// "for every side, there is at most one active SpreadEntryState" literally
// rather than the Python original's single-spread restriction. See
// DESIGN.md for this decision.
package gridstate

import (
	"fmt"
	"math"
	"sync"

	"github.com/metarpc-labs/pairengine/internal/brokererr"
)

// Side is LONG or SHORT spread direction.
type Side int

const (
	SideNone Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// SpreadEntryState is the central state object of the core (spec.md §3).
// EntryCount 0 marks a sentinel inserted by BeginEntry before the order is
// confirmed filled; it is never returned by Active.
type SpreadEntryState struct {
	SpreadID             string
	Side                 Side
	LastZEntry           float64
	NextZEntry           float64
	EntryCount           int
	TotalPrimaryLots     float64
	TotalSecondaryLots   float64
	FirstEntrySpreadMean float64
}

// nextZFor computes next_z_entry from the side and scale interval: LONG
// moves further negative, SHORT moves further positive (spec.md §4.4 rule 1).
func nextZFor(side Side, z, scaleInterval float64) float64 {
	if side == SideLong {
		return z - scaleInterval
	}
	return z + scaleInterval
}

// Machine owns the per-side SpreadEntryState slots. Not safe for concurrent
// use without its own lock, which it provides internally.
type Machine struct {
	mu     sync.Mutex
	states map[Side]*SpreadEntryState
}

// NewMachine returns an empty Machine.
func NewMachine() *Machine {
	return &Machine{states: map[Side]*SpreadEntryState{}}
}

// Active returns the committed state for a side, or ok=false if none exists
// or only a sentinel is present.
func (m *Machine) Active(side Side) (SpreadEntryState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[side]
	if !ok || st.EntryCount == 0 {
		return SpreadEntryState{}, false
	}
	return *st, true
}

// HasAny reports whether any side (sentinel or committed) currently holds
// a state — used by callers that still want the Python original's
// single-spread-at-a-time behavior layered on top.
func (m *Machine) HasAny() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states) > 0
}

// BeginEntry inserts a sentinel state (entry_count=0) to block a concurrent
// snapshot from racing into a second "first entry" on the same side, per
// spec.md §4.4's "Temporary-state hazard and its fix". It fails if a state
// (sentinel or committed) already exists for this side.
func (m *Machine) BeginEntry(side Side, spreadID string, currentZ, scaleInterval float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[side]; exists {
		return brokererr.New(brokererr.KindInvariant, fmt.Sprintf("gridstate: duplicate entry attempt for side %s", side))
	}
	m.states[side] = &SpreadEntryState{
		SpreadID:   spreadID,
		Side:       side,
		LastZEntry: currentZ,
		NextZEntry: nextZFor(side, currentZ, scaleInterval),
		EntryCount: 0,
	}
	return nil
}

// AbortEntry removes a sentinel after an order failure (spec.md §4.4).
func (m *Machine) AbortEntry(side Side) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, side)
}

// CommitEntry finalizes the sentinel into a real, entry_count=1 state after
// a successful fill.
func (m *Machine) CommitEntry(side Side, primaryLots, secondaryLots, spreadMean float64) (SpreadEntryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[side]
	if !ok {
		return SpreadEntryState{}, brokererr.New(brokererr.KindInvariant, "gridstate: commit without sentinel")
	}
	st.EntryCount = 1
	st.TotalPrimaryLots = primaryLots
	st.TotalSecondaryLots = secondaryLots
	st.FirstEntrySpreadMean = spreadMean
	return *st, nil
}

// PyramidDecision names why a pyramid would or would not fire.
type PyramidDecision struct {
	Fire   bool
	Reason string
}

// CheckPyramid evaluates spec.md §4.4 rule 2 without mutating state:
// LONG fires when current_z <= next_z_entry, SHORT when current_z >=
// next_z_entry (ties fire — the comparisons are non-strict), blocked by
// max entries or max |z|.
func (m *Machine) CheckPyramid(side Side, currentZ float64, maxEntries int, maxZScore float64) PyramidDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[side]
	if !ok || st.EntryCount == 0 {
		return PyramidDecision{Reason: "no_active_state"}
	}
	if st.EntryCount >= maxEntries {
		return PyramidDecision{Reason: "max_entries"}
	}
	if math.Abs(currentZ) >= math.Abs(maxZScore) {
		return PyramidDecision{Reason: "max_zscore"}
	}

	switch side {
	case SideLong:
		if currentZ <= st.NextZEntry {
			return PyramidDecision{Fire: true, Reason: "ok"}
		}
	case SideShort:
		if currentZ >= st.NextZEntry {
			return PyramidDecision{Fire: true, Reason: "ok"}
		}
	}
	return PyramidDecision{Reason: "not_triggered"}
}

// PyramidRollback captures the pre-commit values so BeginPyramid's update
// can be undone by RollbackPyramid on order failure.
type PyramidRollback struct {
	Side       Side
	LastZEntry float64
	NextZEntry float64
}

// BeginPyramid performs the pre-commit state update described in spec.md
// §4.4 rule 2: tentatively advance last_z_entry/next_z_entry BEFORE order
// submission, so a second concurrent snapshot cannot double-trigger while
// the order is in flight. Call RollbackPyramid on failure, FinalizePyramid
// on success.
func (m *Machine) BeginPyramid(side Side, currentZ, scaleInterval float64) (PyramidRollback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[side]
	if !ok {
		return PyramidRollback{}, brokererr.New(brokererr.KindInvariant, "gridstate: pyramid without active state")
	}
	rollback := PyramidRollback{Side: side, LastZEntry: st.LastZEntry, NextZEntry: st.NextZEntry}
	st.LastZEntry = currentZ
	st.NextZEntry = nextZFor(side, currentZ, scaleInterval)
	return rollback, nil
}

// RollbackPyramid undoes BeginPyramid's tentative update after an order
// failure.
func (m *Machine) RollbackPyramid(r PyramidRollback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[r.Side]
	if !ok {
		return
	}
	st.LastZEntry = r.LastZEntry
	st.NextZEntry = r.NextZEntry
}

// FinalizePyramid commits a successful pyramid fill: bumps entry_count and
// cumulative lots. last_z_entry/next_z_entry were already advanced by
// BeginPyramid.
func (m *Machine) FinalizePyramid(side Side, primaryLots, secondaryLots float64) (SpreadEntryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[side]
	if !ok {
		return SpreadEntryState{}, brokererr.New(brokererr.KindInvariant, "gridstate: finalize without active state")
	}
	st.EntryCount++
	st.TotalPrimaryLots += primaryLots
	st.TotalSecondaryLots += secondaryLots
	return *st, nil
}

// Reset deletes the state for a side on exit (spec.md §4.4 rule 4).
func (m *Machine) Reset(side Side) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, side)
}

// ApplyScaleInterval recomputes next_z_entry := last_z_entry ∓ newScaleInterval
// for every committed state, preserving last_z_entry (spec.md §4.4 rule 5).
// Sentinels are skipped: they have no committed last_z_entry to preserve and
// will be discarded or committed by their in-flight order attempt.
func (m *Machine) ApplyScaleInterval(newScaleInterval float64) []SpreadEntryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []SpreadEntryState
	for side, st := range m.states {
		if st.EntryCount == 0 {
			continue
		}
		st.NextZEntry = nextZFor(side, st.LastZEntry, newScaleInterval)
		changed = append(changed, *st)
	}
	return changed
}

// Snapshot returns a copy of every committed state, keyed by side, for
// persistence (internal/persistence writes this to spread_states.json).
func (m *Machine) Snapshot() map[Side]SpreadEntryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Side]SpreadEntryState, len(m.states))
	for side, st := range m.states {
		if st.EntryCount == 0 {
			continue
		}
		out[side] = *st
	}
	return out
}

// Restore replaces the Machine's state wholesale — used at startup once the
// persistence/recovery layer has decided what to trust (spec.md §4.8).
func (m *Machine) Restore(states map[Side]SpreadEntryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[Side]*SpreadEntryState, len(states))
	for side, st := range states {
		copy := st
		m.states[side] = &copy
	}
}
