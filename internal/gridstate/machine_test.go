package gridstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginCommitEntry(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "spread-1", -2.1, 0.5))

	_, ok := m.Active(SideLong)
	require.False(t, ok, "sentinel must not be visible as Active")

	st, err := m.CommitEntry(SideLong, 0.1, 0.2, 100.0)
	require.NoError(t, err)
	require.Equal(t, 1, st.EntryCount)
	require.Equal(t, -2.1, st.LastZEntry)
	require.InDelta(t, -2.6, st.NextZEntry, 1e-9)

	active, ok := m.Active(SideLong)
	require.True(t, ok)
	require.Equal(t, st, active)
}

func TestBeginEntryBlocksDuplicateOnSameSide(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideShort, "s1", 2.1, 0.5))
	err := m.BeginEntry(SideShort, "s2", 2.3, 0.5)
	require.Error(t, err)
}

func TestAbortEntryRemovesSentinel(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.1, 0.5))
	m.AbortEntry(SideLong)
	require.False(t, m.HasAny())

	// A fresh attempt on the same side must now succeed.
	require.NoError(t, m.BeginEntry(SideLong, "s2", -2.2, 0.5))
}

func TestPyramidFiresOnTieAndAdvances(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.0, 0.5))
	_, err := m.CommitEntry(SideLong, 1, 1, 100)
	require.NoError(t, err)
	// next_z_entry is -2.5; current_z exactly equal must fire (non-strict).
	decision := m.CheckPyramid(SideLong, -2.5, 10, 3.5)
	require.True(t, decision.Fire)

	rollback, err := m.BeginPyramid(SideLong, -2.5, 0.5)
	require.NoError(t, err)
	st, err := m.FinalizePyramid(SideLong, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 2, st.EntryCount)
	require.Equal(t, -2.5, st.LastZEntry)
	require.InDelta(t, -3.0, st.NextZEntry, 1e-9)
	require.Equal(t, 2.0, st.TotalPrimaryLots)

	_ = rollback // used only on failure path, exercised below
}

func TestPyramidRollbackOnOrderFailure(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideShort, "s1", 2.0, 0.5))
	_, err := m.CommitEntry(SideShort, 1, 1, 100)
	require.NoError(t, err)

	decision := m.CheckPyramid(SideShort, 2.5, 10, 3.5)
	require.True(t, decision.Fire)

	rollback, err := m.BeginPyramid(SideShort, 2.5, 0.5)
	require.NoError(t, err)

	// Simulate order failure: roll back instead of finalizing.
	m.RollbackPyramid(rollback)

	active, ok := m.Active(SideShort)
	require.True(t, ok)
	require.Equal(t, 2.0, active.LastZEntry)
	require.InDelta(t, 2.5, active.NextZEntry, 1e-9)
	require.Equal(t, 1, active.EntryCount)
}

func TestPyramidBlockedByMaxEntriesAndMaxZScore(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.0, 0.5))
	_, err := m.CommitEntry(SideLong, 1, 1, 100)
	require.NoError(t, err)

	d := m.CheckPyramid(SideLong, -2.5, 1, 3.5)
	require.False(t, d.Fire)
	require.Equal(t, "max_entries", d.Reason)

	d = m.CheckPyramid(SideLong, -4.0, 10, 3.5)
	require.False(t, d.Fire)
	require.Equal(t, "max_zscore", d.Reason)
}

func TestResetDeletesState(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.0, 0.5))
	_, err := m.CommitEntry(SideLong, 1, 1, 100)
	require.NoError(t, err)

	m.Reset(SideLong)
	_, ok := m.Active(SideLong)
	require.False(t, ok)
	require.False(t, m.HasAny())
}

func TestApplyScaleIntervalPreservesLastZEntry(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.0, 0.5))
	_, err := m.CommitEntry(SideLong, 1, 1, 100)
	require.NoError(t, err)
	require.NoError(t, m.BeginEntry(SideShort, "s2", 2.2, 0.5))
	_, err = m.CommitEntry(SideShort, 1, 1, 100)
	require.NoError(t, err)

	changed := m.ApplyScaleInterval(0.75)
	require.Len(t, changed, 2)

	longState, _ := m.Active(SideLong)
	require.Equal(t, -2.0, longState.LastZEntry)
	require.InDelta(t, -2.75, longState.NextZEntry, 1e-9)

	shortState, _ := m.Active(SideShort)
	require.Equal(t, 2.2, shortState.LastZEntry)
	require.InDelta(t, 2.95, shortState.NextZEntry, 1e-9)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.0, 0.5))
	_, err := m.CommitEntry(SideLong, 1.5, 0.8, 100)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap, 1)

	m2 := NewMachine()
	m2.Restore(snap)
	active, ok := m2.Active(SideLong)
	require.True(t, ok)
	require.Equal(t, snap[SideLong], active)
}

func TestSnapshotExcludesSentinels(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginEntry(SideLong, "s1", -2.0, 0.5))
	snap := m.Snapshot()
	require.Empty(t, snap)
}
