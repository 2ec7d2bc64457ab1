package signalengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metarpc-labs/pairengine/internal/config"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
)

func newTestWorker() *Worker {
	cfg := config.Default("EURUSD", "GBPUSD")
	return NewWorker(config.NewLive(cfg))
}

func TestEvaluateExitWhenWithinBandAndPositionOpen(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(0.3, true, gridstate.SideLong, false)
	require.Equal(t, ActionExit, dec.Kind)
	require.Equal(t, gridstate.SideLong, dec.Side)
}

func TestEvaluateEntryLongWhenZBelowNegativeThreshold(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(-2.5, false, gridstate.SideNone, false)
	require.Equal(t, ActionEntryOrPyramid, dec.Kind)
	require.Equal(t, gridstate.SideLong, dec.Side)
}

func TestEvaluateEntryShortWhenZAboveThreshold(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(2.5, false, gridstate.SideNone, false)
	require.Equal(t, ActionEntryOrPyramid, dec.Kind)
	require.Equal(t, gridstate.SideShort, dec.Side)
}

func TestEvaluateNoneWhenFlatAndWithinThresholds(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(0.8, false, gridstate.SideNone, false)
	require.Equal(t, ActionNone, dec.Kind)
}

func TestEvaluateLockedAccountSuppressesNewEntry(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(-2.5, false, gridstate.SideNone, true)
	require.Equal(t, ActionNone, dec.Kind)
}

func TestEvaluatePyramidCandidateWhenPositionOpenOutsideExitBand(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(-2.8, true, gridstate.SideLong, false)
	require.Equal(t, ActionEntryOrPyramid, dec.Kind)
	require.Equal(t, gridstate.SideLong, dec.Side)
}

func TestEvaluateLockedAccountStillAllowsExit(t *testing.T) {
	w := newTestWorker()
	dec := w.Evaluate(0.1, true, gridstate.SideShort, true)
	require.Equal(t, ActionExit, dec.Kind)
}
