package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkHistory(n int, start time.Time, interval time.Duration) []Bar {
	bars := make([]Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = Bar{
			Time:      start.Add(time.Duration(i) * interval),
			Primary:   100 + float64(i%5),
			Secondary: 50 + float64(i%5)*0.5,
		}
	}
	return bars
}

func TestBootstrapInsufficientHistory(t *testing.T) {
	w := New(10, time.Hour, 1e-9)
	err := w.Bootstrap(mkHistory(5, time.Now(), time.Hour))
	require.Error(t, err)
	var ih *InsufficientHistory
	require.ErrorAs(t, err, &ih)
	require.Equal(t, 5, ih.Have)
	require.Equal(t, 10, ih.Want)
	require.False(t, w.Bootstrapped())
}

func TestBootstrapAndSnapshot(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(20, time.Hour, 1e-9)
	require.NoError(t, w.Bootstrap(mkHistory(20, start, time.Hour)))
	require.True(t, w.Bootstrapped())

	snap := w.Snapshot(start.Add(20*time.Hour), 102, 102.1, 51, 51.1)
	require.Equal(t, 102.0, snap.PrimaryBid)
	require.Greater(t, snap.HedgeRatio, 0.0)
}

func TestZScoreZeroWhenStdBelowEpsilon(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(5, time.Hour, 1e-6)
	flat := make([]Bar, 5)
	for i := range flat {
		flat[i] = Bar{Time: start.Add(time.Duration(i) * time.Hour), Primary: 100, Secondary: 50}
	}
	require.NoError(t, w.Bootstrap(flat))

	snap := w.Snapshot(start.Add(5*time.Hour), 100, 100, 50, 50)
	require.Equal(t, 0.0, snap.ZScore)
}

func TestUpdateOverwritesTailWithinSameBar(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(3, time.Hour, 1e-9)
	require.NoError(t, w.Bootstrap(mkHistory(3, start, time.Hour)))

	before := w.Snapshot(start.Add(2*time.Hour+30*time.Minute), 103, 103, 51.5, 51.5)
	// The bootstrap bars lie on primary = 2 × secondary (spread mean 0); the
	// overwriting 150/60 close is off that line, so the mean moves.
	w.Update(start.Add(2*time.Hour+45*time.Minute), 150, 60)
	after := w.Snapshot(start.Add(2*time.Hour+50*time.Minute), 150, 150, 60, 60)

	require.NotEqual(t, before.SpreadMean, after.SpreadMean)
}

func TestUpdateRollsForwardAfterBarInterval(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(3, time.Hour, 1e-9)
	require.NoError(t, w.Bootstrap(mkHistory(3, start, time.Hour)))

	w.Update(start.Add(3*time.Hour), 200, 100)
	snap := w.Snapshot(start.Add(3*time.Hour), 200, 200, 100, 100)
	// The 200/100 bar evicts the oldest (100/50) bar. Every remaining bar
	// lies on primary = 2 × secondary, so the regression hedge ratio is 2
	// and every spread, and so their mean, is 0.
	require.Equal(t, 101.0, w.bars[w.head].Primary)
	require.Equal(t, 200.0, w.bars[w.tailIndex()].Primary)
	require.InDelta(t, 0.0, snap.SpreadMean, 1e-9)
}

func TestImbalanceMatchesSpreadSignConvention(t *testing.T) {
	// spec.md §4.1: spread = primary - hedge*secondary; imbalance must use
	// the identical sign convention.
	hedge := 1.5
	imb := Imbalance(hedge, 10, 5)
	require.InDelta(t, 10-1.5*5, imb, 1e-9)
}
