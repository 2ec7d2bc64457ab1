package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetZScoreRecordsLabeledGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetZScore("LONG", -2.5)
	v := testutil.ToFloat64(m.SpreadZScore.WithLabelValues("LONG"))
	require.InDelta(t, -2.5, v, 1e-9)
}

func TestIncEntryIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncEntry("SHORT")
	m.IncEntry("SHORT")
	v := testutil.ToFloat64(m.EntryCountTotal.WithLabelValues("SHORT"))
	require.Equal(t, 2.0, v)
}

func TestSetDailyPnLRecordsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetDailyPnL(-150.25)
	require.InDelta(t, -150.25, testutil.ToFloat64(m.DailyPnLUSD), 1e-9)
}

func TestIncBreachIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncBreach("daily_loss")
	v := testutil.ToFloat64(m.RiskBreachesTotal.WithLabelValues("daily_loss"))
	require.Equal(t, 1.0, v)
}

func TestSetQueueDepthRecordsLabeledGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetQueueDepth("snapshotQueue", 7)
	v := testutil.ToFloat64(m.QueueDepth.WithLabelValues("snapshotQueue"))
	require.Equal(t, 7.0, v)
}
