package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/broker/brokertest"
	"github.com/metarpc-labs/pairengine/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeLock struct{ locked bool }

func (f *fakeLock) IsLocked() bool { return f.locked }

func newTestWorker() (*Worker, *brokertest.Fake, *fakeLock) {
	fake := brokertest.New()
	fake.Account = broker.AccountInfo{Balance: 100000, Equity: 100000}
	lock := &fakeLock{}
	m := metrics.New(prometheus.NewRegistry())
	return NewWorker(fake, lock, m, 42), fake, lock
}

func TestSyncSumsOnlyTrackedPositionsPnL(t *testing.T) {
	w, fake, _ := newTestWorker()
	fake.Positions[1] = broker.Position{Ticket: 1, Symbol: "EURUSD", Magic: 42, Profit: 50.0}
	fake.Positions[2] = broker.Position{Ticket: 2, Symbol: "GBPUSD", Magic: 42, Profit: -20.0}
	fake.Positions[3] = broker.Position{Ticket: 3, Symbol: "USDJPY", Magic: 42, Profit: 999.0} // untracked

	w.TrackTicket(1)
	w.TrackTicket(2)

	snap, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.OpenPositions)
	require.InDelta(t, 30.0, snap.TotalPnL, 1e-9)
}

func TestSyncReportsTradingLockedFromLockChecker(t *testing.T) {
	w, _, lock := newTestWorker()
	lock.locked = true

	snap, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, snap.TradingLocked)
}

func TestSyncComputesDrawdownFromPeakEquity(t *testing.T) {
	w, fake, _ := newTestWorker()

	fake.Account.Equity = 100000
	_, err := w.Sync(context.Background())
	require.NoError(t, err)

	fake.Account.Equity = 90000
	snap, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0.10, snap.CurrentDrawdown, 1e-9)
}

func TestSyncNoDrawdownAtNewPeak(t *testing.T) {
	w, fake, _ := newTestWorker()

	fake.Account.Equity = 100000
	_, err := w.Sync(context.Background())
	require.NoError(t, err)

	fake.Account.Equity = 110000
	snap, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0.0, snap.CurrentDrawdown)
}

func TestUntrackTicketExcludesFromSync(t *testing.T) {
	w, fake, _ := newTestWorker()
	fake.Positions[1] = broker.Position{Ticket: 1, Symbol: "EURUSD", Magic: 42, Profit: 50.0}
	w.TrackTicket(1)
	w.UntrackTicket(1)

	snap, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, snap.OpenPositions)
	require.InDelta(t, 0.0, snap.TotalPnL, 1e-9)
}
