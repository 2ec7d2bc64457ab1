package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/config"
	"github.com/metarpc-labs/pairengine/internal/persistence"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *config.Live, *LockManager) {
	t.Helper()
	cfg := config.Default("EURUSD", "GBPUSD")
	live := config.NewLive(cfg)
	store, err := persistence.New(t.TempDir())
	require.NoError(t, err)
	lock, err := NewLockManager(store, cfg.Risk.SessionStart, cfg.Risk.SessionEnd)
	require.NoError(t, err)
	return NewSupervisor(live, store, lock, cfg.Risk), live, lock
}

func TestEvaluatePerSetupBreachTriggersCloseAll(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	account := broker.AccountInfo{Balance: 10000, Equity: 9900, MarginLevel: 500}

	dec := sup.Evaluate(time.Now(), account, account.Balance, 0,
		[]SpreadPnL{{SpreadID: "s1", PnL: -600}}, // 6% loss > 5% per-setup limit
		map[uint64]bool{})

	require.True(t, dec.CloseAll)
	require.Equal(t, "per_setup_loss", dec.CloseAllReason)
	require.Equal(t, "s1", dec.BreachedSpread)
}

func TestEvaluateTotalPortfolioBreachIsLatched(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	account := broker.AccountInfo{Balance: 10000, Equity: 9100, MarginLevel: 500} // -9% unrealized > 8% limit

	dec := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, map[uint64]bool{})
	require.True(t, dec.CloseAll)
	require.Equal(t, "total_portfolio_loss", dec.CloseAllReason)

	// Second evaluate call at the same drawdown must not re-fire
	// (latched until equity recovers past the hysteresis band).
	dec2 := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, map[uint64]bool{})
	require.False(t, dec2.CloseAll)
}

func TestEvaluateTotalPortfolioBreachResetsAfterRecovery(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	breach := broker.AccountInfo{Balance: 10000, Equity: 9100, MarginLevel: 500}
	sup.Evaluate(time.Now(), breach, breach.Balance, 0, nil, map[uint64]bool{})

	recovered := broker.AccountInfo{Balance: 10000, Equity: 9950, MarginLevel: 500} // within recovery band
	sup.Evaluate(time.Now(), recovered, recovered.Balance, 0, nil, map[uint64]bool{})

	dec := sup.Evaluate(time.Now(), breach, breach.Balance, 0, nil, map[uint64]bool{})
	require.True(t, dec.CloseAll)
	require.Equal(t, "total_portfolio_loss", dec.CloseAllReason)
}

func TestEvaluateDailyLossLimitLocksTrading(t *testing.T) {
	sup, _, lock := newTestSupervisor(t)
	account := broker.AccountInfo{Balance: 10000, Equity: 9800, MarginLevel: 500}

	dec := sup.Evaluate(time.Now(), account, account.Balance, -1100 /* -11% > 10% daily limit */, nil, map[uint64]bool{})
	require.True(t, dec.CloseAll)
	require.Equal(t, "daily_loss_limit", dec.CloseAllReason)
	require.True(t, dec.LockTrading)
	require.True(t, lock.IsLocked())
}

func TestEvaluateDailyLossLimitIsBasedOnStartingBalanceNotLiveBalance(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	// Balance has already shrunk to 9000 from realized losses earlier in the
	// session; the 10% daily limit must still be 1000 (10% of the 10000
	// starting balance), not 900 (10% of the shrunk live balance).
	account := broker.AccountInfo{Balance: 9000, Equity: 8950, MarginLevel: 500}

	dec := sup.Evaluate(time.Now(), account, 10000 /* starting balance */, -950, nil, map[uint64]bool{})
	require.False(t, dec.CloseAll, "950 daily loss must stay under the 1000 starting-balance-based limit")

	dec2 := sup.Evaluate(time.Now(), account, 10000, -1050, nil, map[uint64]bool{})
	require.True(t, dec2.CloseAll)
	require.Equal(t, "daily_loss_limit", dec2.CloseAllReason)
}

func TestEvaluateKillSwitchDoesNotSuppressLossLimits(t *testing.T) {
	sup, live, _ := newTestSupervisor(t)
	live.SetKillSwitchEnabled(true)
	account := broker.AccountInfo{Balance: 10000, Equity: 1, MarginLevel: 1}

	dec := sup.Evaluate(time.Now(), account, account.Balance, -100000,
		[]SpreadPnL{{SpreadID: "s1", PnL: -100000}}, map[uint64]bool{})
	require.True(t, dec.CloseAll, "the kill switch flag must never disable the loss-limit layers")
	require.Equal(t, "per_setup_loss", dec.CloseAllReason)
}

func TestEvaluateMarginAlertsThrottled(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	account := broker.AccountInfo{Balance: 10000, Equity: 10000, MarginLevel: 120} // below critical 150

	dec := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, map[uint64]bool{})
	require.Len(t, dec.Alerts, 1)
	require.Equal(t, "margin_critical", dec.Alerts[0].Key)

	// Immediately re-evaluating must not re-fire within the cooldown window.
	dec2 := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, map[uint64]bool{})
	require.Empty(t, dec2.Alerts)
}

func TestEvaluateDrawdownAlertUsesPeakEquity(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	sup.Evaluate(time.Now(), broker.AccountInfo{Balance: 10000, Equity: 11000, MarginLevel: 500}, 10000, 0, nil, map[uint64]bool{})

	// 16% down from the 11000 peak exceeds the 15% critical threshold.
	dec := sup.Evaluate(time.Now(), broker.AccountInfo{Balance: 10000, Equity: 9240, MarginLevel: 500}, 10000, 0, nil, map[uint64]bool{})
	var found bool
	for _, a := range dec.Alerts {
		if a.Key == "drawdown_critical" {
			found = true
		}
	}
	require.True(t, found)
}

func TestEvaluatePositionCountSanityAlert(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	open := map[uint64]bool{}
	for i := uint64(1); i <= 25; i++ { // default MaxOpenPositions is 20
		open[i] = true
	}
	account := broker.AccountInfo{Balance: 10000, Equity: 10000, MarginLevel: 500}
	dec := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, open)

	var found bool
	for _, a := range dec.Alerts {
		if a.Key == "position_count" {
			found = true
		}
	}
	require.True(t, found)
}

func TestEvaluateDetectsManualClosure(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	sup.TrackTicket(1)
	sup.TrackTicket(2)

	account := broker.AccountInfo{Balance: 10000, Equity: 10000, MarginLevel: 500}
	dec := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, map[uint64]bool{1: true})

	require.True(t, dec.ManualClosureDetected)
	require.Equal(t, []uint64{2}, dec.MissingTickets)
}

func TestEvaluateNoManualClosureWhenAllTrackedPresent(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	sup.TrackTicket(1)

	account := broker.AccountInfo{Balance: 10000, Equity: 10000, MarginLevel: 500}
	dec := sup.Evaluate(time.Now(), account, account.Balance, 0, nil, map[uint64]bool{1: true})
	require.False(t, dec.ManualClosureDetected)
}
