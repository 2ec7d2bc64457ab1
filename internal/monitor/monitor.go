// Package monitor implements the passive monitor worker (spec.md §4.7),
// grounded on original_source/threads/monitor_thread.py: every cycle it
// re-syncs tracked tickets against the broker's authoritative P&L,
// checks for a trading-lock auto-unlock, and logs a status line. The
// peak/drawdown-for-logging arithmetic is grounded on
// original_source/risk/drawdown_monitor.py's peak-tracking update.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/metrics"
)

// LockChecker is the subset of risk.LockManager the monitor needs —
// IsLocked already performs the lazy session-rollover check, which
// mirrors the teacher's explicit _check_auto_unlock() call.
type LockChecker interface {
	IsLocked() bool
}

// Snapshot is what Sync reports after one monitoring cycle.
type Snapshot struct {
	Balance         float64
	Equity          float64
	OpenPositions   int
	TotalPnL        float64
	CurrentDrawdown float64 // fraction of peak equity, 0 if at or above peak
	TradingLocked   bool
}

// Worker is the monitor worker of spec.md §4.7.
type Worker struct {
	client  broker.Client
	lock    LockChecker
	metrics *metrics.Metrics
	magic   int64

	mu      sync.Mutex
	tracked map[uint64]bool

	peakEquity float64
}

func NewWorker(client broker.Client, lock LockChecker, m *metrics.Metrics, magic int64) *Worker {
	return &Worker{client: client, lock: lock, metrics: m, magic: magic, tracked: map[uint64]bool{}}
}

// TrackTicket and UntrackTicket implement execution.Registrar and
// risk.Registrar so the monitor can be dual-registered exactly like the
// risk supervisor (spec.md §4.3 step 4).
func (w *Worker) TrackTicket(ticket uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[ticket] = true
}

func (w *Worker) UntrackTicket(ticket uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, ticket)
}

func (w *Worker) trackedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Sync runs one monitoring cycle: auto-unlock check, broker-authoritative
// P&L re-sync over tracked tickets, and a status log line.
func (w *Worker) Sync(ctx context.Context) (Snapshot, error) {
	locked := w.lock.IsLocked()

	account, err := w.client.AccountInfo(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	positions, err := w.client.PositionsGet(ctx, broker.PositionsFilter{Magic: w.magic})
	if err != nil {
		return Snapshot{}, err
	}

	w.mu.Lock()
	totalPnL := 0.0
	openCount := 0
	for _, p := range positions {
		if w.tracked[p.Ticket] {
			totalPnL += p.Profit
			openCount++
		}
	}
	w.mu.Unlock()

	if account.Equity > w.peakEquity {
		w.peakEquity = account.Equity
	}
	drawdown := 0.0
	if w.peakEquity > 0 && account.Equity < w.peakEquity {
		drawdown = (w.peakEquity - account.Equity) / w.peakEquity
	}

	if w.metrics != nil {
		w.metrics.SetDailyPnL(totalPnL)
	}

	log.Printf("[monitor] Balance: $%.2f | Positions: %d | P&L: $%.2f | DD: %.2f%%",
		account.Balance, openCount, totalPnL, drawdown*100)

	return Snapshot{
		Balance:         account.Balance,
		Equity:          account.Equity,
		OpenPositions:   openCount,
		TotalPnL:        totalPnL,
		CurrentDrawdown: drawdown,
		TradingLocked:   locked,
	}, nil
}

// Run drives Sync on a ~10s ticker until ctx is cancelled (spec.md §5's
// "monitor ticker ~10s").
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sync(ctx); err != nil {
				log.Printf("[monitor] sync error: %v", err)
			}
		}
	}
}
