package engine

import (
	"context"
	"log"
	"time"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/risk"
)

// runRisk drives the three-layer risk supervisor on a fixed tick
// independent of the tick-driven collector/signal/execution chain, per
// spec.md §5's separate ~5s risk ticker.
func (e *Engine) runRisk(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.riskBase.Tick(time.Now())
			if err := e.riskCycle(ctx); err != nil {
				e.riskBase.RecordError(err)
				log.Printf("[risk] %v", err)
			}
		}
	}
}

func (e *Engine) riskCycle(ctx context.Context) error {
	account, err := e.client.AccountInfo(ctx)
	if err != nil {
		return err
	}
	positions, err := e.client.PositionsGet(ctx, broker.PositionsFilter{Magic: e.cfg.System.Magic})
	if err != nil {
		return err
	}

	spreadPnL, openTickets := e.spreadPnLByTicket(positions)
	dailyPnL := account.Equity - e.sessionStartBalance

	dec := e.riskSup.Evaluate(time.Now(), account, e.sessionStartBalance, dailyPnL, spreadPnL, openTickets)

	for _, alert := range dec.Alerts {
		log.Printf("[risk] %s alert key=%s: %s", alert.Severity, alert.Key, alert.Message)
	}

	if dec.ManualClosureDetected {
		log.Printf("[risk] manual closure detected, missing tickets=%v", dec.MissingTickets)
		for _, ticket := range dec.MissingTickets {
			e.monitorW.UntrackTicket(ticket)
		}
	}

	if dec.CloseAll {
		if e.metrics != nil {
			e.metrics.IncBreach(dec.CloseAllReason)
		}
		log.Printf("[risk] close-all triggered: reason=%s spread=%s", dec.CloseAllReason, dec.BreachedSpread)

		if _, err := e.execWorker.CloseAllByTag(ctx); err != nil {
			log.Printf("[risk] close-all failed: %v", err)
		}
		for _, state := range e.machine.Snapshot() {
			if state.SpreadID != "" {
				e.attrib.UnregisterSpread(state.SpreadID)
			}
		}
		if err := risk.CleanupAfterCloseAll(ctx, e.machine, e.store, e.riskSup); err != nil {
			log.Printf("[risk] cleanup after close-all failed: %v", err)
		}
		if dec.LockTrading {
			_, _, daily := e.live.RiskPercentages()
			if err := e.lockMgr.Lock(dec.CloseAllReason, dailyPnL, daily, time.Now()); err != nil {
				log.Printf("[risk] trading lock failed: %v", err)
			}
		}
	}
	return nil
}

// spreadPnLByTicket sums each broker position's reported profit under the
// spread it belongs to, using persisted position records to map ticket to
// spread ID (the broker only reports per-ticket P&L).
func (e *Engine) spreadPnLByTicket(positions []broker.Position) ([]risk.SpreadPnL, map[uint64]bool) {
	profitByTicket := make(map[uint64]float64, len(positions))
	openTickets := make(map[uint64]bool, len(positions))
	for _, p := range positions {
		profitByTicket[p.Ticket] = p.Profit
		openTickets[p.Ticket] = true
	}

	persisted, err := e.store.LoadActivePositions()
	if err != nil {
		return nil, openTickets
	}
	bySpread := make(map[string]float64)
	for _, pos := range persisted {
		bySpread[pos.SpreadID] += profitByTicket[pos.BrokerTicket]
	}
	spreadPnL := make([]risk.SpreadPnL, 0, len(bySpread))
	for id, pnl := range bySpread {
		spreadPnL = append(spreadPnL, risk.SpreadPnL{SpreadID: id, PnL: pnl})
	}
	return spreadPnL, openTickets
}
