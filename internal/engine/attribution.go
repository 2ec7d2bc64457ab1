package engine

import (
	"context"
	"log"
	"time"

	"github.com/metarpc-labs/pairengine/internal/attribution"
	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
)

// runAttribution recomputes the P&L decomposition for every open spread on
// a slow (spec.md §5's ~60s) ticker purely for observability — nothing in
// the trading path depends on its output.
func (e *Engine) runAttribution(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attributionBase.Tick(time.Now())
			e.attributionCycle(ctx)
		}
	}
}

func (e *Engine) attributionCycle(ctx context.Context) {
	e.mu.Lock()
	snap := e.lastSnapshot
	e.mu.Unlock()
	if snap.Timestamp.IsZero() {
		return
	}

	positions, err := e.client.PositionsGet(ctx, broker.PositionsFilter{Magic: e.cfg.System.Magic})
	if err != nil {
		e.attributionBase.RecordError(err)
		return
	}
	spreadPnL, _ := e.spreadPnLByTicket(positions)
	pnlBySpread := make(map[string]float64, len(spreadPnL))
	for _, sp := range spreadPnL {
		pnlBySpread[sp.SpreadID] = sp.PnL
	}

	for _, side := range []gridstate.Side{gridstate.SideLong, gridstate.SideShort} {
		st, ok := e.machine.Active(side)
		if !ok || st.SpreadID == "" {
			continue
		}

		primarySpec, _ := e.client.SymbolInfo(ctx, e.cfg.PrimarySymbol)
		secondarySpec, _ := e.client.SymbolInfo(ctx, e.cfg.SecondarySymbol)
		if primarySpec.ContractSize == 0 {
			primarySpec.ContractSize = 1
		}
		if secondarySpec.ContractSize == 0 {
			secondarySpec.ContractSize = 1
		}

		current := attribution.CurrentSnapshot{
			Timestamp:             snap.Timestamp,
			PrimaryBid:            snap.PrimaryBid,
			PrimaryAsk:            snap.PrimaryAsk,
			SecondaryBid:          snap.SecondaryBid,
			SecondaryAsk:          snap.SecondaryAsk,
			Spread:                snap.Spread,
			Mean:                  snap.SpreadMean,
			Std:                   snap.SpreadStd,
			ZScore:                snap.ZScore,
			HedgeRatio:            snap.HedgeRatio,
			PrimaryVolume:         st.TotalPrimaryLots,
			SecondaryVolume:       st.TotalSecondaryLots,
			PrimarySide:           side,
			PrimaryPrice:          snap.PrimaryBid,
			SecondaryPrice:        snap.SecondaryBid,
			PrimaryContractSize:   primarySpec.ContractSize,
			SecondaryContractSize: secondarySpec.ContractSize,
		}

		components, ok := e.attrib.Calculate(st.SpreadID, current, pnlBySpread[st.SpreadID])
		if !ok {
			continue
		}
		log.Printf("[attribution] spread=%s total=%.2f spread_pnl=%.2f directional=%.2f hedge_quality=%.3f class=%s",
			st.SpreadID, components.TotalPnL, components.SpreadPnL, components.DirectionalPnL,
			components.HedgeQuality, components.Classification)
	}
}
