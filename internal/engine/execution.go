package engine

import (
	"context"
	"log"
	"time"
)

// runExecution pops Actions and dispatches to the execution worker.
func (e *Engine) runExecution(ctx context.Context) {
	for {
		act, err := e.actionQueue.Pop(ctx)
		if err != nil {
			return
		}
		e.executionBase.Tick(time.Now())
		e.dispatch(ctx, act)
	}
}

func (e *Engine) dispatch(ctx context.Context, act Action) {
	switch act.Kind {
	case ActionExit:
		e.handleExit(ctx, act)
	case ActionEntryOrPyramid:
		e.handleEntryOrPyramid(ctx, act)
	case ActionVolumeRebalance:
		e.handleRebalance(ctx, act)
	}
}

func (e *Engine) handleExit(ctx context.Context, act Action) {
	if act.SpreadID == "" {
		return
	}
	result, err := e.execWorker.ExecuteExit(ctx, act.SpreadID, act.Reason)
	if err != nil {
		e.executionBase.RecordError(err)
		log.Printf("[execution] exit %s failed: %v", act.SpreadID, err)
		return
	}
	e.attrib.UnregisterSpread(act.SpreadID)
	log.Printf("[execution] exit %s closed=%d failed=%d", act.SpreadID, len(result.Closed), len(result.Failed))
}

func (e *Engine) handleEntryOrPyramid(ctx context.Context, act Action) {
	_, isPyramid := e.machine.Active(act.Side)

	if isPyramid {
		decision := e.machine.CheckPyramid(act.Side, act.ZScore, e.cfg.Trading.MaxEntries, e.cfg.Trading.MaxZScore)
		if !decision.Fire {
			return
		}
	}

	account, err := e.client.AccountInfo(ctx)
	if err != nil {
		e.executionBase.RecordError(err)
		log.Printf("[execution] account info failed: %v", err)
		return
	}

	primaryPrice := midPrice(act.Snapshot.PrimaryBid, act.Snapshot.PrimaryAsk)
	primaryLots, secondaryLots := sizePosition(account.Equity, primaryPrice, act.Snapshot.HedgeRatio, e.cfg.Trading.InitialFraction)
	if primaryLots <= 0 || secondaryLots <= 0 {
		log.Printf("[execution] skipping %s entry: degenerate sizing (price=%.5f hedge=%.5f)",
			act.Side, primaryPrice, act.Snapshot.HedgeRatio)
		return
	}

	scaleInterval := e.live.ScaleInterval()
	fill, err := e.execWorker.PlaceSpread(ctx, act.Side, act.Snapshot, primaryLots, secondaryLots, scaleInterval, isPyramid)
	if err != nil {
		e.executionBase.RecordError(err)
		log.Printf("[execution] place spread %s failed: %v", act.Side, err)
		return
	}
	if e.metrics != nil {
		e.metrics.IncEntry(act.Side.String())
	}
	log.Printf("[execution] %s spread=%s primary_ticket=%d secondary_ticket=%d",
		map[bool]string{true: "pyramid", false: "entry"}[isPyramid],
		fill.SpreadID, fill.PrimaryResult.Ticket, fill.SecondaryResult.Ticket)
}

func (e *Engine) handleRebalance(ctx context.Context, act Action) {
	result, err := e.execWorker.PlaceSingleLeg(ctx, act.Rebalance.Symbol, act.Rebalance.Side, act.Rebalance.Volume)
	if err != nil {
		e.executionBase.RecordError(err)
		log.Printf("[execution] rebalance %s failed: %v", act.SpreadID, err)
		return
	}
	e.rebalancer.RecordAdjustment(act.SpreadID, time.Now())
	// No fill-based alpha estimator exists yet; accrue a zero-alpha
	// rebalance so lastRebalanceAt bookkeeping stays current and the
	// attribution ticker's next Calculate call reflects the correction.
	e.attrib.RecordRebalance(act.SpreadID, 0, time.Now())
	log.Printf("[execution] rebalance %s leg=%s volume=%.4f ticket=%d",
		act.SpreadID, act.Rebalance.Symbol, act.Rebalance.Volume, result.Ticket)
}
