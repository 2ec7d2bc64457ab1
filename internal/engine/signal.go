package engine

import (
	"context"
	"log"
	"time"

	"github.com/metarpc-labs/pairengine/internal/gridstate"
	"github.com/metarpc-labs/pairengine/internal/signalengine"
	"github.com/metarpc-labs/pairengine/internal/stats"
)

// runSignal pops snapshots off snapshotQueue, classifies each with
// signalengine.Worker, and independently checks for a volume-rebalance
// correction on every snapshot when a position is open (spec.md §4.2:
// "Volume-rebalance classification: delegated to §4.5 on every snapshot
// when a position is open") — both checks can fire off the same snapshot,
// so up to two Actions are queued per tick.
func (e *Engine) runSignal(ctx context.Context) {
	for {
		snap, err := e.snapshotQueue.Pop(ctx)
		if err != nil {
			return
		}
		e.signalBase.Tick(time.Now())
		e.evaluateSnapshot(snap)
	}
}

func (e *Engine) evaluateSnapshot(snap stats.MarketSnapshot) {
	side, open := e.currentPosition()
	locked := e.lockMgr.IsLocked()

	dec := e.signal.Evaluate(snap.ZScore, open, side, locked)
	if e.metrics != nil {
		e.metrics.SetZScore(side.String(), snap.ZScore)
	}

	switch dec.Kind {
	case signalengine.ActionExit:
		e.enqueue(Action{
			Kind:     ActionExit,
			Side:     dec.Side,
			ZScore:   dec.ZScore,
			SpreadID: e.spreadIDForSide(dec.Side),
			Reason:   "exit_threshold",
		})
	case signalengine.ActionEntryOrPyramid:
		e.enqueue(Action{
			Kind:     ActionEntryOrPyramid,
			Side:     dec.Side,
			ZScore:   dec.ZScore,
			SpreadID: e.spreadIDForSide(dec.Side),
			Snapshot: snap,
		})
	}

	if open {
		e.checkRebalance(snap, side)
	}
}

// checkRebalance evaluates the currently-open side's realised volumes
// against the hedge ratio and queues a correction if the rebalancer's
// threshold and cooldown both clear.
func (e *Engine) checkRebalance(snap stats.MarketSnapshot, side gridstate.Side) {
	st, ok := e.machine.Active(side)
	if !ok {
		return
	}
	adj, fire := e.rebalancer.Check(st.SpreadID, e.cfg.PrimarySymbol, e.cfg.SecondarySymbol,
		snap.HedgeRatio, st.TotalPrimaryLots, st.TotalSecondaryLots, time.Now())
	if !fire {
		return
	}
	e.enqueue(Action{
		Kind:     ActionVolumeRebalance,
		Side:     side,
		SpreadID: st.SpreadID,
		Snapshot: snap,
		Rebalance: adj,
		Reason:   "volume_imbalance",
	})
}

func (e *Engine) enqueue(a Action) {
	if a.Kind == ActionExit {
		// An exit preempts everything already queued: drop pending actions
		// so the exit is the next one the execution loop consumes.
		drain, cancel := context.WithCancel(context.Background())
		cancel()
		for e.actionQueue.Len() > 0 {
			if dropped, err := e.actionQueue.Pop(drain); err == nil {
				log.Printf("[signal] exit preempts queued %s action", dropped.Kind)
			}
		}
	}
	if err := e.actionQueue.TryPush(a); err != nil {
		log.Printf("[signal] action queue full, dropping %s action", a.Kind)
	}
	if e.metrics != nil {
		e.metrics.SetQueueDepth("actionQueue", e.actionQueue.Len())
	}
}
