// Package execution applies Actions against the broker and keeps the grid
// state, persisted files, and every dependent registry consistent with
// what actually filled (spec.md §4.3), grounded on
// original_source/executors/entry_executor.py, exit_executor.py, and the
// teacher's MT5Sugar trading methods.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/metarpc-labs/pairengine/internal/attribution"
	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/brokererr"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
	"github.com/metarpc-labs/pairengine/internal/persistence"
	"github.com/metarpc-labs/pairengine/internal/stats"
)

// Registrar is the dual-registration target every fresh ticket is handed
// to (spec.md §4.3 step 4: "dual registration is mandatory"). Both the
// monitor worker and the risk supervisor implement it.
type Registrar interface {
	TrackTicket(ticket uint64)
	UntrackTicket(ticket uint64)
}

// AttributionRegistrar registers a freshly opened spread with the
// attribution engine using its entry snapshot (spec.md §4.3 step 5).
type AttributionRegistrar interface {
	RegisterSpread(spreadID string, entry attribution.EntrySnapshot)
}

// SpreadFill reports what PlaceSpread actually did.
type SpreadFill struct {
	SpreadID        string
	PrimaryResult   broker.OrderResult
	SecondaryResult broker.OrderResult
	State           gridstate.SpreadEntryState
}

// CloseAllResult reports the outcome of a close_all_by_tag fan-out.
type CloseAllResult struct {
	Closed    []uint64
	Failed    []uint64
	Remaining []uint64
}

// Worker is the execution worker of spec.md §4.3.
type Worker struct {
	client  broker.Client
	store   *persistence.Store
	machine *gridstate.Machine

	primarySymbol, secondarySymbol string
	magic                          int64
	closeConcurrency               int64

	monitor     Registrar
	risk        Registrar
	attribution AttributionRegistrar
}

// NewWorker wires the execution worker to its collaborators. monitor and
// risk are accepted as plain Registrar values so the worker itself never
// imports the monitor or risk packages (avoids an import cycle with risk,
// which already depends on gridstate/persistence).
func NewWorker(client broker.Client, store *persistence.Store, machine *gridstate.Machine,
	primarySymbol, secondarySymbol string, magic, closeConcurrency int64,
	monitor, risk Registrar, attribution AttributionRegistrar) *Worker {
	if closeConcurrency <= 0 {
		closeConcurrency = 1
	}
	return &Worker{
		client: client, store: store, machine: machine,
		primarySymbol: primarySymbol, secondarySymbol: secondarySymbol,
		magic: magic, closeConcurrency: closeConcurrency,
		monitor: monitor, risk: risk, attribution: attribution,
	}
}

func legSides(side gridstate.Side) (primary, secondary broker.Side) {
	if side == gridstate.SideLong {
		return broker.SideBuy, broker.SideSell
	}
	return broker.SideSell, broker.SideBuy
}

func sideLabel(side gridstate.Side) string {
	if side == gridstate.SideLong {
		return "LONG"
	}
	return "SHORT"
}

// PlaceSpread submits both legs of an entry or a pyramid (spec.md §4.3
// place_spread, merged with the grid-state transition of §4.4 since the
// two are inseparable: the state mutation must happen atomically around
// the order submission, not after the fact). isPyramid selects
// BeginPyramid/FinalizePyramid over BeginEntry/CommitEntry.
func (w *Worker) PlaceSpread(ctx context.Context, side gridstate.Side, snap stats.MarketSnapshot, primaryLots, secondaryLots, scaleInterval float64, isPyramid bool) (SpreadFill, error) {
	currentZ, spreadMean, hedgeRatio := snap.ZScore, snap.SpreadMean, snap.HedgeRatio

	var spreadID string
	var rollback gridstate.PyramidRollback

	if isPyramid {
		st, ok := w.machine.Active(side)
		if !ok {
			return SpreadFill{}, brokererr.New(brokererr.KindInvariant, "execution: pyramid requested without an active state")
		}
		spreadID = st.SpreadID
		r, err := w.machine.BeginPyramid(side, currentZ, scaleInterval)
		if err != nil {
			return SpreadFill{}, err
		}
		rollback = r
	} else {
		spreadID = uuid.NewString()
		if err := w.machine.BeginEntry(side, spreadID, currentZ, scaleInterval); err != nil {
			return SpreadFill{}, err
		}
	}

	primarySide, secondarySide := legSides(side)

	primaryRes, err := w.client.OrderSend(ctx, broker.OrderRequest{
		Symbol: w.primarySymbol, Side: primarySide, Volume: primaryLots,
		Magic: w.magic, Comment: "pairengine:" + spreadID,
	})
	if err != nil || !primaryRes.Success {
		if isPyramid {
			w.machine.RollbackPyramid(rollback)
		} else {
			w.machine.AbortEntry(side)
		}
		return SpreadFill{}, brokererr.Wrap(brokererr.KindTransient, err, "execution: primary leg order failed")
	}

	secondaryRes, err := w.client.OrderSend(ctx, broker.OrderRequest{
		Symbol: w.secondarySymbol, Side: secondarySide, Volume: secondaryLots,
		Magic: w.magic, Comment: "pairengine:" + spreadID,
	})
	if err != nil || !secondaryRes.Success {
		// The primary leg is now a real, filled, unhedged position. Per
		// spec.md §4.3 this must be recorded rather than silently rolled
		// back — the recovery protocol (internal/persistence.Recover) is
		// what ultimately resolves a one-legged spread on the next restart.
		now := time.Now()
		_ = w.store.SavePosition(persistence.PersistedPosition{
			PositionID: uuid.NewString(), SpreadID: spreadID, BrokerTicket: primaryRes.Ticket,
			Symbol: w.primarySymbol, Side: sideLabel(side), Volume: primaryRes.Volume,
			EntryPrice: primaryRes.Price, EntryTime: now, EntryZScore: currentZ,
			HedgeRatio: hedgeRatio, IsPrimary: true,
		})
		w.monitor.TrackTicket(primaryRes.Ticket)
		w.risk.TrackTicket(primaryRes.Ticket)

		// Commit the grid state reflecting only the filled leg instead of
		// leaving the sentinel dangling — an abandoned sentinel would
		// permanently block any future entry on this side. The state is
		// deliberately one-legged; the startup recovery protocol's
		// partial-loss case is what ultimately closes it out.
		var state gridstate.SpreadEntryState
		if isPyramid {
			state, _ = w.machine.FinalizePyramid(side, primaryLots, 0)
		} else {
			state, _ = w.machine.CommitEntry(side, primaryLots, 0, spreadMean)
		}
		_ = w.store.SaveSpreadStates(w.machine.Snapshot())

		return SpreadFill{SpreadID: spreadID, PrimaryResult: primaryRes, State: state},
			brokererr.New(brokererr.KindHedgeViolation, fmt.Sprintf("execution: secondary leg failed for spread %s, primary ticket %d is unhedged", spreadID, primaryRes.Ticket))
	}

	var state gridstate.SpreadEntryState
	if isPyramid {
		st, err := w.machine.FinalizePyramid(side, primaryLots, secondaryLots)
		if err != nil {
			return SpreadFill{}, err
		}
		state = st
	} else {
		st, err := w.machine.CommitEntry(side, primaryLots, secondaryLots, spreadMean)
		if err != nil {
			return SpreadFill{}, err
		}
		state = st
	}

	if err := w.store.SaveSpreadStates(w.machine.Snapshot()); err != nil {
		return SpreadFill{}, brokererr.Wrap(brokererr.KindStateIO, err, "execution: persist spread state after fill")
	}

	now := time.Now()
	_ = w.store.SavePosition(persistence.PersistedPosition{
		PositionID: uuid.NewString(), SpreadID: spreadID, BrokerTicket: primaryRes.Ticket,
		Symbol: w.primarySymbol, Side: sideLabel(side), Volume: primaryRes.Volume,
		EntryPrice: primaryRes.Price, EntryTime: now, EntryZScore: currentZ,
		HedgeRatio: hedgeRatio, IsPrimary: true,
	})
	_ = w.store.SavePosition(persistence.PersistedPosition{
		PositionID: uuid.NewString(), SpreadID: spreadID, BrokerTicket: secondaryRes.Ticket,
		Symbol: w.secondarySymbol, Side: sideLabel(side), Volume: secondaryRes.Volume,
		EntryPrice: secondaryRes.Price, EntryTime: now, EntryZScore: currentZ,
		HedgeRatio: hedgeRatio, IsPrimary: false,
	})

	w.monitor.TrackTicket(primaryRes.Ticket)
	w.monitor.TrackTicket(secondaryRes.Ticket)
	w.risk.TrackTicket(primaryRes.Ticket)
	w.risk.TrackTicket(secondaryRes.Ticket)

	if !isPyramid {
		primarySpec, _ := w.client.SymbolInfo(ctx, w.primarySymbol)
		secondarySpec, _ := w.client.SymbolInfo(ctx, w.secondarySymbol)
		if primarySpec.ContractSize == 0 {
			primarySpec.ContractSize = 1
		}
		if secondarySpec.ContractSize == 0 {
			secondarySpec.ContractSize = 1
		}
		w.attribution.RegisterSpread(spreadID, attribution.EntrySnapshot{
			Timestamp:              now,
			PrimaryBid:              snap.PrimaryBid,
			PrimaryAsk:              snap.PrimaryAsk,
			SecondaryBid:            snap.SecondaryBid,
			SecondaryAsk:            snap.SecondaryAsk,
			Spread:                  snap.Spread,
			Mean:                    snap.SpreadMean,
			Std:                     snap.SpreadStd,
			ZScore:                  snap.ZScore,
			HedgeRatio:              snap.HedgeRatio,
			PrimaryVolume:           primaryLots,
			SecondaryVolume:         secondaryLots,
			PrimarySide:             side,
			PrimaryPrice:            primaryRes.Price,
			SecondaryPrice:          secondaryRes.Price,
			PrimaryContractSize:     primarySpec.ContractSize,
			SecondaryContractSize:   secondarySpec.ContractSize,
		})
		if err := w.store.MarkSetupActive(spreadID, now); err != nil {
			return SpreadFill{}, brokererr.Wrap(brokererr.KindStateIO, err, "execution: mark setup active")
		}
	}

	return SpreadFill{SpreadID: spreadID, PrimaryResult: primaryRes, SecondaryResult: secondaryRes, State: state}, nil
}

// PlaceSingleLeg submits the one-sided correction order issued by the
// volume rebalancer (spec.md §4.5). The resulting open position count is
// expected to go odd; that is tolerated, not an error.
func (w *Worker) PlaceSingleLeg(ctx context.Context, symbol string, side broker.Side, volume float64) (broker.OrderResult, error) {
	res, err := w.client.OrderSend(ctx, broker.OrderRequest{
		Symbol: symbol, Side: side, Volume: volume, Magic: w.magic, Comment: "pairengine:rebalance",
	})
	if err != nil {
		return broker.OrderResult{}, brokererr.Wrap(brokererr.KindTransient, err, "execution: single-leg order failed")
	}
	if !res.Success {
		return res, brokererr.New(brokererr.KindTransient, "execution: single-leg order rejected")
	}
	w.monitor.TrackTicket(res.Ticket)
	w.risk.TrackTicket(res.Ticket)
	return res, nil
}

// CloseAllByTag fans out a close request to every open position under the
// configured magic tag, up to two bounded-parallel rounds (spec.md §4.3).
// It is fail-closed: any ticket still open after both rounds is reported
// in Remaining and the call returns an error so the caller (risk
// supervisor or signal worker) knows safety was not fully restored.
func (w *Worker) CloseAllByTag(ctx context.Context) (CloseAllResult, error) {
	positions, err := w.client.PositionsGet(ctx, broker.PositionsFilter{Magic: w.magic})
	if err != nil {
		return CloseAllResult{}, brokererr.Wrap(brokererr.KindTransient, err, "execution: list positions for close-all")
	}
	remaining := make([]uint64, len(positions))
	for i, p := range positions {
		remaining[i] = p.Ticket
	}

	var result CloseAllResult
	for round := 0; round < 2 && len(remaining) > 0; round++ {
		closed, failed := w.closeRound(ctx, remaining)
		result.Closed = append(result.Closed, closed...)
		for _, ticket := range closed {
			w.monitor.UntrackTicket(ticket)
			w.risk.UntrackTicket(ticket)
		}
		remaining = failed
	}
	result.Remaining = remaining

	if len(remaining) > 0 {
		return result, brokererr.New(brokererr.KindLimitBreach, fmt.Sprintf("execution: close-all left %d position(s) open after 2 rounds", len(remaining)))
	}
	return result, nil
}

func (w *Worker) closeRound(ctx context.Context, tickets []uint64) (closed, failed []uint64) {
	sem := semaphore.NewWeighted(w.closeConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ticket := range tickets {
		ticket := ticket
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				failed = append(failed, ticket)
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			res, err := w.client.ClosePosition(ctx, ticket)
			mu.Lock()
			if err == nil && res.Success {
				closed = append(closed, ticket)
			} else {
				failed = append(failed, ticket)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return closed, failed
}

// ExecuteExit closes every position under the tag and resets both sides of
// the grid state machine (spec.md §4.4 rule 4 "reset on exit"), archiving
// the exited spread's positions.
func (w *Worker) ExecuteExit(ctx context.Context, spreadID, reason string) (CloseAllResult, error) {
	result, closeErr := w.CloseAllByTag(ctx)

	w.machine.Reset(gridstate.SideLong)
	w.machine.Reset(gridstate.SideShort)
	_ = w.store.SaveSpreadStates(w.machine.Snapshot())
	if spreadID != "" {
		_ = w.store.ArchiveSpread(spreadID, reason, time.Now())
	}
	_ = w.store.MarkSetupInactive()

	return result, closeErr
}
