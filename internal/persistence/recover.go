package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
)

// RecoveryOutcome reports what the startup reconciliation protocol decided
// (spec.md §4.8) so the caller (engine wiring) can log and wire registries.
type RecoveryOutcome struct {
	Case string // "idle_start" | "all_missing" | "partial_loss" | "restored" | "legacy_migrated"

	RestoredPositions map[string]PersistedPosition
	RestoredStates    map[gridstate.Side]gridstate.SpreadEntryState

	ArchivedSpreadIDs []string
	ClosedTickets     []uint64
}

// Recover implements the startup recovery protocol (spec.md §4.8):
//  1. no active-setup flag            -> idle start
//  2. flag set but no positions       -> clear flag, idle start
//  3. all persisted positions missing -> archive as "closed offline", reset states
//  4. all present                     -> restore, preferring last_z_entry from the state file
//  5. partial loss                    -> fail-closed: archive the spread, close all remaining
//  6. no state file but legacy data   -> best-effort migration
func Recover(ctx context.Context, store *Store, client broker.Client, magic int64, now time.Time) (RecoveryOutcome, error) {
	flag, err := store.IsSetupActive()
	if err != nil {
		return RecoveryOutcome{}, err
	}
	if !flag.Active {
		return recoverIdleOrLegacy(store)
	}

	persisted, err := store.LoadActivePositions()
	if err != nil {
		return RecoveryOutcome{}, err
	}
	if len(persisted) == 0 {
		if err := store.MarkSetupInactive(); err != nil {
			return RecoveryOutcome{}, err
		}
		return recoverIdleOrLegacy(store)
	}

	brokerPositions, err := client.PositionsGet(ctx, broker.PositionsFilter{Magic: magic})
	if err != nil {
		return RecoveryOutcome{}, fmt.Errorf("persistence: recover: list broker positions: %w", err)
	}
	live := make(map[uint64]bool, len(brokerPositions))
	for _, p := range brokerPositions {
		live[p.Ticket] = true
	}

	missing := map[string]PersistedPosition{}
	for id, pos := range persisted {
		if !live[pos.BrokerTicket] {
			missing[id] = pos
		}
	}

	if len(brokerPositions) == 0 && len(persisted) > 0 {
		return archiveAllOffline(store, persisted)
	}

	if len(missing) > 0 {
		return partialLossFailClosed(ctx, store, client, persisted, missing)
	}

	return restoreAll(store, persisted)
}

func recoverIdleOrLegacy(store *Store) (RecoveryOutcome, error) {
	states, err := store.LoadSpreadStates()
	if err != nil {
		return RecoveryOutcome{}, err
	}
	if len(states) > 0 {
		return RecoveryOutcome{Case: "idle_start", RestoredStates: states}, nil
	}

	positions, err := store.LoadActivePositions()
	if err != nil {
		return RecoveryOutcome{}, err
	}
	if len(positions) == 0 {
		return RecoveryOutcome{Case: "idle_start"}, nil
	}

	migrated := migrateFromActivePositions(positions)
	return RecoveryOutcome{
		Case:              "legacy_migrated",
		RestoredPositions: positions,
		RestoredStates:    migrated,
	}, nil
}

// migrateFromActivePositions reconstructs a best-effort SpreadEntryState
// per unique spread_id when no spread_states.json exists but
// active_positions.json does (spec.md §4.8 step 7), grounded on
// original_source/recovery/recovery_manager.py's
// _migrate_from_active_positions.
func migrateFromActivePositions(positions map[string]PersistedPosition) map[gridstate.Side]gridstate.SpreadEntryState {
	bySpread := map[string][]PersistedPosition{}
	for _, pos := range positions {
		bySpread[pos.SpreadID] = append(bySpread[pos.SpreadID], pos)
	}

	const conservativeScaleInterval = 0.5
	out := map[gridstate.Side]gridstate.SpreadEntryState{}
	for spreadID, legs := range bySpread {
		first := legs[0]
		side := gridstate.SideLong
		if first.Side == "SHORT" {
			side = gridstate.SideShort
		}
		nextZ := first.EntryZScore - conservativeScaleInterval
		if side == gridstate.SideShort {
			nextZ = first.EntryZScore + conservativeScaleInterval
		}

		var primaryLots, secondaryLots float64
		for _, leg := range legs {
			if leg.IsPrimary {
				primaryLots += leg.Volume
			} else {
				secondaryLots += leg.Volume
			}
		}

		out[side] = gridstate.SpreadEntryState{
			SpreadID:           spreadID,
			Side:               side,
			LastZEntry:         first.EntryZScore,
			NextZEntry:         nextZ,
			EntryCount:         1,
			TotalPrimaryLots:   primaryLots,
			TotalSecondaryLots: secondaryLots,
		}
	}
	return out
}

func archiveAllOffline(store *Store, persisted map[string]PersistedPosition) (RecoveryOutcome, error) {
	now := time.Now()
	spreadIDs := map[string]bool{}
	for _, pos := range persisted {
		spreadIDs[pos.SpreadID] = true
	}

	var archived []string
	for spreadID := range spreadIDs {
		if err := store.ArchiveSpread(spreadID, "all_closed_offline", now); err != nil {
			return RecoveryOutcome{}, err
		}
		archived = append(archived, spreadID)
	}
	if err := store.SaveSpreadStates(map[gridstate.Side]gridstate.SpreadEntryState{}); err != nil {
		return RecoveryOutcome{}, err
	}
	if err := store.MarkSetupInactive(); err != nil {
		return RecoveryOutcome{}, err
	}
	return RecoveryOutcome{Case: "all_missing", ArchivedSpreadIDs: archived}, nil
}

// partialLossFailClosed treats a spread with one leg missing as an
// incomplete, potentially unhedged position: archive the spread and close
// every remaining ticket for it. This fail-closed bias is intentional
// (spec.md §4.8 step 6) even though the broker-side close may itself fail;
// the caller is expected to retry close-all via the execution worker.
func partialLossFailClosed(ctx context.Context, store *Store, client broker.Client, persisted, missing map[string]PersistedPosition) (RecoveryOutcome, error) {
	affectedSpreads := map[string]bool{}
	for _, pos := range missing {
		affectedSpreads[pos.SpreadID] = true
	}

	var closed []uint64
	now := time.Now()
	for _, pos := range persisted {
		if !affectedSpreads[pos.SpreadID] {
			continue
		}
		if _, isMissing := findByTicket(missing, pos.BrokerTicket); isMissing {
			continue // already gone, nothing to close
		}
		res, err := client.ClosePosition(ctx, pos.BrokerTicket)
		if err == nil && res.Success {
			closed = append(closed, pos.BrokerTicket)
		}
	}

	var archived []string
	for spreadID := range affectedSpreads {
		if err := store.ArchiveSpread(spreadID, "partial_spread_detected", now); err != nil {
			return RecoveryOutcome{}, err
		}
		archived = append(archived, spreadID)
	}

	states, err := store.LoadSpreadStates()
	if err != nil {
		return RecoveryOutcome{}, err
	}
	for spreadID := range affectedSpreads {
		for side, st := range states {
			if st.SpreadID == spreadID {
				delete(states, side)
			}
		}
	}
	if err := store.SaveSpreadStates(states); err != nil {
		return RecoveryOutcome{}, err
	}
	if err := store.MarkSetupInactive(); err != nil {
		return RecoveryOutcome{}, err
	}

	return RecoveryOutcome{Case: "partial_loss", ArchivedSpreadIDs: archived, ClosedTickets: closed}, nil
}

func findByTicket(positions map[string]PersistedPosition, ticket uint64) (PersistedPosition, bool) {
	for _, pos := range positions {
		if pos.BrokerTicket == ticket {
			return pos, true
		}
	}
	return PersistedPosition{}, false
}

// restoreAll restores every persisted position into the in-memory registry
// view returned to the caller, preferring last_z_entry from
// spread_states.json over the persisted entry z-score when both exist
// (spec.md §4.8 step 5 — "this preserves the grid's position on the ladder
// across restarts").
func restoreAll(store *Store, persisted map[string]PersistedPosition) (RecoveryOutcome, error) {
	states, err := store.LoadSpreadStates()
	if err != nil {
		return RecoveryOutcome{}, err
	}

	if len(states) == 0 {
		states = migrateFromActivePositions(persisted)
	}

	return RecoveryOutcome{
		Case:              "restored",
		RestoredPositions: persisted,
		RestoredStates:    states,
	}, nil
}
