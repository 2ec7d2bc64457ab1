// Package persistence durably records SpreadEntryState, PersistedPosition
// and LockState (spec.md §3/§4.8) and reconciles them against the broker's
// truth at startup. Atomic writes (write-temp-then-rename) are grounded on
// chidi150c-coinbase's trader.go saveStateFrom/loadState pair; the
// reconciliation decision tree is grounded on
// original_source/recovery/recovery_manager.py's RecoveryManager.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metarpc-labs/pairengine/internal/brokererr"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
)

// PersistedPosition is one leg of a spread (spec.md §3).
type PersistedPosition struct {
	PositionID   string    `json:"position_id"`
	SpreadID     string    `json:"spread_id"`
	BrokerTicket uint64    `json:"broker_ticket"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Volume       float64   `json:"volume"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	EntryZScore  float64   `json:"entry_zscore"`
	HedgeRatio   float64   `json:"hedge_ratio"`
	IsPrimary    bool      `json:"is_primary"`
}

// spreadStateFile is the on-disk shape of spread_states.json, keyed by side
// string ("LONG"/"SHORT") to mirror gridstate.Machine.Snapshot.
type spreadStateFile struct {
	Spreads     map[string]persistedSpreadState `json:"spreads"`
	LastUpdated time.Time                       `json:"last_updated"`
}

type persistedSpreadState struct {
	SpreadID             string  `json:"spread_id"`
	Side                 string  `json:"side"`
	LastZEntry           float64 `json:"last_z_entry"`
	NextZEntry           float64 `json:"next_z_entry"`
	EntryCount           int     `json:"entry_count"`
	TotalPrimaryLots     float64 `json:"total_primary_lots"`
	TotalSecondaryLots   float64 `json:"total_secondary_lots"`
	FirstEntrySpreadMean float64 `json:"first_entry_spread_mean"`
}

// Store owns every on-disk file named in spec.md §6's schema table, rooted
// at a state directory (typically PairConfig.System.StateDir == "asset").
type Store struct {
	mu  sync.Mutex
	dir string
}

// New returns a Store rooted at dir, creating the directory layout
// (state/, positions/, positions/history/) if absent.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"state", "positions", filepath.Join("positions", "history")} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("persistence: mkdir %s: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.dir}, parts...)...)
}

// writeAtomic writes data to path via write-temp-then-rename so a crash
// mid-write never corrupts the previous, valid file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "rename temp file")
	}
	return nil
}

// SaveSpreadStates atomically persists the grid machine's current snapshot
// to state/spread_states.json (spec.md §4.3 step 2).
func (s *Store) SaveSpreadStates(states map[gridstate.Side]gridstate.SpreadEntryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := spreadStateFile{Spreads: map[string]persistedSpreadState{}, LastUpdated: time.Now()}
	for side, st := range states {
		file.Spreads[side.String()] = persistedSpreadState{
			SpreadID:             st.SpreadID,
			Side:                 side.String(),
			LastZEntry:           st.LastZEntry,
			NextZEntry:           st.NextZEntry,
			EntryCount:           st.EntryCount,
			TotalPrimaryLots:     st.TotalPrimaryLots,
			TotalSecondaryLots:   st.TotalSecondaryLots,
			FirstEntrySpreadMean: st.FirstEntrySpreadMean,
		}
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "marshal spread states")
	}
	return writeAtomic(s.path("state", "spread_states.json"), data)
}

// LoadSpreadStates reads state/spread_states.json. A missing file is not an
// error — it returns an empty map (fresh start).
func (s *Store) LoadSpreadStates() (map[gridstate.Side]gridstate.SpreadEntryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path("state", "spread_states.json"))
	if os.IsNotExist(err) {
		return map[gridstate.Side]gridstate.SpreadEntryState{}, nil
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindStateIO, err, "read spread states")
	}

	var file spreadStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, brokererr.Wrap(brokererr.KindStateIO, err, "parse spread states")
	}

	out := make(map[gridstate.Side]gridstate.SpreadEntryState, len(file.Spreads))
	for _, pst := range file.Spreads {
		side := gridstate.SideNone
		switch pst.Side {
		case "LONG":
			side = gridstate.SideLong
		case "SHORT":
			side = gridstate.SideShort
		default:
			continue
		}
		out[side] = gridstate.SpreadEntryState{
			SpreadID:             pst.SpreadID,
			Side:                 side,
			LastZEntry:           pst.LastZEntry,
			NextZEntry:           pst.NextZEntry,
			EntryCount:           pst.EntryCount,
			TotalPrimaryLots:     pst.TotalPrimaryLots,
			TotalSecondaryLots:   pst.TotalSecondaryLots,
			FirstEntrySpreadMean: pst.FirstEntrySpreadMean,
		}
	}
	return out, nil
}

// activePositionsFile is the on-disk shape of positions/active_positions.json.
type activePositionsFile map[string]PersistedPosition

// SavePosition upserts one leg into positions/active_positions.json.
func (s *Store) SavePosition(pos PersistedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadActivePositionsLocked()
	if err != nil {
		return err
	}
	if pos.PositionID == "" {
		pos.PositionID = uuid.NewString()
	}
	all[pos.PositionID] = pos
	return s.saveActivePositionsLocked(all)
}

// DeletePosition removes one leg by position id.
func (s *Store) DeletePosition(positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadActivePositionsLocked()
	if err != nil {
		return err
	}
	delete(all, positionID)
	return s.saveActivePositionsLocked(all)
}

// LoadActivePositions returns every currently-open leg.
func (s *Store) LoadActivePositions() (map[string]PersistedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadActivePositionsLocked()
}

func (s *Store) loadActivePositionsLocked() (activePositionsFile, error) {
	data, err := os.ReadFile(s.path("positions", "active_positions.json"))
	if os.IsNotExist(err) {
		return activePositionsFile{}, nil
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindStateIO, err, "read active positions")
	}
	var all activePositionsFile
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, brokererr.Wrap(brokererr.KindStateIO, err, "parse active positions")
	}
	if all == nil {
		all = activePositionsFile{}
	}
	return all, nil
}

func (s *Store) saveActivePositionsLocked(all activePositionsFile) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "marshal active positions")
	}
	return writeAtomic(s.path("positions", "active_positions.json"), data)
}

// ArchiveSpread moves every leg of spreadID out of active_positions.json
// and into positions/history/closed_<spread_id>_<unix>.json, tagged with a
// reason (spec.md §4.8 recovery protocol).
func (s *Store) ArchiveSpread(spreadID, reason string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadActivePositionsLocked()
	if err != nil {
		return err
	}

	archived := map[string]PersistedPosition{}
	for id, pos := range all {
		if pos.SpreadID == spreadID {
			archived[id] = pos
			delete(all, id)
		}
	}
	if len(archived) == 0 {
		return nil
	}

	record := struct {
		SpreadID  string                        `json:"spread_id"`
		Reason    string                        `json:"reason"`
		ClosedAt  time.Time                     `json:"closed_at"`
		Positions map[string]PersistedPosition `json:"positions"`
	}{SpreadID: spreadID, Reason: reason, ClosedAt: closedAt, Positions: archived}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "marshal archive record")
	}
	histPath := s.path("positions", "history", fmt.Sprintf("closed_%s_%d.json", spreadID, closedAt.Unix()))
	if err := writeAtomic(histPath, data); err != nil {
		return err
	}
	return s.saveActivePositionsLocked(all)
}

// ClearActivePositions wipes positions/active_positions.json without
// archiving — used only for legacy-migration cleanup paths.
func (s *Store) ClearActivePositions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveActivePositionsLocked(activePositionsFile{})
}

// LockStateFile is the persisted shape of state/trading_lock.json
// (spec.md §3 LockState).
type LockStateFile struct {
	TradingLocked    bool      `json:"trading_locked"`
	LockReason       string    `json:"lock_reason"`
	LockedAt         time.Time `json:"locked_at"`
	LockedUntil      time.Time `json:"locked_until"`
	DailyPnLAtLock   float64   `json:"daily_pnl_at_lock"`
	DailyLimitAtLock float64   `json:"daily_limit_at_lock"`
	SessionDate      string    `json:"session_date"`
}

// SaveLockState persists LockState atomically.
func (s *Store) SaveLockState(ls LockStateFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(ls, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "marshal lock state")
	}
	return writeAtomic(s.path("state", "trading_lock.json"), data)
}

// LoadLockState reads state/trading_lock.json; a missing file means
// unlocked (the zero value).
func (s *Store) LoadLockState() (LockStateFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path("state", "trading_lock.json"))
	if os.IsNotExist(err) {
		return LockStateFile{}, nil
	}
	if err != nil {
		return LockStateFile{}, brokererr.Wrap(brokererr.KindStateIO, err, "read lock state")
	}
	var ls LockStateFile
	if err := json.Unmarshal(data, &ls); err != nil {
		return LockStateFile{}, brokererr.Wrap(brokererr.KindStateIO, err, "parse lock state")
	}
	return ls, nil
}

// activeSetupFlag is the persisted shape of active_setup_flag.json.
type activeSetupFlag struct {
	Active      bool      `json:"active"`
	SpreadID    string    `json:"spread_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

// MarkSetupActive writes active_setup_flag.json with active=true
// (spec.md §4.3 step 6).
func (s *Store) MarkSetupActive(spreadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(activeSetupFlag{Active: true, SpreadID: spreadID, ActivatedAt: at}, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "marshal setup flag")
	}
	return writeAtomic(s.path("active_setup_flag.json"), data)
}

// MarkSetupInactive clears the active-setup flag.
func (s *Store) MarkSetupInactive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(activeSetupFlag{Active: false}, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindStateIO, err, "marshal setup flag")
	}
	return writeAtomic(s.path("active_setup_flag.json"), data)
}

// IsSetupActive reads the active-setup flag; a missing file means inactive.
func (s *Store) IsSetupActive() (activeSetupFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path("active_setup_flag.json"))
	if os.IsNotExist(err) {
		return activeSetupFlag{}, nil
	}
	if err != nil {
		return activeSetupFlag{}, brokererr.Wrap(brokererr.KindStateIO, err, "read setup flag")
	}
	var flag activeSetupFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return activeSetupFlag{}, brokererr.Wrap(brokererr.KindStateIO, err, "parse setup flag")
	}
	return flag, nil
}
