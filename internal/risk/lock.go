// Package risk implements the three-layer risk supervisor (per-setup,
// total-portfolio, daily-loss) and the trading lock manager (spec.md §4.6),
// grounded on original_source/threads/risk_management_thread.py's
// RiskManagementThread.
package risk

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/metarpc-labs/pairengine/internal/persistence"
)

// LockManager owns LockState and is authoritative over any in-memory
// "locked" flag (spec.md §3 ownership rule). Unlocking on session rollover
// happens lazily on read, matching the teacher's pattern of checking state
// freshness at the point of use rather than running a separate timer.
type LockManager struct {
	mu    sync.Mutex
	store *persistence.Store

	sessionStart, sessionEnd string // "HH:MM" local

	state persistence.LockStateFile
}

// NewLockManager loads any persisted lock and applies rollover immediately.
func NewLockManager(store *persistence.Store, sessionStart, sessionEnd string) (*LockManager, error) {
	ls, err := store.LoadLockState()
	if err != nil {
		return nil, err
	}
	lm := &LockManager{store: store, sessionStart: sessionStart, sessionEnd: sessionEnd, state: ls}
	lm.maybeRolloverLocked(time.Now())
	return lm, nil
}

// IsLocked reports the current lock state, rolling it over first if the
// session boundary has passed.
func (lm *LockManager) IsLocked() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.maybeRolloverLocked(time.Now())
	return lm.state.TradingLocked
}

// Lock engages the trading lock until the next session start
// (spec.md §3 LockState lifecycle).
func (lm *LockManager) Lock(reason string, dailyPnL, dailyLimit float64, now time.Time) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.state = persistence.LockStateFile{
		TradingLocked:    true,
		LockReason:       reason,
		LockedAt:         now,
		LockedUntil:      nextSessionStart(now, lm.sessionStart),
		DailyPnLAtLock:   dailyPnL,
		DailyLimitAtLock: dailyLimit,
		SessionDate:      now.Format("2006-01-02"),
	}
	return lm.store.SaveLockState(lm.state)
}

// Unlock clears the lock explicitly (operator override).
func (lm *LockManager) Unlock() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.state = persistence.LockStateFile{}
	return lm.store.SaveLockState(lm.state)
}

// State returns a copy of the current lock state.
func (lm *LockManager) State() persistence.LockStateFile {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.state
}

func (lm *LockManager) maybeRolloverLocked(now time.Time) {
	if !lm.state.TradingLocked {
		return
	}
	if !now.Before(lm.state.LockedUntil) {
		lm.state = persistence.LockStateFile{}
		_ = lm.store.SaveLockState(lm.state)
	}
}

// nextSessionStart returns the next time-of-day occurrence of hhmm
// ("HH:MM") strictly after now.
func nextSessionStart(now time.Time, hhmm string) time.Time {
	hh, mm := 0, 0
	if parts := strings.SplitN(hhmm, ":", 2); len(parts) == 2 {
		hh, _ = strconv.Atoi(parts[0])
		mm, _ = strconv.Atoi(parts[1])
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
