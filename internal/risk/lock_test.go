package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metarpc-labs/pairengine/internal/persistence"
)

func TestLockManagerLockPersistsAndReports(t *testing.T) {
	store, err := persistence.New(t.TempDir())
	require.NoError(t, err)

	lm, err := NewLockManager(store, "00:00", "23:59")
	require.NoError(t, err)
	require.False(t, lm.IsLocked())

	// IsLocked rolls over against the wall clock, so lock relative to now.
	now := time.Now()
	require.NoError(t, lm.Lock("daily_loss_limit", -1200, -1000, now))
	require.True(t, lm.IsLocked())
	require.Equal(t, "daily_loss_limit", lm.State().LockReason)

	reloaded, err := store.LoadLockState()
	require.NoError(t, err)
	require.True(t, reloaded.TradingLocked)
}

func TestLockManagerRollsOverAfterSessionStart(t *testing.T) {
	store, err := persistence.New(t.TempDir())
	require.NoError(t, err)

	lm, err := NewLockManager(store, "09:00", "17:00")
	require.NoError(t, err)

	lockedAt := time.Now()
	require.NoError(t, lm.Lock("daily_loss_limit", -1000, -900, lockedAt))
	require.True(t, lm.IsLocked())

	// Force the clock-dependent check by reloading a manager whose
	// persisted LockedUntil has already passed.
	past := lm.State()
	require.NoError(t, store.SaveLockState(persistence.LockStateFile{
		TradingLocked: true, LockReason: past.LockReason,
		LockedAt: past.LockedAt, LockedUntil: past.LockedAt.Add(-time.Minute),
	}))
	lm2, err := NewLockManager(store, "09:00", "17:00")
	require.NoError(t, err)
	require.False(t, lm2.IsLocked())
}

func TestUnlockClearsState(t *testing.T) {
	store, err := persistence.New(t.TempDir())
	require.NoError(t, err)
	lm, err := NewLockManager(store, "00:00", "23:59")
	require.NoError(t, err)

	require.NoError(t, lm.Lock("daily_loss_limit", -500, -400, time.Now()))
	require.True(t, lm.IsLocked())
	require.NoError(t, lm.Unlock())
	require.False(t, lm.IsLocked())
}

func TestNextSessionStartRollsToTomorrowWhenPast(t *testing.T) {
	now := time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)
	next := nextSessionStart(now, "09:00")
	require.Equal(t, 2026, next.Year())
	require.Equal(t, time.August, next.Month())
	require.Equal(t, 1, next.Day())
	require.Equal(t, 9, next.Hour())
}

func TestNextSessionStartSameDayWhenStillAhead(t *testing.T) {
	now := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	next := nextSessionStart(now, "09:00")
	require.Equal(t, 31, next.Day())
	require.Equal(t, 9, next.Hour())
}
