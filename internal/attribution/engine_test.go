package attribution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metarpc-labs/pairengine/internal/gridstate"
)

func baseEntry() EntrySnapshot {
	return EntrySnapshot{
		Timestamp:             time.Now(),
		PrimaryBid:            1.1000,
		PrimaryAsk:            1.1002,
		SecondaryBid:          1.2700,
		SecondaryAsk:          1.2702,
		Spread:                0.05,
		Mean:                  0.03,
		Std:                   0.01,
		ZScore:                2.0,
		HedgeRatio:            0.5,
		PrimaryVolume:         1.0,
		SecondaryVolume:       0.5,
		PrimarySide:           gridstate.SideShort, // entered SHORT since spread > mean
		PrimaryPrice:          1.1001,
		SecondaryPrice:        1.2701,
		PrimaryContractSize:   100000,
		SecondaryContractSize: 100000,
	}
}

func TestRegisterAndCalculateUnknownSpreadFails(t *testing.T) {
	e := NewEngine(7.0)
	_, ok := e.Calculate("missing", baseEntry(), 100.0)
	require.False(t, ok)
}

func TestCalculateSpreadReversionTowardMeanIsFavorable(t *testing.T) {
	e := NewEngine(7.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)

	current := entry
	current.Spread = 0.04 // moved back toward the mean from above
	current.Mean = 0.03

	comps, ok := e.Calculate("s1", current, 50.0)
	require.True(t, ok)
	require.Greater(t, comps.SpreadPnL, 0.0, "reversion toward the mean from above should be favorable for a SHORT entry")
	require.Equal(t, 50.0, comps.TotalPnL)
}

func TestCalculateMeanDriftFollowsEntrySide(t *testing.T) {
	e := NewEngine(0.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)

	current := entry
	current.Mean = 0.04 // mean drifted up, same direction as the spread itself

	comps, ok := e.Calculate("s1", current, 10.0)
	require.True(t, ok)
	// entry.Spread(0.05) > entry.Mean(0.03) branch: meanChange is applied un-negated.
	require.Greater(t, comps.MeanDriftPnL, 0.0)
}

func TestCalculateDirectionalPnLIsResidual(t *testing.T) {
	e := NewEngine(0.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)

	comps, ok := e.Calculate("s1", entry, 123.45)
	require.True(t, ok)

	explained := comps.SpreadPnL + comps.MeanDriftPnL + comps.HedgeImbalancePnL + comps.TransactionCosts + comps.Slippage + comps.RebalanceAlpha
	require.InDelta(t, 123.45-explained, comps.DirectionalPnL, 1e-9)
}

func TestCalculateHedgeImbalanceZeroWhenHedgeRatioUnchanged(t *testing.T) {
	e := NewEngine(0.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)

	current := entry // hedge ratio between current and entry volumes unchanged

	comps, ok := e.Calculate("s1", current, 10.0)
	require.True(t, ok)
	require.InDelta(t, 0.0, comps.HedgeImbalancePnL, 1e-9)
}

func TestCalculateTransactionCostsAreNegative(t *testing.T) {
	e := NewEngine(7.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)

	comps, ok := e.Calculate("s1", entry, 10.0)
	require.True(t, ok)
	require.Less(t, comps.TransactionCosts, 0.0)
}

func TestRecordRebalanceAccruesAlpha(t *testing.T) {
	e := NewEngine(0.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)
	now := time.Now()

	e.RecordRebalance("s1", 12.5, now)
	e.RecordRebalance("s1", 3.5, now.Add(time.Minute))

	comps, ok := e.Calculate("s1", entry, 10.0)
	require.True(t, ok)
	require.InDelta(t, 16.0, comps.RebalanceAlpha, 1e-9)
}

func TestUnregisterSpreadDropsTracking(t *testing.T) {
	e := NewEngine(0.0)
	entry := baseEntry()
	e.RegisterSpread("s1", entry)
	e.UnregisterSpread("s1")

	_, ok := e.Calculate("s1", entry, 10.0)
	require.False(t, ok)
}

func TestClassifyPureStatArb(t *testing.T) {
	require.Equal(t, "PURE_STAT_ARB", classify(80, 5))
}

func TestClassifyDirectional(t *testing.T) {
	require.Equal(t, "DIRECTIONAL", classify(10, 60))
}

func TestClassifyMixed(t *testing.T) {
	require.Equal(t, "MIXED", classify(40, 30))
}

func TestHedgeQualityNearZeroPnLUsesAbsoluteRegime(t *testing.T) {
	require.Equal(t, 1.0, hedgeQuality(2.0, 0.5))
	require.Equal(t, 0.8, hedgeQuality(10.0, 0.5))
	require.Equal(t, 0.6, hedgeQuality(30.0, 0.5))
	require.Equal(t, 0.3, hedgeQuality(100.0, 0.5))
}

func TestHedgeQualityLargePnLUsesRatioRegime(t *testing.T) {
	q := hedgeQuality(10.0, 100.0)
	require.InDelta(t, 0.9, q, 1e-9)
}
