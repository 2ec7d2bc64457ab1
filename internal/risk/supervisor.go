package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/config"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
	"github.com/metarpc-labs/pairengine/internal/persistence"
)

// Severity classifies an Alert for the monitor/log sink.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "warn"
}

// Alert is a throttled notice surfaced by Evaluate (margin, drawdown,
// position-count sanity), grounded on risk_management_thread.py's
// should_alert/last_alerts cooldown dict.
type Alert struct {
	Key      string
	Severity Severity
	Message  string
}

// SpreadPnL is one setup's current unrealized profit, supplied by the
// caller (the engine's risk loop sums broker-reported position profit per
// spread) since the supervisor itself holds no price feed.
type SpreadPnL struct {
	SpreadID string
	PnL      float64
}

// Decision is the outcome of one Evaluate pass: what the caller (engine
// wiring) must do in response. Per spec.md §9's Open Question, a per-setup
// breach still triggers a full close-all — the broker surface this engine
// depends on (broker.Client) can close one ticket at a time but has no
// "close everything tagged with spread X" primitive, so BreachedSpread
// carries the originating spread for logging even though the action taken
// is identical to a total-portfolio breach.
type Decision struct {
	CloseAll       bool
	CloseAllReason string // "per_setup_loss" | "total_portfolio_loss" | "daily_loss_limit"
	BreachedSpread string // set when CloseAllReason == "per_setup_loss"

	LockTrading bool // true alongside CloseAll when the daily limit fires

	ManualClosureDetected bool
	MissingTickets        []uint64

	Alerts []Alert
}

// Supervisor implements the three-layer risk check (spec.md §4.6):
// per-setup loss, total portfolio unrealized loss, and daily loss limit,
// plus margin/drawdown monitoring, manual-closure detection, and a
// position-count sanity check. Grounded on
// original_source/threads/risk_management_thread.py's RiskManagementThread.
type Supervisor struct {
	mu sync.Mutex

	live  *config.Live
	store *persistence.Store
	lock  *LockManager

	limiters map[string]*rate.Limiter
	cooldown time.Duration

	maxOpenPositions int
	marginWarnPct    float64
	marginCritPct    float64
	drawdownWarnPct  float64
	drawdownCritPct  float64
	recoveryFraction float64

	totalBreachTriggered bool
	peakEquity           float64

	monitored map[uint64]bool
}

// NewSupervisor builds a Supervisor from the risk config snapshot taken at
// load time: alert cooldown, margin, drawdown, position-count and recovery
// settings are fixed here, while the three loss-limit percentages are read
// from live on every Evaluate call.
func NewSupervisor(live *config.Live, store *persistence.Store, lock *LockManager, cfg config.RiskConfig) *Supervisor {
	cooldown := cfg.AlertCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Supervisor{
		live:             live,
		store:            store,
		lock:             lock,
		limiters:         make(map[string]*rate.Limiter),
		cooldown:         cooldown,
		maxOpenPositions: cfg.MaxOpenPositions,
		marginWarnPct:    cfg.MarginLevelWarnPct,
		marginCritPct:    cfg.MarginLevelCriticalPct,
		drawdownWarnPct:  cfg.DrawdownWarnPct,
		drawdownCritPct:  cfg.DrawdownCriticalPct,
		recoveryFraction: cfg.RecoveryFraction,
		monitored:        make(map[uint64]bool),
	}
}

// TrackTicket registers a ticket as under engine management, so a later
// Evaluate call can detect it vanishing outside engine control.
func (s *Supervisor) TrackTicket(ticket uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitored[ticket] = true
}

// UntrackTicket removes a ticket the engine itself closed.
func (s *Supervisor) UntrackTicket(ticket uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitored, ticket)
}

// ClearTracked drops every tracked ticket, used after a close-all.
func (s *Supervisor) ClearTracked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitored = make(map[uint64]bool)
}

// Evaluate runs one full risk pass. account and spreadPnL are sourced from
// the broker by the caller on each risk tick
// (system.risk_interval); openTickets is the current broker-side set of
// managed tickets (used for manual-closure detection and the sanity check).
// startingBalance is the account balance at session start, the base of the
// daily loss limit (spec.md §4.6 layer 3: daily_loss_limit_pct ×
// starting_balance, not the live balance, which itself shrinks as realized
// losses accrue and would otherwise tighten the limit intraday).
//
// The kill switch (config.Live.KillSwitchEnabled) never gates this method:
// risk_management_thread.py runs unconditionally regardless of the
// kill-switch flag, which original_source/threads/attribution_thread.py
// guards off by default (`if False and ...`) as an additional
// directional-forced-exit trigger, not a way to disable the loss limits
// below. A stalled signal thread must never be able to disable safety.
func (s *Supervisor) Evaluate(now time.Time, account broker.AccountInfo, startingBalance, dailyPnL float64, spreadPnL []SpreadPnL, openTickets map[uint64]bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dec Decision

	perSetupPct, totalPct, dailyPct := s.live.RiskPercentages()

	if account.Balance > 0 {
		perSetupLimit := account.Balance * perSetupPct / 100
		for _, sp := range spreadPnL {
			if sp.PnL < -perSetupLimit {
				dec.CloseAll = true
				dec.CloseAllReason = "per_setup_loss"
				dec.BreachedSpread = sp.SpreadID
				break
			}
		}

		totalLimit := account.Balance * totalPct / 100
		unrealized := account.Equity - account.Balance
		if !dec.CloseAll {
			if unrealized < -totalLimit && !s.totalBreachTriggered {
				s.totalBreachTriggered = true
				dec.CloseAll = true
				dec.CloseAllReason = "total_portfolio_loss"
			} else if unrealized >= -totalLimit*s.recoveryFraction {
				s.totalBreachTriggered = false
			}
		}
	}

	if startingBalance > 0 {
		dailyLimit := startingBalance * dailyPct / 100
		if !dec.CloseAll && dailyPnL < -dailyLimit {
			dec.CloseAll = true
			dec.CloseAllReason = "daily_loss_limit"
			dec.LockTrading = true
		}

		if dec.LockTrading && s.lock != nil {
			_ = s.lock.Lock("daily_loss_limit", dailyPnL, dailyLimit, now)
		}
	}

	dec.Alerts = append(dec.Alerts, s.marginAlerts(now, account)...)
	dec.Alerts = append(dec.Alerts, s.drawdownAlerts(now, account)...)
	dec.Alerts = append(dec.Alerts, s.positionCountAlert(now, len(openTickets))...)

	detected, missing := s.detectManualClosure(openTickets)
	dec.ManualClosureDetected = detected
	dec.MissingTickets = missing

	return dec
}

func (s *Supervisor) allow(key string) bool {
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cooldown), 1)
		s.limiters[key] = lim
	}
	return lim.Allow()
}

func (s *Supervisor) marginAlerts(now time.Time, account broker.AccountInfo) []Alert {
	if account.MarginLevel <= 0 {
		return nil // no open positions, margin level undefined
	}
	switch {
	case account.MarginLevel < s.marginCritPct:
		if s.allow("margin_critical") {
			return []Alert{{Key: "margin_critical", Severity: SeverityCritical,
				Message: fmt.Sprintf("margin level %.1f%% below critical threshold %.1f%%", account.MarginLevel, s.marginCritPct)}}
		}
	case account.MarginLevel < s.marginWarnPct:
		if s.allow("margin_warn") {
			return []Alert{{Key: "margin_warn", Severity: SeverityWarn,
				Message: fmt.Sprintf("margin level %.1f%% below warn threshold %.1f%%", account.MarginLevel, s.marginWarnPct)}}
		}
	}
	return nil
}

func (s *Supervisor) drawdownAlerts(now time.Time, account broker.AccountInfo) []Alert {
	if account.Equity > s.peakEquity {
		s.peakEquity = account.Equity
	}
	if s.peakEquity <= 0 {
		return nil
	}
	drawdownPct := (s.peakEquity - account.Equity) / s.peakEquity * 100
	switch {
	case drawdownPct > s.drawdownCritPct:
		if s.allow("drawdown_critical") {
			return []Alert{{Key: "drawdown_critical", Severity: SeverityCritical,
				Message: fmt.Sprintf("drawdown %.1f%% exceeds critical threshold %.1f%%", drawdownPct, s.drawdownCritPct)}}
		}
	case drawdownPct > s.drawdownWarnPct:
		if s.allow("drawdown_warn") {
			return []Alert{{Key: "drawdown_warn", Severity: SeverityWarn,
				Message: fmt.Sprintf("drawdown %.1f%% exceeds warn threshold %.1f%%", drawdownPct, s.drawdownWarnPct)}}
		}
	}
	return nil
}

func (s *Supervisor) positionCountAlert(now time.Time, count int) []Alert {
	if s.maxOpenPositions <= 0 || count <= s.maxOpenPositions {
		return nil
	}
	if s.allow("position_count") {
		return []Alert{{Key: "position_count", Severity: SeverityCritical,
			Message: fmt.Sprintf("open position count %d exceeds sanity threshold %d", count, s.maxOpenPositions)}}
	}
	return nil
}

// detectManualClosure compares the tracked ticket set against the current
// broker-side set, mirroring risk_management_thread.py's diff against
// monitored_tickets. Tracked tickets still present are left alone; missing
// ones are reported so the caller can reconcile gridstate/persistence.
func (s *Supervisor) detectManualClosure(openTickets map[uint64]bool) (bool, []uint64) {
	if len(s.monitored) == 0 {
		return false, nil
	}
	var missing []uint64
	for ticket := range s.monitored {
		if !openTickets[ticket] {
			missing = append(missing, ticket)
		}
	}
	return len(missing) > 0, missing
}

// CleanupAfterCloseAll mirrors risk_management_thread.py's
// _cleanup_internal_tracking: reset both sides of the grid state machine,
// clear the active-setup flag, and drop tracked tickets. The caller is
// expected to have already archived the relevant spread(s) via the
// persistence store before calling this.
func CleanupAfterCloseAll(ctx context.Context, machine *gridstate.Machine, store *persistence.Store, sup *Supervisor) error {
	machine.Reset(gridstate.SideLong)
	machine.Reset(gridstate.SideShort)
	if sup != nil {
		sup.ClearTracked()
	}
	if err := store.MarkSetupInactive(); err != nil {
		return fmt.Errorf("risk: cleanup: %w", err)
	}
	if err := store.SaveSpreadStates(map[gridstate.Side]gridstate.SpreadEntryState{}); err != nil {
		return fmt.Errorf("risk: cleanup: %w", err)
	}
	return nil
}
