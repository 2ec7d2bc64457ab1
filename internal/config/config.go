// Package config holds the pair definition and its seven parameter groups
// (spec.md §3 PairConfig, §6 "seven parameter groups"). The file format is
// YAML, loaded with gopkg.in/yaml.v3 — the same config library
// AlejandroRuiz99-polybot uses for its own bot configuration — with
// environment-variable overrides for the entry threshold, scale interval
// and state directory, in the same
// file-then-env priority cascade as the teacher's own config loader
// (examples/demos/config/config.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TradingConfig governs the entry/exit/pyramid grid (spec.md §4.4).
type TradingConfig struct {
	EntryThreshold float64 `yaml:"entry_threshold"`
	ExitThreshold  float64 `yaml:"exit_threshold"`
	ScaleInterval  float64 `yaml:"scale_interval"`
	MaxZScore      float64 `yaml:"max_zscore"`
	StopLossZScore float64 `yaml:"stop_loss_zscore"`
	InitialFraction float64 `yaml:"initial_fraction"`
	MaxEntries     int     `yaml:"max_entries"`
}

// ModelConfig governs the rolling-statistics pipeline (spec.md §4.1).
type ModelConfig struct {
	WindowBars   int           `yaml:"window_bars"`
	BarInterval  time.Duration `yaml:"bar_interval"`
	WindowDays   int           `yaml:"window_days"`
	StdEpsilon   float64       `yaml:"std_epsilon"`
}

// RiskConfig is the 3-layer limit configuration (spec.md §3, §4.6).
type RiskConfig struct {
	MaxLossPerSetupPct        float64 `yaml:"max_loss_per_setup_pct"`
	MaxTotalUnrealizedLossPct float64 `yaml:"max_total_unrealized_loss_pct"`
	DailyLossLimitPct         float64 `yaml:"daily_loss_limit_pct"`
	SessionStart              string  `yaml:"session_start"` // "HH:MM" local
	SessionEnd                string  `yaml:"session_end"`
	MarginLevelWarnPct        float64 `yaml:"margin_level_warn_pct"`
	MarginLevelCriticalPct    float64 `yaml:"margin_level_critical_pct"`
	DrawdownWarnPct           float64 `yaml:"drawdown_warn_pct"`
	DrawdownCriticalPct       float64 `yaml:"drawdown_critical_pct"`
	MaxOpenPositions          int     `yaml:"max_open_positions"`
	AlertCooldown             time.Duration `yaml:"alert_cooldown"`
	RecoveryFraction          float64 `yaml:"recovery_fraction"` // e.g. 0.8 = 80%
}

// RebalancerConfig governs the single-leg volume corrector (spec.md §4.5).
type RebalancerConfig struct {
	VolumeImbalanceThreshold float64       `yaml:"volume_imbalance_threshold"`
	MinAdjustmentInterval    time.Duration `yaml:"min_adjustment_interval"`
}

// FeatureConfig toggles optional behaviors (spec.md §6 "feature flags").
type FeatureConfig struct {
	KillSwitchEnabled bool `yaml:"kill_switch_enabled"`
	LegacyCooldown    bool `yaml:"legacy_cooldown"`
}

// SystemConfig governs cadences and the strategy tag (spec.md §5, §6).
type SystemConfig struct {
	Magic              int64         `yaml:"magic"`
	CollectorInterval  time.Duration `yaml:"collector_interval"`
	RiskInterval       time.Duration `yaml:"risk_interval"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	AttributionInterval time.Duration `yaml:"attribution_interval"`
	StateDir           string        `yaml:"state_dir"`
	CloseAllConcurrency int64        `yaml:"close_all_concurrency"`
}

// CostConfig governs attribution's cost estimate (spec.md §4.9).
type CostConfig struct {
	CommissionPerLotRoundTurn float64 `yaml:"commission_per_lot_round_turn"`
}

// PairConfig is the full, once-loaded pair definition (spec.md §3).
type PairConfig struct {
	PrimarySymbol   string `yaml:"primary_symbol"`
	SecondarySymbol string `yaml:"secondary_symbol"`

	Trading    TradingConfig    `yaml:"trading"`
	Model      ModelConfig      `yaml:"model"`
	Risk       RiskConfig       `yaml:"risk"`
	Rebalancer RebalancerConfig `yaml:"rebalancer"`
	Feature    FeatureConfig    `yaml:"feature"`
	System     SystemConfig     `yaml:"system"`
	Cost       CostConfig       `yaml:"cost"`
}

// Default returns sensible defaults for the worked example in spec.md §8
// scenario 1 (entry_threshold=2.0, scale_interval=0.5, initial_fraction=0.33).
func Default(primary, secondary string) PairConfig {
	return PairConfig{
		PrimarySymbol:   primary,
		SecondarySymbol: secondary,
		Trading: TradingConfig{
			EntryThreshold:  2.0,
			ExitThreshold:   0.5,
			ScaleInterval:   0.5,
			MaxZScore:       3.5,
			StopLossZScore:  4.5,
			InitialFraction: 0.33,
			MaxEntries:      10,
		},
		Model: ModelConfig{
			WindowBars:  720,
			BarInterval: time.Hour,
			WindowDays:  30,
			StdEpsilon:  1e-9,
		},
		Risk: RiskConfig{
			MaxLossPerSetupPct:        5,
			MaxTotalUnrealizedLossPct: 8,
			DailyLossLimitPct:         10,
			SessionStart:              "00:00",
			SessionEnd:                "23:59",
			MarginLevelWarnPct:        200,
			MarginLevelCriticalPct:    150,
			DrawdownWarnPct:           10,
			DrawdownCriticalPct:       15,
			MaxOpenPositions:          20,
			AlertCooldown:             5 * time.Minute,
			RecoveryFraction:          0.8,
		},
		Rebalancer: RebalancerConfig{
			VolumeImbalanceThreshold: 0.10,
			MinAdjustmentInterval:    time.Hour,
		},
		Feature: FeatureConfig{
			KillSwitchEnabled: false,
			LegacyCooldown:    false,
		},
		System: SystemConfig{
			Magic:               20260131,
			CollectorInterval:   time.Minute,
			RiskInterval:        5 * time.Second,
			MonitorInterval:     10 * time.Second,
			AttributionInterval: 60 * time.Second,
			StateDir:            "asset",
			CloseAllConcurrency: 100,
		},
		Cost: CostConfig{
			CommissionPerLotRoundTurn: 7.0,
		},
	}
}

// Load reads a YAML pair definition from path, starting from Default values
// for the two symbols named inside the file so that partially-specified
// files still produce a complete config.
func Load(path string) (PairConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PairConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Decode twice: once to discover the symbols so Default() can seed
	// sensible values, once over the seeded struct so the file overrides them.
	var probe struct {
		Primary   string `yaml:"primary_symbol"`
		Secondary string `yaml:"secondary_symbol"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return PairConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := Default(probe.Primary, probe.Secondary)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PairConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.PrimarySymbol == "" || cfg.SecondarySymbol == "" {
		return PairConfig{}, fmt.Errorf("config: %s must set primary_symbol and secondary_symbol", path)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides follows the teacher's file-then-environment cascade
// (examples/demos/config/config.go) for the handful of fields operators
// commonly want to override without editing the checked-in YAML.
func applyEnvOverrides(cfg *PairConfig) {
	if v := os.Getenv("PAIRENGINE_ENTRY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.EntryThreshold = f
		}
	}
	if v := os.Getenv("PAIRENGINE_SCALE_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.ScaleInterval = f
		}
	}
	if v := os.Getenv("PAIRENGINE_STATE_DIR"); v != "" {
		cfg.System.StateDir = v
	}
}

// Live is an RWMutex-guarded view over the runtime-mutable fields named in
// spec.md §6 ("Runtime-mutable fields MUST include at least scale_interval,
// entry_threshold, exit_threshold, stop_loss_zscore, the three risk
// percentage fields, and feature flags"). Everything else in PairConfig is
// loaded once and treated as immutable for the process lifetime.
type Live struct {
	mu sync.RWMutex

	scaleInterval   float64
	entryThreshold  float64
	exitThreshold   float64
	stopLossZScore  float64

	maxLossPerSetupPct        float64
	maxTotalUnrealizedLossPct float64
	dailyLossLimitPct         float64

	killSwitchEnabled bool
}

// NewLive seeds a Live view from a loaded PairConfig.
func NewLive(cfg PairConfig) *Live {
	return &Live{
		scaleInterval:             cfg.Trading.ScaleInterval,
		entryThreshold:            cfg.Trading.EntryThreshold,
		exitThreshold:             cfg.Trading.ExitThreshold,
		stopLossZScore:            cfg.Trading.StopLossZScore,
		maxLossPerSetupPct:        cfg.Risk.MaxLossPerSetupPct,
		maxTotalUnrealizedLossPct: cfg.Risk.MaxTotalUnrealizedLossPct,
		dailyLossLimitPct:         cfg.Risk.DailyLossLimitPct,
		killSwitchEnabled:         cfg.Feature.KillSwitchEnabled,
	}
}

func (l *Live) ScaleInterval() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scaleInterval
}

func (l *Live) EntryThreshold() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entryThreshold
}

func (l *Live) ExitThreshold() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exitThreshold
}

func (l *Live) StopLossZScore() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopLossZScore
}

func (l *Live) RiskPercentages() (perSetup, totalUnrealized, daily float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxLossPerSetupPct, l.maxTotalUnrealizedLossPct, l.dailyLossLimitPct
}

func (l *Live) KillSwitchEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.killSwitchEnabled
}

// ScaleIntervalChange is returned by SetScaleInterval so callers (the grid
// state machine) can recompute next_z_entry for every active spread, per
// spec.md §4.4 rule 5.
type ScaleIntervalChange struct {
	Old, New float64
}

// SetScaleInterval updates the live scale interval and reports the change so
// the caller can trigger the grid recomputation.
func (l *Live) SetScaleInterval(v float64) ScaleIntervalChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.scaleInterval
	l.scaleInterval = v
	return ScaleIntervalChange{Old: old, New: v}
}

func (l *Live) SetEntryThreshold(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entryThreshold = v
}

func (l *Live) SetExitThreshold(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exitThreshold = v
}

func (l *Live) SetStopLossZScore(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLossZScore = v
}

func (l *Live) SetRiskPercentages(perSetup, totalUnrealized, daily float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxLossPerSetupPct = perSetup
	l.maxTotalUnrealizedLossPct = totalUnrealized
	l.dailyLossLimitPct = daily
}

func (l *Live) SetKillSwitchEnabled(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killSwitchEnabled = v
}
