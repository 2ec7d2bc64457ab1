// Package metrics exposes the engine's Prometheus gauges/counters
// (spec.md §4 expansion 4.14), grounded on
// chidi150c-coinbase/metrics.go's package-level vars registered in an
// init-style constructor and labeled helper setters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter the engine's collector, signal and
// risk loops, the execution worker, and the monitor update. A struct (not
// package-level vars) so multiple engines in the same process — e.g.
// in tests — don't collide on Prometheus's default registry.
type Metrics struct {
	SpreadZScore      *prometheus.GaugeVec
	EntryCountTotal   *prometheus.CounterVec
	DailyPnLUSD       prometheus.Gauge
	RiskBreachesTotal *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
}

// New creates and registers the metric set against reg. Pass
// prometheus.NewRegistry() to avoid the global default registry, as
// both the tests and the binary's composition root do.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SpreadZScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pairengine_spread_zscore",
			Help: "Current z-score of the configured spread.",
		}, []string{"side"}),
		EntryCountTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairengine_entry_count_total",
			Help: "Total entries and pyramids placed, by side.",
		}, []string{"side"}),
		DailyPnLUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairengine_daily_pnl_usd",
			Help: "Summed broker-reported profit of the tracked open positions.",
		}),
		RiskBreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairengine_risk_breaches_total",
			Help: "Risk supervisor breaches, by layer (per_setup_loss|total_portfolio_loss|daily_loss_limit).",
		}, []string{"layer"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pairengine_queue_depth",
			Help: "Current depth of an internal worker queue.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.SpreadZScore, m.EntryCountTotal, m.DailyPnLUSD, m.RiskBreachesTotal, m.QueueDepth)
	return m
}

func sideLabel(side string) string {
	if side == "" {
		return "unknown"
	}
	return side
}

// SetZScore records the latest z-score for the given grid side.
func (m *Metrics) SetZScore(side string, z float64) {
	m.SpreadZScore.WithLabelValues(sideLabel(side)).Set(z)
}

// IncEntry counts an entry or pyramid placed on the given grid side.
func (m *Metrics) IncEntry(side string) {
	m.EntryCountTotal.WithLabelValues(sideLabel(side)).Inc()
}

// SetDailyPnL records the P&L gauge's value (the monitor passes the summed
// profit of its tracked open positions).
func (m *Metrics) SetDailyPnL(v float64) {
	m.DailyPnLUSD.Set(v)
}

// IncBreach counts a risk-supervisor breach of the named layer.
func (m *Metrics) IncBreach(layer string) {
	m.RiskBreachesTotal.WithLabelValues(layer).Inc()
}

// SetQueueDepth records a queue's current buffered length.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
