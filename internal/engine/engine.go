package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/metarpc-labs/pairengine/internal/attribution"
	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/config"
	"github.com/metarpc-labs/pairengine/internal/execution"
	"github.com/metarpc-labs/pairengine/internal/gridstate"
	"github.com/metarpc-labs/pairengine/internal/metrics"
	"github.com/metarpc-labs/pairengine/internal/monitor"
	"github.com/metarpc-labs/pairengine/internal/persistence"
	"github.com/metarpc-labs/pairengine/internal/queue"
	"github.com/metarpc-labs/pairengine/internal/rebalance"
	"github.com/metarpc-labs/pairengine/internal/risk"
	"github.com/metarpc-labs/pairengine/internal/signalengine"
	"github.com/metarpc-labs/pairengine/internal/stats"
	"github.com/metarpc-labs/pairengine/internal/worker"
)

const (
	snapshotQueueCapacity = 32
	actionQueueCapacity   = 32
)

// Engine owns every component and drives the five worker loops of spec.md
// §5: collector, signal, execution, risk, monitor (attribution rides the
// same ticker family as a sixth, lower-priority loop). It is the
// composition root's single constructed object — cmd/pairengine loads the
// config, builds a broker.Client, calls New and Start, and calls Stop on
// shutdown.
type Engine struct {
	cfg    config.PairConfig
	live   *config.Live
	client broker.Client

	store   *persistence.Store
	machine *gridstate.Machine
	window  *stats.Window

	signal     *signalengine.Worker
	execWorker *execution.Worker
	rebalancer *rebalance.Rebalancer
	riskSup    *risk.Supervisor
	lockMgr    *risk.LockManager
	monitorW   *monitor.Worker
	attrib     *attribution.Engine
	metrics    *metrics.Metrics

	snapshotQueue *queue.Queue[stats.MarketSnapshot]
	actionQueue   *queue.Queue[Action]

	collectorBase   *worker.Base
	signalBase      *worker.Base
	executionBase   *worker.Base
	riskBase        *worker.Base
	monitorBase     *worker.Base
	attributionBase *worker.Base

	mu                  sync.Mutex
	bootstrapBars       []stats.Bar
	lastSnapshot        stats.MarketSnapshot
	sessionStartBalance float64

	wg sync.WaitGroup
}

// New constructs the engine and every collaborator it wires together, but
// does not start any goroutine or touch the broker — call Start for that.
// reg is the Prometheus registerer the metrics bundle registers against;
// both the tests and cmd/pairengine pass their own prometheus.NewRegistry().
func New(cfg config.PairConfig, client broker.Client, reg prometheus.Registerer) (*Engine, error) {
	store, err := persistence.New(cfg.System.StateDir)
	if err != nil {
		return nil, fmt.Errorf("engine: persistence store: %w", err)
	}

	lockMgr, err := risk.NewLockManager(store, cfg.Risk.SessionStart, cfg.Risk.SessionEnd)
	if err != nil {
		return nil, fmt.Errorf("engine: lock manager: %w", err)
	}

	live := config.NewLive(cfg)
	machine := gridstate.NewMachine()
	window := stats.New(cfg.Model.WindowBars, cfg.Model.BarInterval, cfg.Model.StdEpsilon)
	riskSup := risk.NewSupervisor(live, store, lockMgr, cfg.Risk)
	m := metrics.New(reg)
	monitorW := monitor.NewWorker(client, lockMgr, m, cfg.System.Magic)
	attrib := attribution.NewEngine(cfg.Cost.CommissionPerLotRoundTurn)
	execWorker := execution.NewWorker(client, store, machine,
		cfg.PrimarySymbol, cfg.SecondarySymbol, cfg.System.Magic, cfg.System.CloseAllConcurrency,
		monitorW, riskSup, attrib)

	return &Engine{
		cfg:    cfg,
		live:   live,
		client: client,

		store:   store,
		machine: machine,
		window:  window,

		signal:     signalengine.NewWorker(live),
		execWorker: execWorker,
		rebalancer: rebalance.New(cfg.Rebalancer.VolumeImbalanceThreshold, cfg.Rebalancer.MinAdjustmentInterval),
		riskSup:    riskSup,
		lockMgr:    lockMgr,
		monitorW:   monitorW,
		attrib:     attrib,
		metrics:    m,

		snapshotQueue: queue.New[stats.MarketSnapshot](snapshotQueueCapacity),
		actionQueue:   queue.New[Action](actionQueueCapacity),

		collectorBase:   worker.NewBase("collector"),
		signalBase:      worker.NewBase("signal"),
		executionBase:   worker.NewBase("execution"),
		riskBase:        worker.NewBase("risk"),
		monitorBase:     worker.NewBase("monitor"),
		attributionBase: worker.NewBase("attribution"),
	}, nil
}

// Start runs the spec.md §4.8 recovery protocol, restores the grid and
// tracked-ticket registries from its outcome, and launches the five (plus
// attribution) worker loops as goroutines. It returns once recovery is
// complete; the loops keep running in the background until Stop.
func (e *Engine) Start(ctx context.Context) error {
	outcome, err := persistence.Recover(ctx, e.store, e.client, e.cfg.System.Magic, time.Now())
	if err != nil {
		return fmt.Errorf("engine: recovery: %w", err)
	}
	log.Printf("[engine] recovery case=%s restored_positions=%d restored_states=%d",
		outcome.Case, len(outcome.RestoredPositions), len(outcome.RestoredStates))

	e.machine.Restore(outcome.RestoredStates)
	for _, pos := range outcome.RestoredPositions {
		e.monitorW.TrackTicket(pos.BrokerTicket)
		e.riskSup.TrackTicket(pos.BrokerTicket)
	}

	if account, err := e.client.AccountInfo(ctx); err == nil {
		e.sessionStartBalance = account.Balance
	} else {
		log.Printf("[engine] could not read starting balance: %v", err)
	}

	collectorInterval := e.cfg.System.CollectorInterval
	riskInterval := e.cfg.System.RiskInterval
	monitorInterval := e.cfg.System.MonitorInterval
	attributionInterval := e.cfg.System.AttributionInterval

	loops := []struct {
		base *worker.Base
		run  func(context.Context)
	}{
		{e.collectorBase, func(c context.Context) { e.runCollector(c, collectorInterval) }},
		{e.signalBase, e.runSignal},
		{e.executionBase, e.runExecution},
		{e.riskBase, func(c context.Context) { e.runRisk(c, riskInterval) }},
		{e.monitorBase, func(c context.Context) { e.runMonitor(c, monitorInterval) }},
		{e.attributionBase, func(c context.Context) { e.runAttribution(c, attributionInterval) }},
	}

	for _, l := range loops {
		lctx, started := l.base.Start(ctx)
		if !started {
			continue
		}
		e.wg.Add(1)
		run := l.run
		go func() {
			defer e.wg.Done()
			run(lctx)
		}()
	}
	return nil
}

// Stop cancels every worker loop and waits for them to exit.
func (e *Engine) Stop() {
	e.collectorBase.Stop()
	e.signalBase.Stop()
	e.executionBase.Stop()
	e.riskBase.Stop()
	e.monitorBase.Stop()
	e.attributionBase.Stop()
	e.wg.Wait()
}

func midPrice(bid, ask float64) float64 {
	return (bid + ask) / 2
}

// currentPosition reports the single side the rest of the engine treats as
// "the open position", preferring LONG. execution.Worker.ExecuteExit closes
// every ticket under the strategy's magic tag regardless of side — the
// broker has no per-spread close primitive — so in practice only one side
// is ever open at a time even though gridstate.Machine itself permits both.
func (e *Engine) currentPosition() (gridstate.Side, bool) {
	if _, ok := e.machine.Active(gridstate.SideLong); ok {
		return gridstate.SideLong, true
	}
	if _, ok := e.machine.Active(gridstate.SideShort); ok {
		return gridstate.SideShort, true
	}
	return gridstate.SideNone, false
}

func (e *Engine) spreadIDForSide(side gridstate.Side) string {
	if st, ok := e.machine.Active(side); ok {
		return st.SpreadID
	}
	return ""
}

// sizePosition converts an equity fraction into hedged primary/secondary
// lot sizes (spec.md §4.4's worked example: beta=2, 1 primary lot, 0.5
// secondary lot nets to zero imbalance, i.e. secondary = primary / beta).
func sizePosition(equity, primaryPrice, hedgeRatio, initialFraction float64) (primaryLots, secondaryLots float64) {
	if primaryPrice <= 0 || hedgeRatio == 0 {
		return 0, 0
	}
	primaryLots = initialFraction * equity / primaryPrice
	secondaryLots = primaryLots / hedgeRatio
	return primaryLots, secondaryLots
}
