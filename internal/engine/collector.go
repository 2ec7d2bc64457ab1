package engine

import (
	"context"
	"log"
	"time"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/stats"
)

// runCollector drives the rolling-window pipeline on a fixed tick (spec.md
// §5's collector loop). broker.Client exposes only live ticks, not
// historical OHLC bars, so the window's mandatory Bootstrap call is fed
// from the collector's own locally-accumulated bar buffer: ticks are
// grouped into bar_interval buckets until window_bars worth have been
// collected, Bootstrap runs once, and every tick after that goes through
// Window.Update instead.
func (e *Engine) runCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.collectorBase.Tick(time.Now())
			if err := e.collectOnce(ctx); err != nil {
				e.collectorBase.RecordError(err)
				log.Printf("[collector] %v", err)
			}
		}
	}
}

func (e *Engine) collectOnce(ctx context.Context) error {
	pTick, err := e.client.SymbolInfoTick(ctx, e.cfg.PrimarySymbol)
	if err != nil {
		return err
	}
	sTick, err := e.client.SymbolInfoTick(ctx, e.cfg.SecondarySymbol)
	if err != nil {
		return err
	}

	now := pTick.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.Lock()
	if !e.window.Bootstrapped() {
		e.accumulateBarLocked(now, pTick, sTick)
		if len(e.bootstrapBars) < e.cfg.Model.WindowBars {
			e.mu.Unlock()
			return nil
		}
		if err := e.window.Bootstrap(e.bootstrapBars); err != nil {
			e.mu.Unlock()
			return err
		}
		log.Printf("[collector] bootstrapped rolling window with %d bars", len(e.bootstrapBars))
		e.bootstrapBars = nil
	} else {
		e.window.Update(now, midPrice(pTick.Bid, pTick.Ask), midPrice(sTick.Bid, sTick.Ask))
	}

	snap := e.window.Snapshot(now, pTick.Bid, pTick.Ask, sTick.Bid, sTick.Ask)
	e.lastSnapshot = snap
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetQueueDepth("snapshotQueue", e.snapshotQueue.Len())
	}
	if err := e.snapshotQueue.TryPush(snap); err != nil {
		log.Printf("[collector] snapshot queue full, dropping tick at %s", now)
	}
	return nil
}

// accumulateBarLocked folds one tick into the bootstrap buffer's current
// bar_interval bucket, overwriting the bucket's close until the bucket's
// interval elapses (the same "overwrite in place until it rolls" idiom
// internal/stats.Window uses once live). Caller holds e.mu.
func (e *Engine) accumulateBarLocked(at time.Time, pTick, sTick broker.Tick) {
	interval := e.cfg.Model.BarInterval
	if interval <= 0 {
		interval = time.Hour
	}
	bucketStart := at.Truncate(interval)
	primary := midPrice(pTick.Bid, pTick.Ask)
	secondary := midPrice(sTick.Bid, sTick.Ask)

	if n := len(e.bootstrapBars); n > 0 && e.bootstrapBars[n-1].Time.Equal(bucketStart) {
		e.bootstrapBars[n-1].Primary = primary
		e.bootstrapBars[n-1].Secondary = secondary
		return
	}
	e.bootstrapBars = append(e.bootstrapBars, stats.Bar{
		Time: bucketStart, Primary: primary, Secondary: secondary,
	})
}
