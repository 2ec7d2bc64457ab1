package engine

import (
	"context"
	"time"
)

// runMonitor just delegates to monitor.Worker's own ticker loop; the base
// is still tracked so Status()/Stop() behave uniformly across all six
// loops even though this one's cadence lives inside the monitor package.
func (e *Engine) runMonitor(ctx context.Context, interval time.Duration) {
	e.monitorBase.Tick(time.Now())
	e.monitorW.Run(ctx, interval)
}
