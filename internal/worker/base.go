// Package worker provides the common lifecycle shared by every worker
// loop (spec.md §2/§5: "name, running flag, context/cancel, status,
// counters"), generalized from the teacher's BaseOrchestrator
// (examples/demos/orchestrators/orchestrators.go).
package worker

import (
	"context"
	"sync"
	"time"
)

// Status is the thread-safe snapshot returned by Base.Status.
type Status struct {
	Name       string
	Running    bool
	StartTime  time.Time
	LastTick   time.Time
	TickCount  int64
	ErrorCount int64
	LastError  string
}

// Base is held by the engine, one per worker loop (collector, signal,
// execution, risk, monitor, attribution). It owns nothing domain-specific — just the
// running flag, cancellation, and counters spec.md §5 calls out as the
// shared shape every loop needs.
type Base struct {
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	status Status
}

// NewBase creates a Base with the given worker name, not yet started.
func NewBase(name string) *Base {
	return &Base{status: Status{Name: name}}
}

// Start derives a cancellable context from parent and marks the worker
// running. Returns false if it was already running.
func (b *Base) Start(parent context.Context) (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Running {
		return b.ctx, false
	}
	b.ctx, b.cancel = context.WithCancel(parent)
	b.status.Running = true
	b.status.StartTime = time.Now()
	return b.ctx, true
}

// Stop cancels the worker's context and marks it stopped.
func (b *Base) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.status.Running = false
}

// IsRunning reports whether Start has been called without a matching Stop.
func (b *Base) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Running
}

// Tick records a completed loop iteration.
func (b *Base) Tick(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.LastTick = at
	b.status.TickCount++
}

// RecordError records a loop iteration that failed without stopping the
// worker — the engine logs it and continues (spec.md §7).
func (b *Base) RecordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.ErrorCount++
	if err != nil {
		b.status.LastError = err.Error()
	}
}

// Status returns a thread-safe snapshot of the worker's current state.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}
