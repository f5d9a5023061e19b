// Package dispatcher fans task execution out over a pool of workers.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is a long-lived loop that stops when its context finishes.
type Runner interface {
	Run(ctx context.Context)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) { f(ctx) }

// Dispatcher runs the worker pool alongside background maintenance loops.
type Dispatcher struct {
	workers []Runner
	loops   []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger, loops ...Runner) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		loops:   loops,
		logger:  logger,
	}
}

// Run starts all workers and loops and blocks until the context finishes
// and every one of them has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher starting", zap.Int("workers", len(d.workers)), zap.Int("loops", len(d.loops)))
	var wg sync.WaitGroup
	for _, r := range append(append([]Runner(nil), d.workers...), d.loops...) {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}
