package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// Start spawns the monitor, collector and analyzer loops. Starting a
// running controller logs a warning and returns nil.
func (c *Controller) Start() error {
	_, err := c.start()
	return err
}

// start reports whether this call moved the controller to running.
func (c *Controller) start() (bool, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return false, fmt.Errorf("%w: call InitializeComponents before Start", fleet.ErrNotInitialized)
	}

	if c.running.Load() {
		c.logger.Warn("Controller already running")
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	alertCh := make(chan fleet.Alert, alertBufferSize)

	c.cancel = cancel
	c.wg = wg
	c.alertCh = alertCh

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	wg.Add(4)
	go c.runLoop(ctx, wg, "monitor", c.config.MonitoringInterval, c.monitorTick)
	go c.runLoop(ctx, wg, "collector", c.config.CollectionInterval, c.collectTick)
	go c.runLoop(ctx, wg, "analyzer", c.config.AnalysisInterval, func(ctx context.Context) error {
		return c.analyzeTick(ctx, alertCh)
	})
	go c.alertLoop(ctx, wg, alertCh)

	c.running.Store(true)

	c.logger.Info("Controller started",
		zap.Duration("monitoring_interval", c.config.MonitoringInterval),
		zap.Duration("collection_interval", c.config.CollectionInterval),
		zap.Duration("analysis_interval", c.config.AnalysisInterval),
		zap.Bool("auto_optimization", c.config.EnableAutoOptimization),
	)
	return true, nil
}

// Stop signals the loops to halt and waits for them for at most the
// shutdown timeout. It never returns an error; a timeout is logged.
// Stopping a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return
	}

	c.logger.Info("Stopping controller")

	c.cancel()
	wg := c.wg

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Info("Controller stopped")
	case <-timer.C:
		c.logger.Error("Controller loops did not stop within shutdown timeout",
			zap.Duration("timeout", c.config.ShutdownTimeout),
		)
	}

	c.running.Store(false)
	c.cancel = nil
	c.wg = nil
	c.alertCh = nil
}

// Run starts the controller, calls fn and stops the controller on every
// exit path from fn, including a panic, which is re-raised after Stop.
// A controller that was already running is left running.
func (c *Controller) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	started, err := c.start()
	if err != nil {
		return err
	}
	if started {
		defer c.Stop()
	}

	return fn(ctx)
}

// runLoop calls tick every interval until ctx is cancelled. A failing
// tick is logged and the loop carries on.
func (c *Controller) runLoop(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, tick func(context.Context) error) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			c.safeTick(ctx, name, tick)
		}
	}
}

func (c *Controller) safeTick(ctx context.Context, name string, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Loop tick panicked",
				zap.String("loop", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			c.countLoopError()
		}
	}()

	if err := tick(ctx); err != nil {
		c.logger.Error("Loop tick failed",
			zap.String("loop", name),
			zap.Error(err),
		)
		c.countLoopError()
	}
}

func (c *Controller) countLoopError() {
	c.mu.Lock()
	c.perf.LoopErrors++
	c.mu.Unlock()
}
