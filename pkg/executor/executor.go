// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package executor runs a relief plan on the host as a timed, cancellable
// inflate/hold/deflate sequence. It is the fallback path for firmware
// without a sequence engine; the timing lives here instead of on the
// board.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
	"github.com/velaire/cellnode/pkg/device"
	"github.com/velaire/cellnode/pkg/scheduler"
)

// zoneTransitionDelay separates consecutive zones so the compressor is
// never asked to vent one cell and fill the next in the same instant.
const zoneTransitionDelay = 500 * time.Millisecond

// Executor runs at most one relief sequence at a time.
type Executor struct {
	link   device.Link
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Run is the handle of a background sequence.
type Run struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

// Wait blocks until the sequence finishes and returns its error.
func (r *Run) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cancel requests cooperative cancellation.
func (r *Run) Cancel() { r.cancel() }

// New builds an executor actuating through the given device link.
func New(link device.Link, logger *zap.Logger) *Executor {
	return &Executor{link: link, logger: logger}
}

// IsRunning reports whether a sequence is in flight.
func (e *Executor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Execute runs the plan to completion or cancellation. Starting while a
// previous sequence is active stops that sequence first. A zone cancelled
// mid-hold is deflated before the error is returned; a run never exits
// with a cell left inflated.
func (e *Executor) Execute(ctx context.Context, plan []scheduler.ReliefStep) error {
	if len(plan) == 0 {
		return nil
	}

	e.stopCurrent()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.done = nil
		e.mu.Unlock()
		close(done)
	}()

	e.logger.Info("starting relief sequence", zap.Int("steps", len(plan)))

	for i, step := range plan {
		if err := runCtx.Err(); err != nil {
			return err
		}

		e.logger.Info("relief step",
			zap.Int("zone", step.Zone),
			zap.Duration("hold", step.Relief))

		if err := e.link.SendCommand(runCtx, cellwire.NewCommand(step.Zone, cellwire.ActionInflate)); err != nil {
			e.logger.Warn("inflate failed, skipping zone",
				zap.Int("zone", step.Zone), zap.Error(err))
			continue
		}

		if err := sleepCtx(runCtx, step.Relief); err != nil {
			// Cancelled mid-hold: the deflate still goes out before the
			// cancellation is honored.
			e.deflate(step.Zone)
			return err
		}

		e.deflate(step.Zone)

		if i < len(plan)-1 {
			if err := sleepCtx(runCtx, zoneTransitionDelay); err != nil {
				return err
			}
		}
	}

	e.logger.Info("relief sequence completed")
	return nil
}

// Start launches Execute in the background and returns a handle.
func (e *Executor) Start(ctx context.Context, plan []scheduler.ReliefStep) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		err := e.Execute(runCtx, plan)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()
	return r
}

// Stop cancels any in-flight sequence and issues the device emergency
// stop so every zone is known to be off.
func (e *Executor) Stop() {
	e.stopCurrent()
	if err := e.link.EmergencyStop(); err != nil {
		e.logger.Error("emergency stop during executor stop", zap.Error(err))
	}
}

// stopCurrent cancels the active run, if any, and waits for it to wind
// down (the deflate-on-cancel step included).
func (e *Executor) stopCurrent() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// deflate sends the vent command outside the run context so cancellation
// cannot suppress it.
func (e *Executor) deflate(zone int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.link.SendCommand(ctx, cellwire.NewCommand(zone, cellwire.ActionDeflate)); err != nil {
		e.logger.Error("deflate failed", zap.Int("zone", zone), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
