// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package controller ties the control channel, the scheduler, and the
// device link together: activation gating, order deduplication, telemetry
// forwarding, and ordered shutdown.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
	"github.com/velaire/cellnode/pkg/config"
	"github.com/velaire/cellnode/pkg/device"
	"github.com/velaire/cellnode/pkg/executor"
	"github.com/velaire/cellnode/pkg/master"
	"github.com/velaire/cellnode/pkg/scheduler"
)

// ControlTransport is what the coordinator needs from the master-facing
// side. *master.Channel is the production implementation.
type ControlTransport interface {
	Start() error
	Stop()
	SetHandler(master.Handler)
	SendTelemetry(cellwire.SensorTelemetry) bool
	Connected() bool
}

// Coordinator owns activation state and the control cycle.
type Coordinator struct {
	cfg     *config.Config
	logger  *zap.Logger
	link    device.Link
	channel ControlTransport
	sink    StatusSink
	exec    *executor.Executor // nil unless LocalPattern

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu               sync.Mutex
	activated        bool
	lastOrder        []int
	lastSignalAt     time.Time
	lastCommandAt    time.Time
	commandsExecuted int
	errorsCount      int
}

// New wires a coordinator. sink may not be nil; pass a LogSink for
// headless runs.
func New(cfg *config.Config, link device.Link, channel ControlTransport, sink StatusSink, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		link:    link,
		channel: channel,
		sink:    sink,
	}
	if cfg.LocalPattern {
		c.exec = executor.New(link, logger)
	}
	return c
}

// Start brings the node up: channel listener first, then the device link
// (a serial failure is reported, not fatal), then the periodic loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.channel.SetHandler(c.handleMessage)

	if err := c.channel.Start(); err != nil {
		return fmt.Errorf("controller: start control channel: %w", err)
	}

	if err := c.link.Connect(ctx); err != nil {
		// The node still runs; status reports the serial link as down
		// and the operator decides when to retry.
		c.logger.Warn("device link unavailable", zap.Error(err))
		c.event(EventWarning, fmt.Sprintf("serial connection failed: %v", err))
	} else {
		c.event(EventInfo, "serial device connected")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.baseCtx = loopCtx
	c.cancel = cancel

	c.wg.Add(2)
	go c.telemetryLoop(loopCtx)
	go c.statusLoop(loopCtx)

	c.logger.Info("coordinator started",
		zap.Int("device_id", c.cfg.DeviceID),
		zap.Int("listen_port", c.cfg.ListenPort),
		zap.Bool("local_pattern", c.exec != nil))
	return nil
}

// telemetryLoop polls the device for fresh occupancy data and forwards it
// to the master. The slot is read-and-clear: between polls a newer value
// simply overwrites an unread one.
func (c *Coordinator) telemetryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, ok := c.link.SensorData()
			if !ok {
				continue
			}
			if c.channel.SendTelemetry(data) {
				c.logger.Debug("telemetry forwarded", zap.Ints("inflated_zones", data.InflatedZones))
			}
		}
	}
}

// statusLoop pushes a periodic snapshot to the sink.
func (c *Coordinator) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sink.UpdateStatus(c.Status())
		}
	}
}

// handleMessage dispatches one decoded inbound message. Errors bubble to
// the channel only for logging; the connection is never torn down here.
func (c *Coordinator) handleMessage(m master.Message) error {
	switch {
	case m.Packet != nil:
		return c.handlePacket(m.Packet)
	case m.Signal != nil:
		return c.handleSignal(m.Signal)
	default:
		return nil
	}
}

// handlePacket runs one control cycle for the canonical packet shape.
func (c *Coordinator) handlePacket(p *master.ControlPacket) error {
	now := time.Now()
	c.mu.Lock()
	c.lastSignalAt = now
	wasActive := c.activated
	c.mu.Unlock()

	c.logger.Info("control packet received",
		zap.String("posture", p.Posture),
		zap.Bool("activate", p.Activate),
		zap.Int("pressure_readings", len(p.Pressures)))
	c.event(EventInfo, fmt.Sprintf("packet: posture=%s activate=%v", p.Posture, p.Activate))

	if p.Activate != wasActive {
		if p.Activate {
			// Fresh session: forget the previous order so the next plan
			// always goes out, and restart the firmware engine in case
			// a stop preceded this.
			c.mu.Lock()
			c.activated = true
			c.lastOrder = nil
			c.mu.Unlock()
			if err := c.link.Resume(); err != nil {
				c.logger.Warn("resume failed", zap.Error(err))
			}
			c.event(EventInfo, "air cells activated")
		} else {
			c.mu.Lock()
			c.activated = false
			c.lastOrder = nil
			c.mu.Unlock()
			c.stopActuation()
			c.event(EventWarning, "air cells deactivated, device stopped")
			c.sink.UpdateStatus(c.Status())
			return nil
		}
	}

	if !p.Activate {
		// Already inactive; nothing to compute.
		return nil
	}

	plan := scheduler.DetermineOrder(p.Pressures, p.Durations, p.ForcedOrder(), c.cfg.ZoneCount)
	if len(plan) == 0 {
		c.logger.Debug("no zones require relief")
		return nil
	}

	zones := scheduler.Zones(plan)

	c.mu.Lock()
	duplicate := equalOrder(c.lastOrder, zones)
	c.mu.Unlock()
	if duplicate {
		c.logger.Debug("duplicate zone order ignored", zap.Ints("zones", zones))
		return nil
	}

	if err := c.dispatchPlan(plan, zones); err != nil {
		c.mu.Lock()
		c.errorsCount++
		c.mu.Unlock()
		c.event(EventError, fmt.Sprintf("failed to send sequence: %v", err))
		return err
	}

	c.mu.Lock()
	c.lastOrder = zones
	c.lastCommandAt = time.Now()
	c.commandsExecuted++
	c.mu.Unlock()
	c.event(EventInfo, fmt.Sprintf("sequence sent: zones=%v", zones))
	return nil
}

// dispatchPlan actuates one relief plan: the firmware sequence engine by
// default, the host-side executor when LocalPattern is set.
func (c *Coordinator) dispatchPlan(plan []scheduler.ReliefStep, zones []int) error {
	if c.exec != nil {
		c.exec.Start(c.runCtx(), plan)
		return nil
	}
	return c.link.SendSequence(c.runCtx(), zones)
}

// handleSignal runs the legacy flat-signal path: direct per-zone
// actuation, no scheduler, no activation gate.
func (c *Coordinator) handleSignal(s *master.ControlSignal) error {
	c.mu.Lock()
	c.lastSignalAt = time.Now()
	c.mu.Unlock()

	action := s.ParsedAction()
	c.event(EventInfo, fmt.Sprintf("signal: zones=%v action=%s", s.TargetZones, s.Action))

	if action == cellwire.ActionNone || len(s.TargetZones) == 0 {
		return nil
	}

	var firstErr error
	sent := 0
	for _, zone := range s.TargetZones {
		if !c.cfg.ValidZone(zone) {
			c.logger.Warn("ignoring out-of-range zone in signal", zap.Int("zone", zone))
			continue
		}
		if err := c.link.SendCommand(c.runCtx(), cellwire.NewCommand(zone, action)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}

	c.mu.Lock()
	if sent > 0 {
		c.commandsExecuted += sent
		c.lastCommandAt = time.Now()
	}
	if firstErr != nil {
		c.errorsCount++
	}
	c.mu.Unlock()

	if firstErr != nil {
		c.event(EventError, fmt.Sprintf("signal execution failed: %v", firstErr))
	}
	return firstErr
}

// stopActuation halts whatever is moving air: the host executor when one
// exists, always followed by the device-level emergency stop.
func (c *Coordinator) stopActuation() {
	if c.exec != nil {
		// Stop issues the device emergency stop itself.
		c.exec.Stop()
		return
	}
	if err := c.link.EmergencyStop(); err != nil {
		c.logger.Error("emergency stop failed", zap.Error(err))
	}
}

// Shutdown winds the node down in dependency order: loops first, then
// actuators off, then the links they ran over.
func (c *Coordinator) Shutdown() {
	c.logger.Info("shutting down")

	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}

	c.stopActuation()

	if err := c.link.Disconnect(); err != nil {
		c.logger.Warn("device disconnect", zap.Error(err))
	}
	c.channel.Stop()

	c.logger.Info("shutdown complete")
}

// Status builds a snapshot; callable from any goroutine.
func (c *Coordinator) Status() SystemStatus {
	c.mu.Lock()
	lastOrder := make([]int, len(c.lastOrder))
	copy(lastOrder, c.lastOrder)
	st := SystemStatus{
		DeviceID:            c.cfg.DeviceID,
		Activated:           c.activated,
		LastSignalReceived:  c.lastSignalAt,
		LastCommandExecuted: c.lastCommandAt,
		CommandsExecuted:    c.commandsExecuted,
		ErrorsCount:         c.errorsCount,
		LastZoneOrder:       lastOrder,
	}
	c.mu.Unlock()

	if c.channel.Connected() {
		st.MasterState = device.StateConnected
	} else {
		st.MasterState = device.StateDisconnected
	}
	st.SerialState = c.link.State()
	st.SerialError = c.link.LastError()
	st.ZoneStates = c.link.ZoneStates()
	return st
}

// Activated reports the current activation gate.
func (c *Coordinator) Activated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activated
}

func (c *Coordinator) runCtx() context.Context {
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

func (c *Coordinator) event(level EventLevel, msg string) {
	c.sink.HandleEvent(Event{Time: time.Now(), Level: level, Message: msg})
}

func equalOrder(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
