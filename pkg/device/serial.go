// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package device

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
	"github.com/velaire/cellnode/pkg/config"
)

const (
	// settleDelay is the grace period after opening the port. Opening the
	// UART resets most dev boards; anything written during the bootloader
	// window is lost.
	settleDelay = 2 * time.Second

	// responseTimeout bounds the wait for a command acknowledgement.
	responseTimeout = 2 * time.Second

	// readerJoinTimeout bounds how long Disconnect waits for the reader
	// goroutine to observe the closed transport.
	readerJoinTimeout = 2 * time.Second

	// logBufferSize caps the recent device log ring.
	logBufferSize = 100

	// ackBufferSize gives the response hand-off FIFO headroom; normal
	// operation has at most one outstanding command.
	ackBufferSize = 8
)

// SerialLink owns the physical connection to the microcontroller and runs
// the background reader that splits the inbound stream into command
// acknowledgements, device log lines, and occupancy telemetry.
type SerialLink struct {
	cfg    *config.Config
	logger *zap.Logger

	dial        func() (Transport, string, error)
	settle      time.Duration
	respTimeout time.Duration

	mu         sync.Mutex
	state      LinkState
	lastErr    string
	conn       Transport
	readerDone chan struct{}
	stopping   bool

	// sendMu serializes command issuance. The protocol has no request
	// ids, so at most one command may be awaiting the response slot.
	sendMu sync.Mutex
	ackCh  chan cellwire.Response

	telemetryMu sync.Mutex
	telemetry   *cellwire.SensorTelemetry

	logMu sync.Mutex
	logs  []string

	zoneMu sync.Mutex
	zones  map[int]bool
}

var _ Link = (*SerialLink)(nil)

// NewSerialLink builds a link that opens the transport selected by config
// (UART or WebSocket bridge) on Connect.
func NewSerialLink(cfg *config.Config, logger *zap.Logger) *SerialLink {
	l := &SerialLink{
		cfg:         cfg,
		logger:      logger,
		settle:      settleDelay,
		respTimeout: responseTimeout,
		zones:       make(map[int]bool, cfg.ZoneCount),
	}
	l.dial = func() (Transport, string, error) { return OpenTransport(cfg) }
	return l
}

// Connect opens the transport, waits out the hardware settle window, and
// starts the reader. A failed open leaves the link in StateError with the
// error detail retained for status; retrying is the caller's decision.
func (l *SerialLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateConnected {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	conn, info, err := l.dial()
	if err != nil {
		l.mu.Lock()
		l.state = StateError
		l.lastErr = err.Error()
		l.mu.Unlock()
		return err
	}

	// Settle window: the open resets the board.
	select {
	case <-ctx.Done():
		conn.Close()
		l.mu.Lock()
		l.state = StateDisconnected
		l.mu.Unlock()
		return ctx.Err()
	case <-time.After(l.settle):
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.conn = conn
	l.state = StateConnected
	l.lastErr = ""
	l.stopping = false
	l.readerDone = done
	l.ackCh = make(chan cellwire.Response, ackBufferSize)
	l.mu.Unlock()

	go l.readLoop(conn, done)

	l.logger.Info("device link connected", zap.String("transport", info))
	return nil
}

// readLoop is the single background reader. It classifies every inbound
// line and must never let a handler error kill it; stream errors end the
// loop cleanly and downgrade the link state.
func (l *SerialLink) readLoop(conn Transport, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()

		if cellwire.IsTelemetryLine(line) {
			t, ok := cellwire.ParseTelemetry(line)
			if !ok {
				l.logger.Warn("unparseable telemetry line", zap.String("line", line))
				continue
			}
			l.telemetryMu.Lock()
			// Overwrite semantics: only the latest unread snapshot
			// matters.
			l.telemetry = &t
			l.telemetryMu.Unlock()
			continue
		}

		resp := cellwire.DecodeResponse(line)
		if resp.IsLog() {
			l.appendLog(resp.Text)
			continue
		}

		select {
		case l.ackCh <- resp:
		default:
			// Nobody is awaiting and the FIFO is full; an unsolicited
			// ack is worthless once stale.
		}
	}

	err := scanner.Err()
	l.mu.Lock()
	stopping := l.stopping
	if !stopping {
		l.state = StateDisconnected
		if err != nil {
			l.lastErr = err.Error()
		}
	}
	l.mu.Unlock()

	if !stopping && err != nil {
		l.logger.Error("device reader terminated", zap.Error(err))
	}
}

func (l *SerialLink) appendLog(line string) {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	if len(l.logs) >= logBufferSize {
		l.logs = l.logs[1:]
	}
	l.logs = append(l.logs, line)
}

// SendCommand encodes, writes, and waits for the response slot. The
// firmware does not ack every command, so a quiet timeout is treated as
// success and the zone bookkeeping is updated optimistically.
func (l *SerialLink) SendCommand(ctx context.Context, cmd cellwire.Command) error {
	if cmd.Action == cellwire.ActionNone {
		return fmt.Errorf("device: refusing to send no-op command for zone %d", cmd.Zone)
	}
	if !l.cfg.ValidZone(cmd.Zone) {
		return fmt.Errorf("device: zone %d outside valid range 1..%d", cmd.Zone, l.cfg.ZoneCount)
	}

	data, err := cellwire.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.writeAndAwait(ctx, data); err != nil {
		return err
	}
	l.applyZoneState(cmd)
	return nil
}

// SendSequence hands a relief order to the firmware sequence engine.
func (l *SerialLink) SendSequence(ctx context.Context, zones []int) error {
	for _, z := range zones {
		if !l.cfg.ValidZone(z) {
			return fmt.Errorf("device: sequence zone %d outside valid range 1..%d", z, l.cfg.ZoneCount)
		}
	}
	data, err := cellwire.EncodeSequence(zones)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	return l.writeAndAwait(ctx, data)
}

// writeAndAwait performs one write + response-slot wait. Callers hold
// sendMu.
func (l *SerialLink) writeAndAwait(ctx context.Context, data []byte) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	ackCh := l.ackCh
	l.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("device: not connected")
	}

	// Drop stale acks so the wait below pairs with this write.
	for {
		select {
		case <-ackCh:
			continue
		default:
		}
		break
	}

	if _, err := conn.Write(data); err != nil {
		l.mu.Lock()
		l.lastErr = err.Error()
		l.mu.Unlock()
		return fmt.Errorf("device: write: %w", err)
	}

	select {
	case resp := <-ackCh:
		if resp.OK() {
			return nil
		}
		l.mu.Lock()
		l.lastErr = resp.Err
		l.mu.Unlock()
		return fmt.Errorf("device: command failed: %s", resp.Err)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.respTimeout):
		// No response within the window. The firmware is not required to
		// ack, so this counts as success.
		return nil
	}
}

func (l *SerialLink) applyZoneState(cmd cellwire.Command) {
	l.zoneMu.Lock()
	defer l.zoneMu.Unlock()
	switch cmd.Action {
	case cellwire.ActionInflate:
		l.zones[cmd.Zone] = true
	case cellwire.ActionDeflate:
		l.zones[cmd.Zone] = false
	}
}

// EmergencyStop writes the stop byte and zeroes the zone bookkeeping. The
// bookkeeping reset happens even when the write fails: after a stop was
// ordered, the host must never claim a zone is still inflated.
func (l *SerialLink) EmergencyStop() error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	defer func() {
		l.zoneMu.Lock()
		l.zones = make(map[int]bool, l.cfg.ZoneCount)
		l.zoneMu.Unlock()
	}()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("device: emergency stop with no connection")
	}
	if _, err := conn.Write([]byte{cellwire.ByteEmergencyStop}); err != nil {
		l.logger.Error("emergency stop write failed", zap.Error(err))
		return fmt.Errorf("device: emergency stop write: %w", err)
	}
	l.logger.Warn("emergency stop issued")
	return nil
}

// Resume restarts the firmware sequence engine after a stop.
func (l *SerialLink) Resume() error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("device: not connected")
	}
	if _, err := conn.Write([]byte{cellwire.ByteStart}); err != nil {
		return fmt.Errorf("device: resume write: %w", err)
	}
	return nil
}

// Disconnect stops the reader and closes the transport. The reader join
// is bounded; a wedged transport never blocks shutdown indefinitely.
func (l *SerialLink) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	done := l.readerDone
	if conn == nil {
		l.state = StateDisconnected
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	l.conn = nil
	l.state = StateDisconnected
	l.mu.Unlock()

	err := conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-time.After(readerJoinTimeout):
			l.logger.Warn("device reader did not stop within join timeout")
		}
	}

	l.logger.Info("device link disconnected")
	return err
}

func (l *SerialLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateConnected
}

func (l *SerialLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *SerialLink) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// SensorData returns and clears the latest occupancy snapshot.
func (l *SerialLink) SensorData() (cellwire.SensorTelemetry, bool) {
	l.telemetryMu.Lock()
	defer l.telemetryMu.Unlock()
	if l.telemetry == nil {
		return cellwire.SensorTelemetry{}, false
	}
	t := *l.telemetry
	l.telemetry = nil
	return t, true
}

// HasSensorData peeks without clearing.
func (l *SerialLink) HasSensorData() bool {
	l.telemetryMu.Lock()
	defer l.telemetryMu.Unlock()
	return l.telemetry != nil
}

// RecentLogs drains up to max buffered device log lines, oldest first.
func (l *SerialLink) RecentLogs(max int) []string {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	if max <= 0 || max > len(l.logs) {
		max = len(l.logs)
	}
	out := make([]string, max)
	copy(out, l.logs[:max])
	l.logs = l.logs[max:]
	return out
}

// ZoneStates copies the host-side zone bookkeeping.
func (l *SerialLink) ZoneStates() map[int]bool {
	l.zoneMu.Lock()
	defer l.zoneMu.Unlock()
	out := make(map[int]bool, len(l.zones))
	for z, on := range l.zones {
		out[z] = on
	}
	return out
}
