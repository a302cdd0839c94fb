// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package device

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
	"github.com/velaire/cellnode/pkg/config"
)

// MockLink simulates the microcontroller for runs without hardware. It
// accepts every command, tracks zone state, and fabricates occupancy
// telemetry on an interval so the upstream data path can be exercised
// end to end.
type MockLink struct {
	cfg    *config.Config
	logger *zap.Logger

	interval time.Duration

	mu        sync.Mutex
	connected bool
	zones     map[int]bool
	executed  []cellwire.Command
	sequences [][]int
	telemetry *cellwire.SensorTelemetry
	stops     int

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Link = (*MockLink)(nil)

// NewMockLink builds a simulated link generating telemetry every interval.
func NewMockLink(cfg *config.Config, logger *zap.Logger, interval time.Duration) *MockLink {
	return &MockLink{
		cfg:      cfg,
		logger:   logger,
		interval: interval,
		zones:    make(map[int]bool, cfg.ZoneCount),
	}
}

func (m *MockLink) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	m.connected = true

	// interval <= 0 disables the generator; tests inject telemetry
	// directly.
	if m.interval > 0 {
		genCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.generate(genCtx)
	}

	m.logger.Info("mock device connected", zap.Duration("telemetry_interval", m.interval))
	return nil
}

func (m *MockLink) generate(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := rand.Intn(m.cfg.ZoneCount + 1)
			perm := rand.Perm(m.cfg.ZoneCount)
			zones := make([]int, 0, n)
			for _, p := range perm[:n] {
				zones = append(zones, p+1)
			}

			m.mu.Lock()
			m.telemetry = &cellwire.SensorTelemetry{InflatedZones: zones, Timestamp: time.Now()}
			m.mu.Unlock()
		}
	}
}

func (m *MockLink) Disconnect() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.logger.Info("mock device disconnected")
	return nil
}

func (m *MockLink) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockLink) State() LinkState {
	if m.Connected() {
		return StateConnected
	}
	return StateDisconnected
}

func (m *MockLink) LastError() string { return "" }

func (m *MockLink) SendCommand(ctx context.Context, cmd cellwire.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrTransportClosed
	}
	m.executed = append(m.executed, cmd)
	switch cmd.Action {
	case cellwire.ActionInflate:
		m.zones[cmd.Zone] = true
	case cellwire.ActionDeflate:
		m.zones[cmd.Zone] = false
	}
	return nil
}

func (m *MockLink) SendSequence(ctx context.Context, zones []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrTransportClosed
	}
	seq := make([]int, len(zones))
	copy(seq, zones)
	m.sequences = append(m.sequences, seq)
	return nil
}

func (m *MockLink) EmergencyStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones = make(map[int]bool, m.cfg.ZoneCount)
	m.stops++
	return nil
}

func (m *MockLink) Resume() error { return nil }

func (m *MockLink) SensorData() (cellwire.SensorTelemetry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.telemetry == nil {
		return cellwire.SensorTelemetry{}, false
	}
	t := *m.telemetry
	m.telemetry = nil
	return t, true
}

func (m *MockLink) HasSensorData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.telemetry != nil
}

func (m *MockLink) RecentLogs(max int) []string { return nil }

func (m *MockLink) ZoneStates() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]bool, len(m.zones))
	for z, on := range m.zones {
		out[z] = on
	}
	return out
}

// Test hooks.

// ExecutedCommands copies the list of commands the mock accepted.
func (m *MockLink) ExecutedCommands() []cellwire.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cellwire.Command, len(m.executed))
	copy(out, m.executed)
	return out
}

// SentSequences copies the zone sequences the mock accepted.
func (m *MockLink) SentSequences() [][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]int, len(m.sequences))
	copy(out, m.sequences)
	return out
}

// EmergencyStops reports how many stops were issued.
func (m *MockLink) EmergencyStops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// InjectTelemetry places a snapshot in the telemetry slot, overwriting any
// unread value.
func (m *MockLink) InjectTelemetry(t cellwire.SensorTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = &t
}
