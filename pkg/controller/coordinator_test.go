// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
	"github.com/velaire/cellnode/pkg/config"
	"github.com/velaire/cellnode/pkg/device"
	"github.com/velaire/cellnode/pkg/master"
)

// ============================================================
// Test Doubles
// ============================================================

// fakeTransport is an in-memory ControlTransport.
type fakeTransport struct {
	mu        sync.Mutex
	handler   master.Handler
	started   bool
	stopped   bool
	connected bool
	telemetry []cellwire.SensorTelemetry
}

func (f *fakeTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTransport) SetHandler(h master.Handler) { f.handler = h }

func (f *fakeTransport) SendTelemetry(t cellwire.SensorTelemetry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.telemetry = append(f.telemetry, t)
	return true
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) telemetryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.telemetry)
}

// recordingSink collects events; status pushes are ignored.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) UpdateStatus(SystemStatus) {}
func (s *recordingSink) HandleEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func testCoordinator(t *testing.T, cfg *config.Config) (*Coordinator, *device.MockLink, *fakeTransport) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			DeviceID:       7,
			ZoneCount:      4,
			CycleInterval:  5 * time.Millisecond,
			StatusInterval: 5 * time.Millisecond,
		}
	}
	link := device.NewMockLink(cfg, zap.NewNop(), 0)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("mock Connect() error: %v", err)
	}
	ft := &fakeTransport{}
	c := New(cfg, link, ft, &recordingSink{}, zap.NewNop())
	t.Cleanup(func() { link.Disconnect() })
	return c, link, ft
}

func packet(activate bool, pressures, durations map[string]int, forced []int) master.Message {
	p := &master.ControlPacket{
		Posture:   "supine",
		Pressures: pressures,
		Durations: durations,
		Activate:  activate,
	}
	if forced != nil {
		p.Controls = &master.ControlPayload{Orders: forced}
	}
	return master.Message{Packet: p}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================
// Activation State Machine
// ============================================================

func TestInactivePacketsAreNoops(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	msg := packet(false, map[string]int{"sacrum": 90}, nil, nil)
	if err := c.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage() error: %v", err)
	}

	if n := len(link.SentSequences()); n != 0 {
		t.Errorf("sequences sent = %d, want 0 while inactive", n)
	}
	if link.EmergencyStops() != 0 {
		t.Error("no stop expected for an already-inactive packet")
	}
}

func TestActivationSendsSequence(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	msg := packet(true, map[string]int{"sacrum": 90}, map[string]int{"sacrum": 60}, nil)
	if err := c.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage() error: %v", err)
	}

	seqs := link.SentSequences()
	if len(seqs) != 1 || len(seqs[0]) != 1 || seqs[0][0] != 3 {
		t.Errorf("sequences = %v, want [[3]]", seqs)
	}
	if !c.Activated() {
		t.Error("coordinator should be activated")
	}

	st := c.Status()
	if st.CommandsExecuted != 1 {
		t.Errorf("CommandsExecuted = %d, want 1", st.CommandsExecuted)
	}
}

func TestDeactivationStopsDevice(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	on := packet(true, map[string]int{"sacrum": 90}, nil, nil)
	if err := c.handleMessage(on); err != nil {
		t.Fatalf("activate: %v", err)
	}

	off := packet(false, map[string]int{"sacrum": 90}, nil, nil)
	if err := c.handleMessage(off); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if link.EmergencyStops() != 1 {
		t.Errorf("emergency stops = %d, want exactly 1", link.EmergencyStops())
	}
	if n := len(link.SentSequences()); n != 1 {
		t.Errorf("sequences = %d, want 1 (none after deactivation)", n)
	}

	// Further packets while deactivated stay no-ops.
	if err := c.handleMessage(off); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
	if link.EmergencyStops() != 1 {
		t.Error("repeated inactive packet must not re-stop")
	}
}

func TestReactivationClearsDedupMemory(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)
	readings := map[string]int{"sacrum": 90}

	c.handleMessage(packet(true, readings, nil, nil))
	c.handleMessage(packet(false, readings, nil, nil))
	c.handleMessage(packet(true, readings, nil, nil))

	// Same zone order as before deactivation, but it is a fresh session.
	if n := len(link.SentSequences()); n != 2 {
		t.Errorf("sequences = %d, want 2", n)
	}
}

// ============================================================
// Deduplication
// ============================================================

func TestDuplicateOrderSentOnce(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)
	readings := map[string]int{"occiput": 85, "sacrum": 40}
	durations := map[string]int{"occiput": 310}

	c.handleMessage(packet(true, readings, durations, nil))
	c.handleMessage(packet(true, readings, durations, nil))

	if n := len(link.SentSequences()); n != 1 {
		t.Errorf("sequences = %d, want exactly 1 for a repeated order", n)
	}
}

func TestChangedOrderIsSent(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	c.handleMessage(packet(true, map[string]int{"occiput": 85, "sacrum": 40}, nil, nil))
	c.handleMessage(packet(true, map[string]int{"occiput": 30, "sacrum": 90}, nil, nil))

	seqs := link.SentSequences()
	if len(seqs) != 2 {
		t.Fatalf("sequences = %v, want 2", seqs)
	}
	if seqs[0][0] != 1 || seqs[1][0] != 3 {
		t.Errorf("orders = %v, want zone 1 first then zone 3 first", seqs)
	}
}

func TestForcedOrderReachesDevice(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	msg := packet(true, map[string]int{"occiput": 85, "sacrum": 40}, nil, []int{3, 1})
	c.handleMessage(msg)

	seqs := link.SentSequences()
	if len(seqs) != 1 || len(seqs[0]) != 2 || seqs[0][0] != 3 || seqs[0][1] != 1 {
		t.Errorf("sequences = %v, want [[3 1]]", seqs)
	}
}

// ============================================================
// Failure Accounting
// ============================================================

func TestSequenceFailureBumpsErrorCounter(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)
	link.Disconnect() // all sends now fail

	err := c.handleMessage(packet(true, map[string]int{"sacrum": 90}, nil, nil))
	if err == nil {
		t.Fatal("handleMessage() should surface the send failure")
	}

	st := c.Status()
	if st.ErrorsCount != 1 {
		t.Errorf("ErrorsCount = %d, want 1", st.ErrorsCount)
	}
	if st.CommandsExecuted != 0 {
		t.Errorf("CommandsExecuted = %d, want 0", st.CommandsExecuted)
	}

	// The failed order must not be remembered as applied.
	if len(c.Status().LastZoneOrder) != 0 {
		t.Error("failed order recorded as applied")
	}
}

// ============================================================
// Legacy Signal Path
// ============================================================

func TestLegacySignalExecutesPerZone(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	sig := &master.ControlSignal{TargetZones: []int{1, 9, 3}, Action: "inflate", Intensity: 70}
	if err := c.handleMessage(master.Message{Signal: sig}); err != nil {
		t.Fatalf("handleMessage() error: %v", err)
	}

	cmds := link.ExecutedCommands()
	if len(cmds) != 2 {
		t.Fatalf("executed %v, want 2 commands (zone 9 skipped)", cmds)
	}
	if cmds[0].Zone != 1 || cmds[1].Zone != 3 {
		t.Errorf("zones = %d,%d, want 1,3", cmds[0].Zone, cmds[1].Zone)
	}
	if st := c.Status(); st.CommandsExecuted != 2 {
		t.Errorf("CommandsExecuted = %d, want 2", st.CommandsExecuted)
	}
}

func TestLegacySignalNoneActionIsNoop(t *testing.T) {
	c, link, _ := testCoordinator(t, nil)

	sig := &master.ControlSignal{TargetZones: []int{1}, Action: "none"}
	if err := c.handleMessage(master.Message{Signal: sig}); err != nil {
		t.Fatalf("handleMessage() error: %v", err)
	}
	if n := len(link.ExecutedCommands()); n != 0 {
		t.Errorf("executed %d commands, want 0", n)
	}
}

// ============================================================
// Telemetry Forwarding & Lifecycle
// ============================================================

func TestTelemetryLoopForwardsToMaster(t *testing.T) {
	c, link, ft := testCoordinator(t, nil)
	ft.setConnected(true)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Shutdown()

	link.InjectTelemetry(cellwire.SensorTelemetry{InflatedZones: []int{2}, Timestamp: time.Now()})
	waitFor(t, "telemetry forward", func() bool { return ft.telemetryCount() >= 1 })

	// Slot was cleared on read; nothing further goes out until the next
	// injection.
	n := ft.telemetryCount()
	time.Sleep(30 * time.Millisecond)
	if ft.telemetryCount() != n {
		t.Error("telemetry re-sent without new data")
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	c, link, ft := testCoordinator(t, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	c.Shutdown()

	if link.EmergencyStops() != 1 {
		t.Errorf("emergency stops = %d, want 1 on shutdown", link.EmergencyStops())
	}
	if link.Connected() {
		t.Error("device link should be disconnected")
	}
	ft.mu.Lock()
	stopped := ft.stopped
	ft.mu.Unlock()
	if !stopped {
		t.Error("control channel should be stopped")
	}
}

func TestStatusSnapshot(t *testing.T) {
	c, _, ft := testCoordinator(t, nil)
	ft.setConnected(true)

	c.handleMessage(packet(true, map[string]int{"sacrum": 90}, nil, nil))

	st := c.Status()
	if st.DeviceID != 7 {
		t.Errorf("DeviceID = %d, want 7", st.DeviceID)
	}
	if st.MasterState != device.StateConnected {
		t.Errorf("MasterState = %v, want connected", st.MasterState)
	}
	if st.SerialState != device.StateConnected {
		t.Errorf("SerialState = %v, want connected", st.SerialState)
	}
	if !st.Activated {
		t.Error("Activated should be true")
	}
	if len(st.LastZoneOrder) != 1 || st.LastZoneOrder[0] != 3 {
		t.Errorf("LastZoneOrder = %v, want [3]", st.LastZoneOrder)
	}
	if st.LastSignalReceived.IsZero() {
		t.Error("LastSignalReceived should be stamped")
	}
}
