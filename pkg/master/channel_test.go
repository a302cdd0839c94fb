// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package master

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
)

// collector records every message the channel dispatches.
type collector struct {
	mu       sync.Mutex
	messages []Message
}

func (c *collector) handle(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *collector) last() Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[len(c.messages)-1]
}

func startTestChannel(t *testing.T) (*Channel, *collector) {
	t.Helper()
	ch := NewChannel(0, zap.NewNop())
	col := &collector{}
	ch.SetHandler(col.handle)
	if err := ch.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(ch.Stop)
	return ch, col
}

func dialChannel(t *testing.T, ch *Channel) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ch.Addr())
	if err != nil {
		t.Fatalf("dial %s: %v", ch.Addr(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
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

func TestPacketDispatchAndAck(t *testing.T) {
	ch, col := startTestChannel(t)
	conn := dialChannel(t, ch)

	line := `{"posture":"supine","pressures":{"sacrum":70},"durations":{"sacrum":120},"activate":true}` + "\n"
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack != "ACK\n" {
		t.Errorf("ack = %q, want %q", ack, "ACK\n")
	}

	waitFor(t, "dispatch", func() bool { return col.count() == 1 })
	msg := col.last()
	if msg.Packet == nil || msg.Packet.Pressures["sacrum"] != 70 {
		t.Errorf("dispatched message = %+v", msg)
	}
}

func TestMalformedLineIsDroppedNotFatal(t *testing.T) {
	ch, col := startTestChannel(t)
	conn := dialChannel(t, ch)

	payload := "this is not json\n" + `{"target_zones":[2],"action":"deflate","intensity":0}` + "\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Only the valid line is dispatched and acked; the connection stays up.
	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack != "ACK\n" {
		t.Errorf("ack = %q", ack)
	}

	waitFor(t, "dispatch", func() bool { return col.count() == 1 })
	if msg := col.last(); msg.Signal == nil || msg.Signal.TargetZones[0] != 2 {
		t.Errorf("dispatched message = %+v", msg)
	}
}

func TestNewPeerDisplacesOld(t *testing.T) {
	ch, _ := startTestChannel(t)

	connA := dialChannel(t, ch)
	waitFor(t, "peer A attached", ch.Connected)

	connB := dialChannel(t, ch)

	// A gets closed by the channel; reads on A hit EOF.
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := connA.Read(buf); err == nil {
		t.Error("read on displaced peer should fail")
	}

	// Telemetry goes only to B.
	waitFor(t, "telemetry to B", func() bool {
		return ch.SendTelemetry(cellwire.SensorTelemetry{
			InflatedZones: []int{1, 4},
			Timestamp:     time.Now(),
		})
	})

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(connB).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read telemetry on B: %v", err)
	}
	var got struct {
		InflatedZones []int  `json:"inflated_zones"`
		Timestamp     string `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("telemetry line %q: %v", line, err)
	}
	if len(got.InflatedZones) != 2 || got.InflatedZones[0] != 1 || got.InflatedZones[1] != 4 {
		t.Errorf("inflated_zones = %v, want [1 4]", got.InflatedZones)
	}
	if got.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestSendTelemetryWithoutPeer(t *testing.T) {
	ch, _ := startTestChannel(t)
	if ch.SendTelemetry(cellwire.SensorTelemetry{Timestamp: time.Now()}) {
		t.Error("SendTelemetry() should report false with no peer")
	}
}

func TestListenerSurvivesPeerChurn(t *testing.T) {
	ch, col := startTestChannel(t)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ch.Addr())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		if _, err := conn.Write([]byte(`{"activate":false}` + "\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
		conn.Close()
		waitFor(t, "peer detached", func() bool { return !ch.Connected() })
	}

	if col.count() != 3 {
		t.Errorf("dispatched %d messages, want 3", col.count())
	}
}

func TestStopIsBounded(t *testing.T) {
	ch, _ := startTestChannel(t)
	dialChannel(t, ch)
	waitFor(t, "peer attached", ch.Connected)

	done := make(chan struct{})
	go func() {
		ch.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return in bounded time")
	}
}
