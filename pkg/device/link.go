// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package device owns the link to the air cell microcontroller: transport
// setup, the background reader that demultiplexes the inbound stream, and
// command/response semantics over an inherently asynchronous line protocol.
package device

import (
	"context"

	"github.com/velaire/cellnode/pkg/cellwire"
)

// LinkState tracks the connection lifecycle of a device or master link.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Link is the capability the rest of the node needs from the device side.
// *SerialLink is the real implementation; *MockLink stands in when no
// hardware is attached.
type Link interface {
	// Connect opens the transport and starts the background reader.
	// Reconnecting after a failed attempt is the caller's call; Connect
	// does not retry internally.
	Connect(ctx context.Context) error

	// Disconnect stops the reader with a bounded join and closes the
	// transport. Idempotent.
	Disconnect() error

	Connected() bool
	State() LinkState
	LastError() string

	// SendCommand writes one zone command and waits for the response
	// slot. No response inside the timeout counts as success: the
	// firmware is not required to ack every command.
	SendCommand(ctx context.Context, cmd cellwire.Command) error

	// SendSequence hands a whole relief sequence to the firmware's
	// sequence engine. Empty input is rejected without a write.
	SendSequence(ctx context.Context, zones []int) error

	// EmergencyStop vents everything. In-memory zone state is zeroed
	// even if the write fails; bookkeeping must never claim hardware is
	// active after a stop was ordered.
	EmergencyStop() error

	// Resume restarts the firmware sequence engine after a stop.
	Resume() error

	// SensorData returns and clears the latest occupancy snapshot.
	SensorData() (cellwire.SensorTelemetry, bool)

	// HasSensorData is a non-destructive peek.
	HasSensorData() bool

	// RecentLogs drains up to max buffered device log lines.
	RecentLogs(max int) []string

	// ZoneStates is a copy of the host-side zone bookkeeping.
	ZoneStates() map[int]bool
}
