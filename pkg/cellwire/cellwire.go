// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package cellwire implements the line-oriented wire protocol spoken by the
// air cell microcontroller. It is transport-free: callers feed it lines and
// get typed structures back, whether the bytes arrived over UART or a
// WebSocket bridge.
package cellwire

import (
	"fmt"
	"time"
)

// Action is an actuation verb for a single zone.
type Action int

const (
	ActionNone Action = iota
	ActionInflate
	ActionDeflate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionInflate:
		return "inflate"
	case ActionDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps the wire spelling of an action back to its value.
// Unknown spellings map to ActionNone.
func ParseAction(s string) Action {
	switch s {
	case "inflate":
		return ActionInflate
	case "deflate":
		return ActionDeflate
	default:
		return ActionNone
	}
}

// Command is a single zone actuation order. Immutable once built; consumed
// exactly once by the device link.
type Command struct {
	Zone      int
	Action    Action
	Timestamp time.Time
}

// NewCommand stamps a command with the current time.
func NewCommand(zone int, action Action) Command {
	return Command{Zone: zone, Action: action, Timestamp: time.Now()}
}

func (c Command) String() string {
	return fmt.Sprintf("zone %d: %s", c.Zone, c.Action)
}

// SensorTelemetry is a device-reported occupancy snapshot: which zones the
// controller believes are currently inflated.
type SensorTelemetry struct {
	InflatedZones []int     `json:"inflated_zones"`
	Timestamp     time.Time `json:"timestamp"`
}
