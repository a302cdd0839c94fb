// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package master implements the TCP control channel to the master node:
// a single-peer listener speaking newline-delimited JSON.
package master

import (
	"encoding/json"
	"fmt"

	"github.com/velaire/cellnode/pkg/cellwire"
)

// ControlPacket is the canonical inbound message: posture plus pressure
// telemetry driving the zone priority scheduler, and the activation gate.
type ControlPacket struct {
	Posture   string          `json:"posture"`
	Pressures map[string]int  `json:"pressures"`
	Durations map[string]int  `json:"durations"`
	Controls  *ControlPayload `json:"controls"`
	Activate  bool            `json:"activate"`
}

// ControlPayload carries optional server-side overrides.
type ControlPayload struct {
	// Orders, when non-empty, forces the zone relief order verbatim.
	Orders []int `json:"orders"`
}

// ForcedOrder extracts the override zone order, nil when absent.
func (p *ControlPacket) ForcedOrder() []int {
	if p.Controls == nil || len(p.Controls.Orders) == 0 {
		return nil
	}
	return p.Controls.Orders
}

// ControlSignal is the legacy flat message shape: direct zone actuation
// without the scheduler. Kept for masters that predate the packet form.
type ControlSignal struct {
	TargetZones []int  `json:"target_zones"`
	Action      string `json:"action"`
	Intensity   int    `json:"intensity"`
}

// ParsedAction maps the signal's action string to the wire action.
func (s *ControlSignal) ParsedAction() cellwire.Action {
	return cellwire.ParseAction(s.Action)
}

// Message is the decoded form of one inbound line: exactly one of Packet
// or Signal is non-nil.
type Message struct {
	Packet *ControlPacket
	Signal *ControlSignal
}

// DecodeMessage parses one JSON line, distinguishing the two wire shapes
// by their discriminating field: legacy signals carry target_zones,
// packets do not.
func DecodeMessage(line []byte) (Message, error) {
	var probe struct {
		TargetZones *[]int `json:"target_zones"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Message{}, fmt.Errorf("master: invalid JSON: %w", err)
	}

	if probe.TargetZones != nil {
		var sig ControlSignal
		if err := json.Unmarshal(line, &sig); err != nil {
			return Message{}, fmt.Errorf("master: invalid control signal: %w", err)
		}
		return Message{Signal: &sig}, nil
	}

	var pkt ControlPacket
	if err := json.Unmarshal(line, &pkt); err != nil {
		return Message{}, fmt.Errorf("master: invalid control packet: %w", err)
	}
	return Message{Packet: &pkt}, nil
}

// telemetryLine is the outbound shape for device occupancy pushes.
type telemetryLine struct {
	InflatedZones []int  `json:"inflated_zones"`
	Timestamp     string `json:"timestamp"`
}
