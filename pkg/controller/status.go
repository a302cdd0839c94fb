// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package controller

import (
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/device"
)

// SystemStatus is a point-in-time snapshot of the whole node, safe to
// build from any goroutine.
type SystemStatus struct {
	DeviceID int

	MasterState device.LinkState
	SerialState device.LinkState
	SerialError string

	Activated bool

	LastSignalReceived  time.Time
	LastCommandExecuted time.Time
	CommandsExecuted    int
	ErrorsCount         int

	LastZoneOrder []int
	ZoneStates    map[int]bool
}

// EventLevel classifies sink events.
type EventLevel string

const (
	EventInfo    EventLevel = "info"
	EventWarning EventLevel = "warning"
	EventError   EventLevel = "error"
)

// Event is a discrete occurrence pushed to the status sink: a packet
// arrived, a sequence went out, something failed.
type Event struct {
	Time    time.Time
	Level   EventLevel
	Message string
}

// StatusSink is the presentation boundary. The dashboard implements it;
// headless runs use LogSink. Implementations must not block: pushes come
// from control-path goroutines.
type StatusSink interface {
	UpdateStatus(SystemStatus)
	HandleEvent(Event)
}

// LogSink routes status traffic to the structured log, for headless runs.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) UpdateStatus(st SystemStatus) {
	s.Logger.Debug("status",
		zap.Stringer("master", st.MasterState),
		zap.Stringer("serial", st.SerialState),
		zap.Bool("activated", st.Activated),
		zap.Int("commands", st.CommandsExecuted),
		zap.Int("errors", st.ErrorsCount))
}

func (s *LogSink) HandleEvent(e Event) {
	switch e.Level {
	case EventError:
		s.Logger.Error(e.Message)
	case EventWarning:
		s.Logger.Warn(e.Message)
	default:
		s.Logger.Info(e.Message)
	}
}
