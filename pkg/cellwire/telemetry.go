// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package cellwire

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// telemetryPrefix marks the typed occupancy line, e.g. "ZONES:1,3" or
// "ZONES:" when every zone is vented.
const telemetryPrefix = "ZONES:"

// IsTelemetryLine reports whether a line carries zone occupancy data,
// either in the typed "ZONES:" form or as a JSON object with an
// inflated_zones field. Newer firmware emits JSON; the typed prefix is kept
// for boards still running the v1 image.
func IsTelemetryLine(line string) bool {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, telemetryPrefix) {
		return true
	}
	return strings.HasPrefix(line, "{") && strings.Contains(line, `"inflated_zones"`)
}

// ParseTelemetry extracts the occupancy snapshot from a telemetry line.
// The bool result is false when the line is not telemetry or the zone list
// cannot be parsed.
func ParseTelemetry(line string) (SensorTelemetry, bool) {
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, telemetryPrefix) {
		rest := strings.TrimPrefix(line, telemetryPrefix)
		zones, ok := parseZoneList(rest)
		if !ok {
			return SensorTelemetry{}, false
		}
		return SensorTelemetry{InflatedZones: zones, Timestamp: time.Now()}, true
	}

	if strings.HasPrefix(line, "{") {
		var obj struct {
			InflatedZones *[]int `json:"inflated_zones"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil || obj.InflatedZones == nil {
			return SensorTelemetry{}, false
		}
		return SensorTelemetry{InflatedZones: *obj.InflatedZones, Timestamp: time.Now()}, true
	}

	return SensorTelemetry{}, false
}

// parseZoneList parses "1,3,4" into zone ids. An empty string is a valid
// empty list (no zones inflated).
func parseZoneList(s string) ([]int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, true
	}
	parts := strings.Split(s, ",")
	zones := make([]int, 0, len(parts))
	for _, p := range parts {
		z, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, false
		}
		zones = append(zones, z)
	}
	return zones, true
}
