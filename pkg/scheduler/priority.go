// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package scheduler turns per-body-part pressure readings into an ordered
// relief plan. Everything here is pure: same inputs, same plan.
package scheduler

import (
	"sort"
	"time"
)

// BodyPartZones maps pressure-sensor body parts to mattress quadrants.
// Zone 1: upper right (head/shoulders), zone 2: upper left (elbows),
// zone 3: lower left (sacrum), zone 4: lower right (heels).
var BodyPartZones = map[string]int{
	"occiput":     1,
	"scapula":     1,
	"right_elbow": 2,
	"left_elbow":  2,
	"sacrum":      3,
	"right_heel":  4,
	"left_heel":   4,
}

// Relief time tuning. Sustained loading earns extra vent time on top of
// the pressure-based bump.
const (
	baseReliefTime     = 5 * time.Second
	highPressureBump   = 10 * time.Second
	mediumPressureBump = 5 * time.Second
	longDurationBump   = 5 * time.Second

	highPressureThreshold   = 80
	mediumPressureThreshold = 50
	longDurationThreshold   = 300 // seconds
)

// ReliefStep is one entry of a relief plan: vent this zone for this long.
type ReliefStep struct {
	Zone   int
	Relief time.Duration
}

// Zones projects a plan to its zone ids, the shape the firmware sequence
// command takes and the shape order deduplication compares.
func Zones(plan []ReliefStep) []int {
	zones := make([]int, len(plan))
	for i, s := range plan {
		zones[i] = s.Zone
	}
	return zones
}

// zoneReading is the strongest reading mapped onto one zone.
type zoneReading struct {
	zone     int
	score    float64
	pressure int
	duration int
}

// DetermineOrder produces the relief plan for one telemetry cycle.
//
// Priority score = pressure + (duration/60)*10, so ten minutes under
// moderate load outranks a brief spike. When several body parts share a
// zone the highest-scoring reading wins. Ties sort by zone id so the plan
// is deterministic regardless of map iteration order.
//
// A non-empty forced order overrides prioritization entirely: zones are
// emitted in the given order (out-of-range ids dropped), but relief times
// are still computed from the readings, falling back to the base time for
// zones with no mapped reading.
func DetermineOrder(pressures, durations map[string]int, forced []int, zoneCount int) []ReliefStep {
	readings := collectReadings(pressures, durations)

	if len(forced) > 0 {
		plan := make([]ReliefStep, 0, len(forced))
		for _, zone := range forced {
			if zone < 1 || zone > zoneCount {
				continue
			}
			relief := baseReliefTime
			if r, ok := readings[zone]; ok {
				relief = reliefTime(r.pressure, r.duration)
			}
			plan = append(plan, ReliefStep{Zone: zone, Relief: relief})
		}
		return plan
	}

	ordered := make([]zoneReading, 0, len(readings))
	for _, r := range readings {
		if r.zone < 1 || r.zone > zoneCount {
			continue
		}
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].zone < ordered[j].zone
	})

	plan := make([]ReliefStep, 0, len(ordered))
	for _, r := range ordered {
		plan = append(plan, ReliefStep{Zone: r.zone, Relief: reliefTime(r.pressure, r.duration)})
	}
	return plan
}

// collectReadings folds body-part readings into per-zone maxima.
// Non-positive pressures and unknown body parts are ignored.
func collectReadings(pressures, durations map[string]int) map[int]zoneReading {
	readings := make(map[int]zoneReading)
	for part, pressure := range pressures {
		zone, ok := BodyPartZones[part]
		if !ok || pressure <= 0 {
			continue
		}
		duration := durations[part]
		score := float64(pressure) + float64(duration)/60.0*10.0

		if prev, ok := readings[zone]; !ok || score > prev.score {
			readings[zone] = zoneReading{zone: zone, score: score, pressure: pressure, duration: duration}
		}
	}
	return readings
}

// reliefTime applies the additive table: base 5s, +10s above the high
// pressure threshold or +5s above the medium one, +5s more for loading
// sustained past five minutes.
func reliefTime(pressure, duration int) time.Duration {
	relief := baseReliefTime
	if pressure > highPressureThreshold {
		relief += highPressureBump
	} else if pressure > mediumPressureThreshold {
		relief += mediumPressureBump
	}
	if duration > longDurationThreshold {
		relief += longDurationBump
	}
	return relief
}
