// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DeviceID != 1 {
		t.Errorf("DeviceID = %d, want 1", cfg.DeviceID)
	}
	if cfg.ListenPort != 5000 {
		t.Errorf("ListenPort = %d, want 5000", cfg.ListenPort)
	}
	if cfg.SerialBaud != 115200 {
		t.Errorf("SerialBaud = %d, want 115200", cfg.SerialBaud)
	}
	if cfg.ZoneCount != 4 {
		t.Errorf("ZoneCount = %d, want 4", cfg.ZoneCount)
	}
	if cfg.CycleInterval != 100*time.Millisecond {
		t.Errorf("CycleInterval = %v, want 100ms", cfg.CycleInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_PORT", "6200")
	t.Setenv("ZONE_COUNT", "7")
	t.Setenv("DEVICE_URL", "ws://bridge.local/uart")
	t.Setenv("LOCAL_PATTERN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ListenPort != 6200 {
		t.Errorf("ListenPort = %d, want 6200", cfg.ListenPort)
	}
	if cfg.ZoneCount != 7 {
		t.Errorf("ZoneCount = %d, want 7", cfg.ZoneCount)
	}
	if cfg.DeviceURL != "ws://bridge.local/uart" {
		t.Errorf("DeviceURL = %q", cfg.DeviceURL)
	}
	if !cfg.LocalPattern {
		t.Error("LocalPattern should be true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "LISTEN_PORT", "70000"},
		{"zero zones", "ZONE_COUNT", "0"},
		{"negative cycle", "CYCLE_INTERVAL_MS", "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s should fail", tt.key, tt.value)
			}
		})
	}
}

func TestValidZone(t *testing.T) {
	cfg := &Config{ZoneCount: 4}

	for zone, want := range map[int]bool{0: false, 1: true, 4: true, 5: false, -1: false} {
		if got := cfg.ValidZone(zone); got != want {
			t.Errorf("ValidZone(%d) = %v, want %v", zone, got, want)
		}
	}
}
