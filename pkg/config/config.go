// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

// Package config loads node configuration from the environment. The
// resulting struct is built once at startup and handed to each component;
// nothing in this module reads the environment after load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the controller node.
type Config struct {
	// DeviceID identifies this node to the master.
	DeviceID int

	// ListenPort is the TCP port the control channel binds on 0.0.0.0.
	ListenPort int

	// SerialPort is the device path of the microcontroller UART.
	SerialPort string

	// SerialBaud is the UART baud rate.
	SerialBaud int

	// DeviceURL, when non-empty, selects the WebSocket serial bridge
	// (ws:// or wss://) instead of a local UART.
	DeviceURL string

	// ZoneCount is the number of actuatable cells. Commands referencing a
	// zone outside 1..ZoneCount are rejected.
	ZoneCount int

	// CycleInterval is the telemetry poll/forward period.
	CycleInterval time.Duration

	// StatusInterval is the period of status pushes to the sink.
	StatusInterval time.Duration

	// LogFile is where structured logs go. The terminal belongs to the
	// dashboard, so logging never writes to stdout in TUI mode.
	LogFile string

	// LocalPattern runs relief sequences on the host via the pattern
	// executor instead of handing the whole sequence to the firmware.
	LocalPattern bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// A missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		DeviceID:       getEnvInt("DEVICE_ID", 1),
		ListenPort:     getEnvInt("LISTEN_PORT", 5000),
		SerialPort:     getEnv("SERIAL_PORT", "/dev/ttyUSB0"),
		SerialBaud:     getEnvInt("SERIAL_BAUD", 115200),
		DeviceURL:      getEnv("DEVICE_URL", ""),
		ZoneCount:      getEnvInt("ZONE_COUNT", 4),
		CycleInterval:  time.Duration(getEnvInt("CYCLE_INTERVAL_MS", 100)) * time.Millisecond,
		StatusInterval: time.Duration(getEnvInt("STATUS_INTERVAL_MS", 500)) * time.Millisecond,
		LogFile:        getEnv("LOG_FILE", "cellnode.log"),
		LocalPattern:   getEnvBool("LOCAL_PATTERN", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.ListenPort)
	}
	if c.ZoneCount < 1 {
		return fmt.Errorf("config: zone count must be at least 1, got %d", c.ZoneCount)
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("config: cycle interval must be positive")
	}
	return nil
}

// ValidZone reports whether a zone id is within the configured range.
func (c *Config) ValidZone(zone int) bool {
	return zone >= 1 && zone <= c.ZoneCount
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
