// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Velaire Systems

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/velaire/cellnode/pkg/config"
)

var (
	// Serial connection flags
	serialPort string
	baudRate   int

	// WebSocket bridge flag
	deviceURL string

	// Control channel flag
	listenPort int

	// Runtime flags
	useMock  bool
	noTUI    bool
	debugLog bool
)

var rootCmd = &cobra.Command{
	Use:   "cellnode",
	Short: "Air cell controller node",
	Long: `Cellnode - the bedside controller for a multi-zone air cell mattress.

Listens for control packets from the master server over TCP, schedules zone
relief by pressure priority, and drives the air cell microcontroller over a
serial link.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path (serial bridge)
  Mock:      --mock (no hardware, simulated device)

Every flag has a matching environment variable (SERIAL_PORT, SERIAL_BAUD,
DEVICE_URL, LISTEN_PORT, ...) read from the environment or a .env file;
flags win when both are set.`,
	Version: "1.2.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serialPort, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")
	rootCmd.PersistentFlags().StringVarP(&deviceURL, "url", "u", "", "WebSocket serial bridge URL (ws:// or wss://)")
	rootCmd.PersistentFlags().IntVarP(&listenPort, "listen", "l", 0, "TCP port for the master control channel")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "Use a simulated device instead of real hardware")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "Disable the dashboard even on a terminal")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Enable debug logging")
}

// loadConfig builds the runtime configuration: environment first, then
// any flags the user set on this invocation.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("port") {
		cfg.SerialPort = serialPort
	}
	if cmd.Flags().Changed("baud") {
		cfg.SerialBaud = baudRate
	}
	if cmd.Flags().Changed("url") {
		cfg.DeviceURL = deviceURL
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenPort = listenPort
	}
	return cfg, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
