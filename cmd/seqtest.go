// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Velaire Systems

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velaire/cellnode/pkg/device"
	"github.com/velaire/cellnode/pkg/logging"
)

var (
	seqTestInterval int
	seqTestCycles   int
)

var seqTestCmd = &cobra.Command{
	Use:   "seq_test",
	Short: "Exercise the device by cycling relief sequences through each zone",
	Long: `Connect to the air cell microcontroller and send a single-zone relief
sequence to each zone in turn, reporting the outcome of every send.

Runs without the master server; useful for bench-testing a board or a
WebSocket serial bridge. Ctrl-C stops cleanly with an emergency stop.

Exit codes:
  0 - All sequences accepted
  1 - At least one sequence failed
  2 - Connection error`,
	RunE: runSeqTest,
}

func init() {
	rootCmd.AddCommand(seqTestCmd)
	seqTestCmd.Flags().IntVar(&seqTestInterval, "interval", 5, "Seconds between sequences")
	seqTestCmd.Flags().IntVar(&seqTestCycles, "cycles", 1, "Full passes over all zones (0 = until interrupted)")
}

func runSeqTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogFile, debugLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var link device.Link
	if useMock {
		link = device.NewMockLink(cfg, logger, 0)
	} else {
		link = device.NewSerialLink(cfg, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := link.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Disconnect()

	fmt.Printf("Cellnode - Sequence Test\n")
	fmt.Printf("Zones: %d | Interval: %ds\n\n", cfg.ZoneCount, seqTestInterval)

	failures := 0
	cycle := 0
	for seqTestCycles == 0 || cycle < seqTestCycles {
		cycle++
		for zone := 1; zone <= cfg.ZoneCount; zone++ {
			select {
			case <-ctx.Done():
				fmt.Printf("\nInterrupted, stopping device\n")
				link.EmergencyStop()
				return nil
			default:
			}

			fmt.Printf("Cycle %d zone %d: ", cycle, zone)
			if err := link.SendSequence(ctx, []int{zone}); err != nil {
				failures++
				fmt.Printf("FAILED (%v)\n", err)
			} else {
				fmt.Printf("OK\n")
			}

			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(seqTestInterval) * time.Second):
			}
		}
	}

	link.EmergencyStop()

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "\n%d sequence(s) failed\n", failures)
		os.Exit(1)
	}
	fmt.Printf("\nAll sequences accepted\n")
	return nil
}
