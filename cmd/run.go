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

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/velaire/cellnode/pkg/config"
	"github.com/velaire/cellnode/pkg/controller"
	"github.com/velaire/cellnode/pkg/device"
	"github.com/velaire/cellnode/pkg/logging"
	"github.com/velaire/cellnode/pkg/master"
)

// mockTelemetryInterval paces the simulated occupancy feed when --mock
// is set.
const mockTelemetryInterval = 3 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller node",
	Long: `Start the controller node: bind the master control channel, connect the
device link, and serve until interrupted.

On a terminal this shows the live dashboard; redirect output or pass
--no-tui to run headless with structured logs only.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.RunE = runNode
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogFile, debugLog)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Sync()

	var link device.Link
	if useMock {
		link = device.NewMockLink(cfg, logger, mockTelemetryInterval)
	} else {
		link = device.NewSerialLink(cfg, logger)
	}
	channel := master.NewChannel(cfg.ListenPort, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactive := !noTUI && term.IsTerminal(int(os.Stdout.Fd()))
	if !interactive {
		return runHeadless(ctx, cfg, link, channel, logger)
	}
	return runDashboard(ctx, cfg, link, channel, logger)
}

func runHeadless(ctx context.Context, cfg *config.Config, link device.Link, channel *master.Channel, logger *zap.Logger) error {
	sink := &controller.LogSink{Logger: logger}
	coord := controller.New(cfg, link, channel, sink, logger)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	logger.Info("controller node running",
		zap.Int("device_id", cfg.DeviceID),
		zap.Int("listen_port", cfg.ListenPort))

	<-ctx.Done()
	coord.Shutdown()
	return nil
}

func runDashboard(ctx context.Context, cfg *config.Config, link device.Link, channel *master.Channel, logger *zap.Logger) error {
	m := newDashboardModel(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())

	coord := controller.New(cfg, link, channel, &dashboardSink{p: p}, logger)
	if err := coord.Start(ctx); err != nil {
		return err
	}

	// SIGINT/SIGTERM ends the program the same way 'q' does.
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, runErr := p.Run()
	coord.Shutdown()
	return runErr
}
