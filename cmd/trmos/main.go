// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command trmos runs the TRM-OS core: the adaptive learning system and
// the quantum state manager with their background loops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
	"github.com/trm-os/trmos/services/learning"
	"github.com/trm-os/trmos/services/quantum"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "trmos",
		Short: "TRM-OS adaptive learning and quantum state management core",
	}
	root.AddCommand(newRunCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the trmos version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trmos %s\n", version)
		},
	}
}

func newRunCmd() *cobra.Command {
	var configPath string
	var jsonLogs bool
	var logDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the learning and quantum loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logDir, jsonLogs)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for log files (empty disables file logging)")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON structured logs")
	return cmd
}

func run(configPath, logDir string, jsonLogs bool) error {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  logDir,
		Service: "trmos",
		JSON:    jsonLogs,
	})
	defer logger.Close()

	learningConfig, err := learning.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load learning config: %w", err)
	}
	quantumConfig, err := quantum.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load quantum config: %w", err)
	}

	bus := events.NewEmitter(events.WithSource("trmos"))
	learningMetrics := observability.NewLearningMetrics(nil)
	quantumMetrics := observability.NewQuantumMetrics(nil)

	learningSystem := learning.NewSystem(learningConfig, bus, logger, learningMetrics)
	manager := quantum.NewManager(quantumConfig, bus, logger, quantumMetrics, learningSystem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := learningSystem.Start(ctx); err != nil {
		return fmt.Errorf("start learning system: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		_ = learningSystem.Stop()
		return fmt.Errorf("start quantum manager: %w", err)
	}

	system := manager.CreateSystem(ctx, "primary", "default organizational unit")
	logger.Info("trmos running",
		"version", version,
		"primary_system", system.ID,
	)

	// Block until SIGINT/SIGTERM, then shut down gracefully.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	if err := manager.Stop(); err != nil && err != quantum.ErrManagerNotRunning {
		logger.Warn("stopping quantum manager", "error", err.Error())
	}
	if err := learningSystem.Stop(); err != nil && err != learning.ErrSystemNotRunning {
		logger.Warn("stopping learning system", "error", err.Error())
	}

	logger.Info("trmos stopped")
	return nil
}
