package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bridge-payments/internal/api"
	"bridge-payments/internal/core"
	"bridge-payments/internal/service"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	var indexDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the inbox and serve the local API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, indexDir)
		},
	}
	cmd.Flags().StringVar(&indexDir, "index-dir", "", "Result index directory (default: <data dir>/results)")
	return cmd
}

func runServe(configPath, indexDir string) error {
	sm, logs, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()

	logger := logs.GetLogger("bridge-payments")
	logger.Info("Starting payment bridge...")

	if indexDir == "" {
		indexDir = filepath.Join(core.GetDataDirectory(), "results")
	}
	bridge, err := service.NewBridge(logs.GetLogger, sm, service.BridgeOptions{IndexDir: indexDir})
	if err != nil {
		logger.Fatalf("Failed to create bridge: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bridge.Start(ctx); err != nil {
		logger.Fatalf("Failed to start bridge: %v", err)
	}

	server := api.NewServer(sm.Get().API.Addr(), logs.GetLogger("api"), api.DepsFromBridge(bridge))
	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API Server failed: %v", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stopCh
	logger.Infof("Received %s, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Errorf("API Server stop failed: %v", err)
	}
	cancel()
	if err := bridge.Stop(stopCtx); err != nil {
		logger.Errorf("Bridge stop failed: %v", err)
	}
	logger.Info("Payment bridge stopped")
	return nil
}
