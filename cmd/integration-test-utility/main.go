package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"bridge-payments/internal/api"
	"bridge-payments/internal/core"
	"bridge-payments/internal/service"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors/clover"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const apiPort = 33781

func main() {
	fmt.Println("=== Integration Test: Inbox to Outbox through a Simulated Terminal ===")

	logs, err := core.NewLogContext(os.Stderr, core.LogOptions{Level: "info"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logs.GetLogger("integration-test")

	failed := 0
	fmt.Println("\n1. Testing APPROVED sale...")
	if !runScenario(logs, logger, clover.SimApprove, 10*time.Second, "IT-APPROVE", transaction.StatusSuccessful) {
		failed++
	}

	fmt.Println("\n2. Testing SILENT terminal (budget timeout)...")
	if !runScenario(logs, logger, clover.SimSilent, 3*time.Second, "IT-SILENT", transaction.StatusTimeout) {
		failed++
	}

	fmt.Println("\n3. Testing DECLINED sale...")
	if !runScenario(logs, logger, clover.SimDecline, 10*time.Second, "IT-DECLINE", transaction.StatusCancelled) {
		failed++
	}

	fmt.Println("\n=== Integration Test Complete ===")
	if failed > 0 {
		fmt.Printf("%d scenario(s) failed\n", failed)
		os.Exit(1)
	}
}

func runScenario(logs *core.LogContext, logger *logrus.Entry, mode clover.SimMode, budget time.Duration, invoice string, want transaction.Status) bool {
	workDir, err := os.MkdirTemp("", "bridge-it-*")
	if err != nil {
		logger.Errorf("Failed to create work dir: %v", err)
		return false
	}
	defer os.RemoveAll(workDir)

	sim := clover.NewSimulator(logs.GetLogger("simulator"), clover.SimulatorOptions{Mode: mode, ResponseDelay: 500 * time.Millisecond})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("Failed to listen for simulator: %v", err)
		return false
	}
	simServer := &http.Server{Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = simServer.Serve(listener) }()
	defer func() {
		sim.Stop()
		_ = simServer.Close()
	}()

	cfg := settings.DefaultConfig(workDir)
	cfg.Clover.Host = "127.0.0.1"
	cfg.Clover.Port = listener.Addr().(*net.TCPAddr).Port
	cfg.Clover.SimulatedPairing = false
	cfg.Clover.ReconnectDelayMs = 200
	cfg.API.Port = apiPort
	cfg.Transaction.DebounceMs = 200
	cfg.Transaction.SettleMs = 100
	sm := settings.NewManager(logs.GetLogger("settings"), filepath.Join(workDir, "config.yml"), cfg)

	bridge, err := service.NewBridge(logs.GetLogger, sm, service.BridgeOptions{
		IndexDir:     filepath.Join(workDir, "results"),
		Orchestrator: service.OrchestratorOptions{Budget: budget},
	})
	if err != nil {
		logger.Errorf("Failed to create bridge: %v", err)
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bridge.Start(ctx); err != nil {
		logger.Errorf("Failed to start bridge: %v", err)
		return false
	}

	apiServer := api.NewServer(cfg.API.Addr(), logs.GetLogger("api"), api.DepsFromBridge(bridge))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Errorf("API Server failed: %v", err)
		}
	}()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = apiServer.Stop(stopCtx)
		cancel()
		_ = bridge.Stop(stopCtx)
	}()

	client := resty.New().SetBaseURL(fmt.Sprintf("http://%s", cfg.API.Addr())).SetTimeout(5 * time.Second)
	if !waitForState(client, string(clover.StatePaired), 10*time.Second) {
		fmt.Println("  Terminal never paired")
		return false
	}
	fmt.Println("  Terminal paired")

	resp, err := client.R().
		SetBody(service.SaleRequest{InvoiceNumber: invoice, Amount: 12.34}).
		Post("/api/transaction/sale")
	if err != nil {
		logger.Errorf("Failed to submit sale: %v", err)
		return false
	}
	if resp.StatusCode() != http.StatusAccepted {
		logger.Errorf("Sale rejected: %s %s", resp.Status(), resp.String())
		return false
	}
	fmt.Printf("  Sale %s dropped into the inbox\n", invoice)

	result, err := waitForResult(client, invoice, budget+15*time.Second)
	if err != nil {
		fmt.Printf("  No result for %s: %v\n", invoice, err)
		return false
	}

	outbox, err := os.ReadFile(filepath.Join(cfg.Folders.Outbox, service.ResultFileName))
	if err != nil {
		fmt.Printf("  Outbox result missing: %v\n", err)
		return false
	}
	fmt.Printf("  Outbox %s written (%d bytes)\n", service.ResultFileName, len(outbox))

	if result.Status != want {
		fmt.Printf("  FAIL: status %s, want %s (%s)\n", result.Status, want, result.ErrorMessage)
		return false
	}
	if mode == clover.SimSilent && sim.Count(clover.MethodBreak) != 1 {
		fmt.Printf("  FAIL: %d BREAK messages sent, want 1\n", sim.Count(clover.MethodBreak))
		return false
	}
	fmt.Printf("  PASS: %s finished as %s\n", invoice, result.Status)
	return true
}

func waitForState(client *resty.Client, state string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var status struct {
			ConnectionState string `json:"connectionState"`
		}
		if resp, err := client.R().SetResult(&status).Get("/api/status"); err == nil && !resp.IsError() && status.ConnectionState == state {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func waitForResult(client *resty.Client, invoice string, timeout time.Duration) (*transaction.File, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var f transaction.File
		resp, err := client.R().SetResult(&f).Get("/api/transactions/" + invoice)
		if err == nil && resp.StatusCode() == http.StatusOK && f.Status.IsTerminal() {
			return &f, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("timed out after %s", timeout)
}
