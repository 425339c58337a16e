package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/vendors/clover"

	"github.com/spf13/cobra"
)

func main() {
	var (
		addr     string
		mode     string
		pairing  string
		delay    time.Duration
		authCode string
		level    string
	)

	cmd := &cobra.Command{
		Use:   "terminal-simulator",
		Short: "Serve a simulated remote-pay card terminal over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			simMode, err := clover.ParseSimMode(mode)
			if err != nil {
				return err
			}
			switch clover.SimPairing(pairing) {
			case clover.SimPairImmediate, clover.SimPairWithCode, clover.SimPairSilent:
			default:
				return fmt.Errorf("unknown pairing mode %q", pairing)
			}

			logs, err := core.NewLogContext(os.Stdout, core.LogOptions{Level: level})
			if err != nil {
				return err
			}
			logger := logs.GetLogger("terminal-simulator")

			sim := clover.NewSimulator(logger, clover.SimulatorOptions{
				Mode:          simMode,
				Pairing:       clover.SimPairing(pairing),
				ResponseDelay: delay,
				AuthCode:      authCode,
			})
			server := &http.Server{
				Addr:              addr,
				Handler:           sim.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				logger.Infof("Simulated terminal listening on ws://%s/remote_pay (mode=%s, pairing=%s)", addr, simMode, pairing)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatalf("Simulator failed: %v", err)
				}
			}()

			stopCh := make(chan os.Signal, 1)
			signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
			<-stopCh

			sim.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Errorf("Simulator stop failed: %v", err)
			}
			logger.Info("Simulated terminal stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:12345", "Listen address")
	cmd.Flags().StringVar(&mode, "mode", string(clover.SimApprove), "Sale reply: approve, decline, cancel or silent")
	cmd.Flags().StringVar(&pairing, "pairing", string(clover.SimPairWithCode), "Pairing reply: immediate, code or silent")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "Delay before answering a sale")
	cmd.Flags().StringVar(&authCode, "auth-code", "123456", "Authorization code for approved sales")
	cmd.Flags().StringVar(&level, "log-level", "info", "Log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
