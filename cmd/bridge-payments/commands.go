package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"bridge-payments/internal/service"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/vendors/qrmp"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

type statusReply struct {
	Status             string `json:"status"`
	ConnectionState    string `json:"connectionState"`
	PairingCode        string `json:"pairingCode"`
	PendingRequests    int    `json:"pendingRequests"`
	ActiveTransactions int    `json:"activeTransactions"`
	PaymentProvider    string `json:"paymentProvider"`
	UptimeSeconds      int64  `json:"uptimeSeconds"`
	Transactions       []struct {
		InvoiceNumber           string  `json:"invoiceNumber"`
		Amount                  float64 `json:"amount"`
		Status                  string  `json:"status"`
		Provider                string  `json:"provider"`
		TimeoutRemainingSeconds *int    `json:"timeoutRemainingSeconds"`
	} `json:"transactions"`
}

func statusCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running bridge's connection and active transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				sm, err := settings.Load(quietLogger(), *configPath, filepath.Dir(*configPath))
				if err != nil {
					return err
				}
				addr = sm.Get().API.Addr()
			}

			var reply statusReply
			resp, err := resty.New().SetTimeout(5 * time.Second).R().
				SetResult(&reply).
				Get("http://" + addr + "/api/status")
			if err != nil {
				return fmt.Errorf("bridge not reachable at %s: %w", addr, err)
			}
			if resp.IsError() {
				return fmt.Errorf("status request failed: %s", resp.Status())
			}

			fmt.Println("Payment Bridge Status")
			fmt.Println(strings.Repeat("=", 40))
			fmt.Printf("  Provider:     %s\n", reply.PaymentProvider)
			fmt.Printf("  Terminal:     %s\n", reply.ConnectionState)
			if reply.PairingCode != "" {
				fmt.Printf("  Pairing code: %s\n", reply.PairingCode)
			}
			fmt.Printf("  Pending:      %d\n", reply.PendingRequests)
			fmt.Printf("  Uptime:       %s\n", time.Duration(reply.UptimeSeconds)*time.Second)
			fmt.Printf("\nActive transactions: %d\n", reply.ActiveTransactions)
			for _, tx := range reply.Transactions {
				remaining := "-"
				if tx.TimeoutRemainingSeconds != nil {
					remaining = fmt.Sprintf("%ds", *tx.TimeoutRemainingSeconds)
				}
				fmt.Printf("  %-20s %10.2f  %-10s %-8s %s\n", tx.InvoiceNumber, tx.Amount, tx.Status, tx.Provider, remaining)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API address (default: api.host:api.port from config)")
	return cmd
}

func dropCmd(configPath *string) *cobra.Command {
	var req service.SaleRequest
	var inbox string
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Write a sale request into the inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inbox == "" {
				sm, err := settings.Load(quietLogger(), *configPath, filepath.Dir(*configPath))
				if err != nil {
					return err
				}
				inbox = sm.Get().Folders.Inbox
			}
			path, err := service.SubmitSale(inbox, req)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.InvoiceNumber, "invoice", "i", "", "Invoice number")
	cmd.Flags().Float64VarP(&req.Amount, "amount", "a", 0, "Amount in currency units")
	cmd.Flags().StringVarP(&req.Provider, "provider", "p", "", "CLOVER or QRMP (default: paymentProvider)")
	cmd.Flags().StringVar(&req.ExternalID, "external-id", "", "External id (default: invoice number)")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Free-form notes")
	cmd.Flags().StringVar(&inbox, "inbox", "", "Inbox folder (default: folders.inbox from config)")
	_ = cmd.MarkFlagRequired("invoice")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func testQRCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test-qr",
		Short: "Check the QR wallet credentials against the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := settings.Load(quietLogger(), *configPath, filepath.Dir(*configPath))
			if err != nil {
				return err
			}
			client := qrmp.NewClient(quietLogger(), func() settings.QRConfig { return sm.Get().QR }, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := client.TestCredentials(ctx); err != nil {
				return fmt.Errorf("QR credentials rejected: %w", err)
			}
			cfg := sm.Get().QR
			fmt.Printf("QR credentials OK (user %d, store %s, pos %s)\n", cfg.UserID, cfg.ExternalStoreID, cfg.ExternalPosID)
			return nil
		},
	}
}
