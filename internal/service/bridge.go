package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"

	"github.com/sirupsen/logrus"
)

// LoggerFunc returns the logger for one component.
type LoggerFunc func(component string) *logrus.Entry

// BridgeOptions configures NewBridge.
type BridgeOptions struct {
	// IndexDir holds the result index; empty disables it.
	IndexDir     string
	IndexSizeGB  int
	Orchestrator OrchestratorOptions
}

// Bridge wires the inbox watcher, the orchestrator and the providers.
type Bridge struct {
	logger    *logrus.Entry
	Settings  *settings.Manager
	Metrics   *core.Metrics
	Log       *core.TransactionLog
	Index     *core.ResultIndex
	Registry  *Registry
	Providers *ProviderManager

	loggers      LoggerFunc
	opts         BridgeOptions
	orchestrator *Orchestrator
	watcher      *Watcher
	cancel       context.CancelFunc
}

func NewBridge(loggers LoggerFunc, settingsManager *settings.Manager, opts BridgeOptions) (*Bridge, error) {
	cfg := settingsManager.Get()
	if err := core.EnsureDirectories(cfg.Folders.Inbox, cfg.Folders.Outbox, cfg.Folders.Archive); err != nil {
		return nil, err
	}

	b := &Bridge{
		logger:   loggers("bridge"),
		Settings: settingsManager,
		Metrics:  core.NewMetrics(),
		loggers:  loggers,
		opts:     opts,
	}
	b.Log = core.NewTransactionLog(cfg.Folders.Archive, loggers("transaction-log"))
	b.Registry = NewRegistry(b.Metrics)

	if opts.IndexDir != "" {
		size := opts.IndexSizeGB
		if size <= 0 {
			size = 1
		}
		index, err := core.NewResultIndex(opts.IndexDir, size, loggers("result-index"))
		if err != nil {
			return nil, err
		}
		b.Index = index
	}

	b.Providers = NewProviderManager(loggers("providers"), vendors.Deps{
		Logger:   loggers("provider"),
		Settings: settingsManager,
		Metrics:  b.Metrics,
	})
	return b, nil
}

// Start launches the providers and begins watching the inbox.
func (b *Bridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if err := b.Providers.Start(ctx); err != nil {
		b.logger.Warningf("Some providers failed to start: %v", err)
	}
	go b.Providers.WatchConfig(ctx)

	cfg := b.Settings.Get()
	finalizer := NewFinalizer(b.loggers("finalizer"),
		func() settings.FoldersConfig { return b.Settings.Get().Folders },
		b.Log, b.Index, b.Registry, b.Metrics)
	b.orchestrator = NewOrchestrator(ctx, b.loggers("orchestrator"), b.Settings, b.Providers, b.Registry, finalizer, b.opts.Orchestrator)
	b.watcher = NewWatcher(b.loggers("inbox"), cfg.Folders.Inbox, cfg.Transaction.Debounce(), cfg.Transaction.Settle(), b.orchestrator.HandleFile)
	if err := b.watcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	b.logger.Infof("Bridge started (default provider %s)", cfg.PaymentProvider)
	return nil
}

// Stop halts the watcher, interrupts in-flight transactions and stops the
// providers. Interrupted inbox files stay for the next start.
func (b *Bridge) Stop(ctx context.Context) error {
	var errs []error
	if b.cancel != nil {
		b.cancel()
	}
	if b.watcher != nil {
		if err := b.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	b.Registry.CancelAll()
	if b.orchestrator != nil {
		done := make(chan struct{})
		go func() {
			b.orchestrator.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for transactions: %w", ctx.Err()))
		}
	}
	if err := b.Providers.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if b.Index != nil {
		if err := b.Index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaleRequest is the inbox document written on behalf of API and CLI callers.
type SaleRequest struct {
	InvoiceNumber string  `json:"invoiceNumber"`
	Amount        float64 `json:"amount"`
	ExternalID    string  `json:"externalId,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	Currency      string  `json:"currency,omitempty"`
}

// SubmitSale drops req into the inbox so it follows the ERP path.
func SubmitSale(inbox string, req SaleRequest) (string, error) {
	if err := (transaction.Request{InvoiceNumber: strings.TrimSpace(req.InvoiceNumber), Amount: req.Amount}).Validate(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.json", sanitize(req.InvoiceNumber), time.Now().Format("20060102150405.000000"))
	path := filepath.Join(inbox, name)

	// written under a name the watcher ignores, then renamed into place
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// SubmitSale writes into the configured inbox.
func (b *Bridge) SubmitSale(req SaleRequest) (string, error) {
	return SubmitSale(b.Settings.Get().Folders.Inbox, req)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
}
