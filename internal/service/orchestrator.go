package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"

	"github.com/sirupsen/logrus"
)

const (
	defaultTick          = time.Second
	defaultProgressEvery = 15 * time.Second
	cancelTimeout        = 10 * time.Second
)

// ProviderSource resolves a provider by name.
type ProviderSource interface {
	Provider(name string) (vendors.Provider, error)
}

// OrchestratorOptions tunes the countdown. Zero values take the settings or
// the defaults.
type OrchestratorOptions struct {
	Budget        time.Duration
	Tick          time.Duration
	ProgressEvery time.Duration
}

// Orchestrator turns inbox files into provider requests and finalized
// results.
type Orchestrator struct {
	logger    *logrus.Entry
	settings  *settings.Manager
	providers ProviderSource
	registry  *Registry
	finalizer *Finalizer
	opts      OrchestratorOptions

	slots chan struct{}
	ctx   context.Context
	wg    sync.WaitGroup
}

func NewOrchestrator(ctx context.Context, logger *logrus.Entry, settings *settings.Manager, providers ProviderSource, registry *Registry, finalizer *Finalizer, opts OrchestratorOptions) *Orchestrator {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	o := &Orchestrator{
		logger:    logger,
		settings:  settings,
		providers: providers,
		registry:  registry,
		finalizer: finalizer,
		opts:      opts,
		ctx:       ctx,
	}
	if n := settings.Get().Transaction.Concurrency; n > 0 {
		o.slots = make(chan struct{}, n)
	}
	return o
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// HandleFile processes path in the background. It is the watcher callback.
func (o *Orchestrator) HandleFile(path string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Process(o.ctx, path); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Errorf("Error processing file %s: %v", path, err)
		}
	}()
}

// Wait blocks until every background file has been processed.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) budget() time.Duration {
	if o.opts.Budget > 0 {
		return o.opts.Budget
	}
	return o.settings.Get().Transaction.Budget()
}

// Process runs one inbox file through to its result. Every accepted file
// ends finalized unless ctx ends first, in which case the inbox file is left
// for the next start.
func (o *Orchestrator) Process(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			o.logger.Warningf("File no longer exists: %s", path)
			return nil
		}
		return o.failUnreadable(path, err)
	}
	o.logger.Infof("Processing file: %s (%d bytes)", path, len(data))

	now := time.Now()
	req, err := transaction.ParseRequest(data)
	if err == nil {
		err = req.Validate()
	}
	f := transaction.NewFile(req, now)
	if err != nil {
		return o.failValidation(f, path, err)
	}
	transaction.Normalize(f, now)

	if f.Provider == "" {
		f.Provider = o.settings.Get().PaymentProvider
	}
	f.MarkProcessStart(now)
	f.AddLog(transaction.LogReceived, "Transaction received in INBOX", "File: "+filepath.Base(path))
	o.logger.Infof("Transaction parsed: invoice=%s amount=%.2f provider=%s", f.InvoiceNumber, f.Amount, f.Provider)

	handle, txCtx, err := o.registry.Add(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", f.TransactionID, err)
	}

	if o.slots != nil {
		select {
		case o.slots <- struct{}{}:
			defer func() { <-o.slots }()
		case <-txCtx.Done():
			o.registry.Remove(handle)
			return txCtx.Err()
		}
	}

	return o.run(txCtx, handle, f, path)
}

func (o *Orchestrator) run(ctx context.Context, handle string, f *transaction.File, path string) error {
	provider, err := o.providers.Provider(f.Provider)
	switch {
	case errors.Is(err, vendors.ErrUnknownProvider):
		return o.fail(handle, path, fmt.Sprintf("Unknown payment provider: %s", f.Provider))
	case err != nil:
		return o.fail(handle, path, err.Error())
	case !provider.Enabled():
		o.logger.Warningf("%s payment requested but the integration is disabled", f.Provider)
		return o.fail(handle, path, fmt.Sprintf("%s integration disabled", f.Provider))
	}

	budget := o.budget()
	remaining := int(budget / time.Second)
	var payment vendors.Payment
	o.registry.Update(handle, func(f *transaction.File) {
		f.SetStatus(transaction.StatusProcessing)
		f.MarkSentToProvider(time.Now())
		f.TimeoutRemainingSeconds = &remaining
		if f.Provider == transaction.ProviderQR {
			f.AddLog(transaction.LogMPOrderCreating, "Creating Mercado Pago order (fixed QR)", "")
		}
		payment = vendors.PaymentFromFile(f)
	})
	o.logger.Infof("Routing transaction for %s to provider %s", payment.InvoiceNumber, provider.Name())

	if err := provider.Prepare(ctx, payment); err != nil {
		if ctx.Err() != nil {
			return o.interrupted(handle, f)
		}
		return o.fail(handle, path, fmt.Sprintf("Error preparing %s payment: %v", provider.Name(), err))
	}
	o.registry.Update(handle, func(f *transaction.File) {
		if f.Provider == transaction.ProviderQR {
			f.AddLog(transaction.LogMPOrderCreated, "Order created, waiting for scan and payment", "")
		} else {
			f.AddLog(transaction.LogSentToTerminal, "Request sent to terminal",
				fmt.Sprintf("Amount in cents: %d", int64(math.Round(f.Amount*100))))
		}
	})

	results := make(chan transaction.ProviderResult, 1)
	go func() {
		results <- provider.Await(ctx, payment)
	}()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()
	started := time.Now()
	lastProgress := started

	for {
		select {
		case result := <-results:
			if ctx.Err() != nil {
				return o.interrupted(handle, f)
			}
			return o.complete(handle, path, result)

		case <-deadline.C:
			return o.timeout(handle, path, provider, payment, budget)

		case now := <-ticker.C:
			left := int((budget - now.Sub(started)).Round(time.Second) / time.Second)
			if left < 0 {
				left = 0
			}
			o.registry.Update(handle, func(f *transaction.File) {
				if f.Status == transaction.StatusProcessing {
					f.TimeoutRemainingSeconds = &left
				}
			})
			if now.Sub(lastProgress) >= o.opts.ProgressEvery && left > 0 {
				lastProgress = now
				o.logger.Infof("Transaction countdown: invoice=%s remaining=%ds", payment.InvoiceNumber, left)
			}

		case <-ctx.Done():
			return o.interrupted(handle, f)
		}
	}
}

func (o *Orchestrator) complete(handle, path string, result transaction.ProviderResult) error {
	outcome := transaction.Map(result)
	return o.finalize(handle, path, func(f *transaction.File) {
		detail := "Provider: " + result.Provider
		if result.Err != nil {
			detail += ", error: " + result.Err.Error()
		}
		f.AddLog(transaction.LogResponseReceived, "Payment response received", detail)
		f.ApplyOutcome(outcome)
		f.AddLog(transaction.LogResultProcessed, "Result processed", "Status: "+string(f.Status))
	})
}

// timeout issues the provider cancel once and finalizes as Timeout.
func (o *Orchestrator) timeout(handle, path string, provider vendors.Provider, payment vendors.Payment, budget time.Duration) error {
	seconds := int(budget / time.Second)
	o.logger.Warningf("Transaction TIMEOUT: invoice=%s provider=%s", payment.InvoiceNumber, provider.Name())

	cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	cancelErr := provider.Cancel(cancelCtx, payment)
	if cancelErr != nil {
		o.logger.Warningf("Cancel on %s failed: %v", provider.Name(), cancelErr)
	}

	return o.finalize(handle, path, func(f *transaction.File) {
		f.AddLog(transaction.LogTimeout, fmt.Sprintf("%d-second timeout reached", seconds), "Payment not confirmed within the time limit")
		if f.SetStatus(transaction.StatusTimeout) {
			f.ErrorMessage = fmt.Sprintf("%d-second timeout, payment not confirmed", seconds)
		}
	})
}

func (o *Orchestrator) fail(handle, path, message string) error {
	return o.finalize(handle, path, func(f *transaction.File) {
		f.AddLog(transaction.LogFailed, "Transaction failed", message)
		if f.SetStatus(transaction.StatusFailed) {
			f.ErrorMessage = message
		}
	})
}

// finalize applies fn to the live file and persists a copy.
func (o *Orchestrator) finalize(handle, path string, fn func(f *transaction.File)) error {
	var final *transaction.File
	ok := o.registry.Update(handle, func(f *transaction.File) {
		fn(f)
		final = f.Clone()
	})
	if !ok {
		return fmt.Errorf("transaction %s is no longer active", handle)
	}
	return o.finalizer.Finalize(handle, final, path)
}

func (o *Orchestrator) failValidation(f *transaction.File, path string, cause error) error {
	message := strings.TrimPrefix(cause.Error(), transaction.ErrValidation.Error()+": ")
	if f.InvoiceNumber == "" {
		f.InvoiceNumber = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	transaction.Normalize(f, time.Now())
	o.logger.Warningf("Invalid transaction data in %s: %s", path, message)
	f.MarkProcessStart(time.Now())
	f.AddLog(transaction.LogValidationError, "Invalid transaction data", message)
	f.SetStatus(transaction.StatusFailed)
	f.ErrorMessage = fmt.Sprintf("Invalid transaction data: %s", message)
	return o.finalizer.Finalize("", f, path)
}

func (o *Orchestrator) failUnreadable(path string, cause error) error {
	now := time.Now()
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	f := transaction.NewFile(transaction.Request{InvoiceNumber: name, ExternalID: name}, now)
	transaction.Normalize(f, now)
	f.MarkProcessStart(now)
	f.AddLog(transaction.LogFailed, "Error processing file", cause.Error())
	f.SetStatus(transaction.StatusFailed)
	f.ErrorMessage = cause.Error()
	return o.finalizer.Finalize("", f, path)
}

// interrupted drops a transaction on shutdown without writing a result.
func (o *Orchestrator) interrupted(handle string, f *transaction.File) error {
	o.registry.Remove(handle)
	o.logger.Warningf("Transaction %s for invoice %s interrupted, inbox file kept", handle, f.InvoiceNumber)
	return context.Canceled
}
