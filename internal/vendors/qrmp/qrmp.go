package qrmp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"
)

func init() {
	vendors.Register(transaction.ProviderQR, New)
}

// ErrAlreadyWaiting is returned when an invoice already has an open order.
var ErrAlreadyWaiting = errors.New("invoice already awaiting payment")

// Statuses that are not final; the wallet notifies again when they settle.
var interimStatuses = map[string]bool{
	"pending":      true,
	"in_process":   true,
	"authorized":   true,
	"in_mediation": true,
}

// Provider charges invoices through an order on a fixed QR code. The order
// is created in Prepare and settled by a webhook carrying the payment id.
type Provider struct {
	deps   vendors.Deps
	client *Client

	mutex   sync.Mutex
	waiters map[string]chan transaction.QRPayment
}

func New(deps vendors.Deps) (vendors.Provider, error) {
	if deps.Settings == nil {
		return nil, fmt.Errorf("qr provider requires settings")
	}
	client := NewClient(deps.Logger, func() settings.QRConfig { return deps.Settings.Get().QR },
		core.NewHealthMonitor(5, 30*time.Second))
	return NewProvider(deps, client), nil
}

// NewProvider wraps an existing client.
func NewProvider(deps vendors.Deps, client *Client) *Provider {
	return &Provider{
		deps:    deps,
		client:  client,
		waiters: make(map[string]chan transaction.QRPayment),
	}
}

func (p *Provider) Name() string {
	return transaction.ProviderQR
}

func (p *Provider) Enabled() bool {
	return p.deps.Settings.Get().QR.Enabled
}

func (p *Provider) Client() *Client {
	return p.client
}

func (p *Provider) Start(context.Context) error {
	cfg := p.deps.Settings.Get().QR
	if cfg.Enabled {
		p.deps.Logger.Infof("QR wallet enabled for store=%s pos=%s", cfg.ExternalStoreID, cfg.ExternalPosID)
	}
	return nil
}

// Stop releases every waiter; their Await calls see ctx end.
func (p *Provider) Stop(context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.waiters = make(map[string]chan transaction.QRPayment)
	return nil
}

// Prepare registers the invoice waiter and publishes the order.
func (p *Provider) Prepare(ctx context.Context, payment vendors.Payment) error {
	p.mutex.Lock()
	if _, ok := p.waiters[payment.InvoiceNumber]; ok {
		p.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyWaiting, payment.InvoiceNumber)
	}
	// registered before the order exists so a fast webhook is not lost
	p.waiters[payment.InvoiceNumber] = make(chan transaction.QRPayment, 1)
	p.mutex.Unlock()

	order := p.client.NewOrder(payment.InvoiceNumber, payment.Amount, payment.Notes)
	if err := p.client.CreateOrder(ctx, order); err != nil {
		p.drop(payment.InvoiceNumber)
		p.deps.Metrics.ProviderError(transaction.ProviderQR, "create_order")
		return err
	}
	return nil
}

// Await blocks until the webhook delivers a final payment for the invoice.
func (p *Provider) Await(ctx context.Context, payment vendors.Payment) transaction.ProviderResult {
	result := transaction.ProviderResult{Provider: transaction.ProviderQR}

	p.mutex.Lock()
	ch, ok := p.waiters[payment.InvoiceNumber]
	p.mutex.Unlock()
	if !ok {
		result.Err = fmt.Errorf("no order open for invoice %s", payment.InvoiceNumber)
		return result
	}
	defer p.dropIf(payment.InvoiceNumber, ch)

	select {
	case qr := <-ch:
		result.QR = &qr
	case <-ctx.Done():
		result.Err = ctx.Err()
	}
	return result
}

// Cancel removes the order from the QR and forgets the waiter.
func (p *Provider) Cancel(ctx context.Context, payment vendors.Payment) error {
	p.drop(payment.InvoiceNumber)
	if err := p.client.DeleteOrder(ctx); err != nil {
		p.deps.Metrics.ProviderError(transaction.ProviderQR, "delete_order")
		return err
	}
	return nil
}

// Waiting reports whether invoice has an open order.
func (p *Provider) Waiting(invoice string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	_, ok := p.waiters[invoice]
	return ok
}

func (p *Provider) drop(invoice string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.waiters, invoice)
}

// dropIf forgets the waiter only while it is still ch. A retry for the same
// invoice may have registered a new one after Cancel.
func (p *Provider) dropIf(invoice string, ch chan transaction.QRPayment) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.waiters[invoice] == ch {
		delete(p.waiters, invoice)
	}
}

// VerifyWebhook checks the signature against the configured secret.
func (p *Provider) VerifyWebhook(signature, requestID, dataID string) error {
	return VerifySignature(p.deps.Settings.Get().QR.WebhookSecret, signature, requestID, dataID)
}

// HandlePayment fetches a notified payment and settles the matching invoice
// waiter. It reports whether a waiter took the payment.
func (p *Provider) HandlePayment(ctx context.Context, paymentID string) (bool, error) {
	logger := p.deps.Logger
	logger.Infof("Webhook: processing payment %s", paymentID)

	payment, err := p.client.GetPayment(ctx, paymentID)
	if err != nil {
		p.deps.Metrics.ProviderError(transaction.ProviderQR, "get_payment")
		return false, fmt.Errorf("failed to fetch payment %s: %w", paymentID, err)
	}
	if payment.ExternalReference == "" {
		logger.Warningf("Webhook: payment %s has no external_reference", paymentID)
		return false, nil
	}
	if interimStatuses[payment.Status] {
		logger.Infof("Webhook: payment %s for invoice %s is %s, waiting for a final status", paymentID, payment.ExternalReference, payment.Status)
		return false, nil
	}

	p.mutex.Lock()
	ch, ok := p.waiters[payment.ExternalReference]
	p.mutex.Unlock()
	if !ok {
		logger.Infof("Webhook: no local transaction waiting for invoice %s", payment.ExternalReference)
		return false, nil
	}

	qr := transaction.QRPayment{
		ID:                payment.ID.String(),
		Status:            payment.Status,
		StatusDetail:      payment.StatusDetail,
		ExternalReference: payment.ExternalReference,
		DateApproved:      payment.DateApproved,
	}
	select {
	case ch <- qr:
		logger.Infof("Webhook: matched invoice %s (%s)", payment.ExternalReference, payment.Status)
		return true, nil
	default:
		logger.Infof("Webhook: invoice %s already settled", payment.ExternalReference)
		return false, nil
	}
}
