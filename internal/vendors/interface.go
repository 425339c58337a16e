package vendors

import (
	"context"
	"errors"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"

	"github.com/sirupsen/logrus"
)

var (
	ErrProviderDisabled = errors.New("provider disabled")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// Payment is what a provider needs to charge one transaction.
type Payment struct {
	TransactionID string
	InvoiceNumber string
	ExternalID    string
	Amount        float64
	Currency      string
	Notes         string
}

// PaymentFromFile copies the provider-facing fields of f.
func PaymentFromFile(f *transaction.File) Payment {
	return Payment{
		TransactionID: f.TransactionID,
		InvoiceNumber: f.InvoiceNumber,
		ExternalID:    f.ExternalID,
		Amount:        f.Amount,
		Currency:      f.Currency,
		Notes:         f.Notes,
	}
}

// Provider is a payment backend the orchestrator dispatches to.
type Provider interface {
	Name() string
	Enabled() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Prepare runs before the budget countdown starts, e.g. to create a
	// remote order. An error fails the transaction.
	Prepare(ctx context.Context, p Payment) error
	// Await performs the round trip and returns the raw outcome. It is raced
	// against the budget; ctx ends when the transaction is finalized.
	Await(ctx context.Context, p Payment) transaction.ProviderResult
	// Cancel is the best-effort remote cancel issued when the budget wins.
	Cancel(ctx context.Context, p Payment) error
}

// Deps are the shared services handed to provider constructors.
type Deps struct {
	Logger   *logrus.Entry
	Settings *settings.Manager
	Metrics  *core.Metrics
}

// NewFunc is a function signature for creating a new provider instance.
type NewFunc func(deps Deps) (Provider, error)
