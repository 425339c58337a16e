package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// ErrValidation marks inbox requests that can never be sent to a provider.
var ErrValidation = errors.New("invalid transaction request")

// Request is the inbox document. Field names are matched case-insensitively.
type Request struct {
	TransactionID string  `mapstructure:"transactionId"`
	InvoiceNumber string  `mapstructure:"invoiceNumber"`
	Amount        float64 `mapstructure:"amount"`
	ExternalID    string  `mapstructure:"externalId"`
	Provider      string  `mapstructure:"provider"`
	Notes         string  `mapstructure:"notes"`
	Currency      string  `mapstructure:"currency"`
}

// ParseRequest decodes an inbox file body.
func ParseRequest(data []byte) (Request, error) {
	var req Request

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return req, fmt.Errorf("%w: malformed JSON: %v", ErrValidation, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &req,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return req, err
	}
	if err := decoder.Decode(raw); err != nil {
		return req, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	req.InvoiceNumber = strings.TrimSpace(req.InvoiceNumber)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.Provider = strings.ToUpper(strings.TrimSpace(req.Provider))
	return req, nil
}

// Validate checks the two required fields.
func (r Request) Validate() error {
	if r.InvoiceNumber == "" {
		return fmt.Errorf("%w: invoiceNumber is required", ErrValidation)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return nil
}

var genericExternalIDs = map[string]bool{
	"visa": true, "mastercard": true, "amex": true, "american express": true,
	"discover": true, "credit": true, "debit": true, "card": true, "tarjeta": true,
	"efectivo": true, "cash": true, "transfer": true, "transferencia": true,
	"cheque": true, "check": true, "payment": true, "pago": true, "sale": true,
	"venta": true, "test": true, "prueba": true,
}

// IsGenericExternalID reports whether id looks like a payment-method label or
// placeholder rather than a real reference.
func IsGenericExternalID(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	return len(id) < 5 || genericExternalIDs[id]
}

// UniqueExternalID derives an externalId that cannot collide with an earlier one.
func UniqueExternalID(invoice, externalID string, now time.Time) string {
	base := strings.TrimSpace(externalID)
	if base == "" || IsGenericExternalID(base) {
		base = invoice
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", base, now.Format("20060102150405"), suffix)
}

// Normalize assigns a transactionId and a unique externalId.
func Normalize(f *File, now time.Time) {
	if strings.TrimSpace(f.TransactionID) == "" {
		f.TransactionID = uuid.NewString()
	}
	f.ExternalID = UniqueExternalID(f.InvoiceNumber, f.ExternalID, now)
}
