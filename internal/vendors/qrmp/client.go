package qrmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultBaseURL = "https://api.mercadopago.com"
	requestTimeout = 10 * time.Second
)

// ErrNotConfigured is returned when credentials or POS ids are missing.
var ErrNotConfigured = errors.New("qr wallet not configured")

// APIError is a non-2xx answer from the wallet API.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Order is the body of an in-store QR order.
type Order struct {
	ExternalReference string      `json:"external_reference"`
	Title             string      `json:"title"`
	Description       string      `json:"description"`
	TotalAmount       float64     `json:"total_amount"`
	Items             []OrderItem `json:"items"`
	NotificationURL   string      `json:"notification_url,omitempty"`
	ExpirationDate    string      `json:"expiration_date,omitempty"`
}

type OrderItem struct {
	Title       string  `json:"title"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalAmount float64 `json:"total_amount"`
	UnitMeasure string  `json:"unit_measure"`
}

// Payment is a wallet payment as returned by GET /v1/payments/{id}.
type Payment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	DateApproved      string      `json:"date_approved"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
}

// Client talks to the wallet REST API. Calls are refused while the circuit
// is open.
type Client struct {
	http   *resty.Client
	config func() settings.QRConfig
	health *core.HealthMonitor
	logger *logrus.Entry
	now    func() time.Time
}

func NewClient(logger *logrus.Entry, config func() settings.QRConfig, health *core.HealthMonitor) *Client {
	if health == nil {
		health = core.NewHealthMonitor(5, 30*time.Second)
	}
	httpClient := resty.New().
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		config: config,
		health: health,
		logger: logger,
		now:    time.Now,
	}
}

// Health exposes the circuit breaker state.
func (c *Client) Health() *core.HealthMonitor {
	return c.health
}

func (c *Client) baseURL(cfg settings.QRConfig) string {
	if cfg.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(cfg.BaseURL, "/")
}

func (c *Client) request(ctx context.Context, cfg settings.QRConfig) (*resty.Request, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrNotConfigured)
	}
	if !c.health.CanProceed() {
		return nil, fmt.Errorf("%w (%s)", core.ErrCircuitOpen, c.health.GetCircuitState())
	}
	return c.http.R().SetContext(ctx).SetAuthToken(cfg.AccessToken), nil
}

// record feeds the breaker: transport failures and 5xx count against it,
// client errors do not.
func (c *Client) record(operation string, resp *resty.Response, err error) error {
	if err != nil {
		c.health.RecordFailure()
		return fmt.Errorf("%s: %w", operation, err)
	}
	if resp.StatusCode() >= 500 {
		c.health.RecordFailure()
	} else {
		c.health.RecordSuccess()
	}
	if resp.IsError() {
		return &APIError{Operation: operation, StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 300)}
	}
	return nil
}

// NewOrder builds the order for one invoice.
func (c *Client) NewOrder(invoice string, amount float64, notes string) Order {
	cfg := c.config()
	description := notes
	if description == "" {
		description = "Venta " + invoice
	}
	order := Order{
		ExternalReference: invoice,
		Title:             "Factura " + invoice,
		Description:       description,
		TotalAmount:       amount,
		Items: []OrderItem{{
			Title:       "Factura " + invoice,
			Quantity:    1,
			UnitPrice:   amount,
			TotalAmount: amount,
			UnitMeasure: "unit",
		}},
		NotificationURL: cfg.WebhookURL,
	}
	if cfg.OrderTTLSeconds > 0 {
		order.ExpirationDate = c.now().UTC().Add(time.Duration(cfg.OrderTTLSeconds) * time.Second).Format("2006-01-02T15:04:05.000Z07:00")
	}
	return order
}

// CreateOrder publishes order on the configured fixed QR.
func (c *Client) CreateOrder(ctx context.Context, order Order) error {
	cfg := c.config()
	if cfg.UserID == 0 || cfg.ExternalStoreID == "" || cfg.ExternalPosID == "" {
		return fmt.Errorf("%w: userId, externalStoreId and externalPosId are required", ErrNotConfigured)
	}
	req, err := c.request(ctx, cfg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/instore/qr/seller/collectors/%d/stores/%s/pos/%s/orders",
		c.baseURL(cfg), cfg.UserID, cfg.ExternalStoreID, cfg.ExternalPosID)

	c.logger.Infof("Creating order for invoice=%s at pos=%s", order.ExternalReference, cfg.ExternalPosID)
	resp, err := req.
		SetHeader("X-Idempotency-Key", uuid.NewString()).
		SetBody(order).
		Put(url)
	if err := c.record("create order", resp, err); err != nil {
		c.logger.Errorf("Error creating order: %v", err)
		return err
	}
	c.logger.Infof("Order created for invoice=%s (status %d)", order.ExternalReference, resp.StatusCode())
	return nil
}

// DeleteOrder removes whatever order is on the fixed QR.
func (c *Client) DeleteOrder(ctx context.Context) error {
	cfg := c.config()
	req, err := c.request(ctx, cfg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/instore/qr/seller/collectors/%d/pos/%s/orders", c.baseURL(cfg), cfg.UserID, cfg.ExternalPosID)
	resp, err := req.SetHeader("X-Idempotency-Key", uuid.NewString()).Delete(url)
	if err := c.record("delete order", resp, err); err != nil {
		c.logger.Warningf("Error deleting order: %v", err)
		return err
	}
	c.logger.Infof("Order removed from pos=%s", cfg.ExternalPosID)
	return nil
}

// GetPayment fetches a payment server to server.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid payment id %q", id)
	}
	cfg := c.config()
	req, err := c.request(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var payment Payment
	resp, err := req.SetResult(&payment).Get(fmt.Sprintf("%s/v1/payments/%s", c.baseURL(cfg), id))
	if err := c.record("get payment", resp, err); err != nil {
		return nil, err
	}
	return &payment, nil
}

// TestCredentials checks the token against the configured store.
func (c *Client) TestCredentials(ctx context.Context) error {
	cfg := c.config()
	req, err := c.request(ctx, cfg)
	if err != nil {
		return err
	}
	resp, err := req.
		SetQueryParam("external_id", cfg.ExternalStoreID).
		Get(fmt.Sprintf("%s/users/%d/stores/search", c.baseURL(cfg), cfg.UserID))
	return c.record("test credentials", resp, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
