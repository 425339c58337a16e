package qrmp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWallet serves the subset of the wallet API the provider calls.
type fakeWallet struct {
	mutex    sync.Mutex
	orders   []Order
	deletes  int
	payments map[string]Payment
	failures int
	auth     []string
	idemKeys []string
}

func (w *fakeWallet) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /instore/qr/seller/collectors/{user}/stores/{store}/pos/{pos}/orders", func(rw http.ResponseWriter, r *http.Request) {
		w.mutex.Lock()
		defer w.mutex.Unlock()
		w.auth = append(w.auth, r.Header.Get("Authorization"))
		w.idemKeys = append(w.idemKeys, r.Header.Get("X-Idempotency-Key"))
		if w.failures > 0 {
			w.failures--
			http.Error(rw, `{"message":"internal"}`, http.StatusInternalServerError)
			return
		}
		if r.PathValue("pos") != "POS1" {
			http.Error(rw, `{"message":"pos not found"}`, http.StatusNotFound)
			return
		}
		var order Order
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.orders = append(w.orders, order)
		rw.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /instore/qr/seller/collectors/{user}/pos/{pos}/orders", func(rw http.ResponseWriter, r *http.Request) {
		w.mutex.Lock()
		w.deletes++
		w.mutex.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/payments/{id}", func(rw http.ResponseWriter, r *http.Request) {
		w.mutex.Lock()
		p, ok := w.payments[r.PathValue("id")]
		w.mutex.Unlock()
		if !ok {
			http.Error(rw, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(p)
	})
	mux.HandleFunc("GET /users/{user}/stores/search", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("external_id") != "STORE1" {
			http.Error(rw, `{"message":"unknown store"}`, http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"results":[{"id":1}]}`))
	})
	return mux
}

func (w *fakeWallet) addPayment(p Payment) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.payments[p.ID.String()] = p
}

func newTestProvider(t *testing.T, patch func(*settings.QRConfig)) (*Provider, *fakeWallet) {
	t.Helper()
	wallet := &fakeWallet{payments: map[string]Payment{}}
	server := httptest.NewServer(wallet.handler())
	t.Cleanup(server.Close)

	dir := t.TempDir()
	cfg := settings.DefaultConfig(dir)
	cfg.PaymentProvider = transaction.ProviderQR
	cfg.QR = settings.QRConfig{
		AccessToken:     "TEST-TOKEN",
		Enabled:         true,
		UserID:          42,
		ExternalStoreID: "STORE1",
		ExternalPosID:   "POS1",
		WebhookURL:      "https://example.test/api/qr/webhook",
		Currency:        "ARS",
		OrderTTLSeconds: 300,
		BaseURL:         server.URL,
	}
	if patch != nil {
		patch(&cfg.QR)
	}
	manager := settings.NewManager(core.DiscardLogger(), filepath.Join(dir, "config.yml"), cfg)
	deps := vendors.Deps{Logger: core.DiscardLogger(), Settings: manager, Metrics: core.NewMetrics()}

	client := NewClient(deps.Logger, func() settings.QRConfig { return manager.Get().QR }, core.NewHealthMonitor(2, time.Minute))
	return NewProvider(deps, client), wallet
}

func TestProvider_ApprovedViaWebhook(t *testing.T) {
	p, wallet := newTestProvider(t, nil)
	payment := vendors.Payment{TransactionID: "t1", InvoiceNumber: "INV-3", Amount: 20, Currency: "ARS"}

	require.NoError(t, p.Prepare(context.Background(), payment))
	require.Len(t, wallet.orders, 1)
	order := wallet.orders[0]
	assert.Equal(t, "INV-3", order.ExternalReference)
	assert.Equal(t, 20.0, order.TotalAmount)
	assert.Equal(t, "Venta INV-3", order.Description)
	assert.Equal(t, "https://example.test/api/qr/webhook", order.NotificationURL)
	assert.NotEmpty(t, order.ExpirationDate)
	assert.Equal(t, "Bearer TEST-TOKEN", wallet.auth[0])
	assert.NotEmpty(t, wallet.idemKeys[0])
	assert.True(t, p.Waiting("INV-3"))

	wallet.addPayment(Payment{ID: "998877", Status: "approved", StatusDetail: "accredited",
		ExternalReference: "INV-3", DateApproved: "2026-10-14T12:00:00.000-03:00", TransactionAmount: 20})

	done := make(chan transaction.ProviderResult, 1)
	go func() { done <- p.Await(context.Background(), payment) }()

	require.Eventually(t, func() bool {
		matched, err := p.HandlePayment(context.Background(), "998877")
		return err == nil && matched
	}, time.Second, 10*time.Millisecond)

	var result transaction.ProviderResult
	select {
	case result = <-done:
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}
	require.NoError(t, result.Err)
	require.NotNil(t, result.QR)
	assert.Equal(t, "998877", result.QR.ID)

	f := transaction.NewFile(transaction.Request{InvoiceNumber: "INV-3", Amount: 20, Provider: transaction.ProviderQR}, time.Now())
	f.ApplyOutcome(transaction.Map(result))
	assert.Equal(t, transaction.StatusSuccessful, f.Status)
	assert.Equal(t, "998877", f.TransactionID)
	assert.False(t, p.Waiting("INV-3"))
}

func TestProvider_RejectedPayment(t *testing.T) {
	p, wallet := newTestProvider(t, nil)
	payment := vendors.Payment{InvoiceNumber: "INV-4", Amount: 5}
	require.NoError(t, p.Prepare(context.Background(), payment))

	wallet.addPayment(Payment{ID: "1", Status: "in_process", ExternalReference: "INV-4"})
	matched, err := p.HandlePayment(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, matched, "interim status keeps waiting")

	wallet.addPayment(Payment{ID: "2", Status: "rejected", StatusDetail: "cc_rejected_insufficient_amount", ExternalReference: "INV-4"})
	matched, err = p.HandlePayment(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, matched)

	result := p.Await(context.Background(), payment)
	out := transaction.Map(result)
	assert.Equal(t, transaction.StatusFailed, out.Status)
	assert.Equal(t, "cc_rejected_insufficient_amount", out.Reason)
}

func TestProvider_UnmatchedAndUnknownPayments(t *testing.T) {
	p, wallet := newTestProvider(t, nil)

	wallet.addPayment(Payment{ID: "3", Status: "approved", ExternalReference: "NOBODY"})
	matched, err := p.HandlePayment(context.Background(), "3")
	require.NoError(t, err)
	assert.False(t, matched)

	_, err = p.HandlePayment(context.Background(), "404")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestProvider_CancelDeletesOrder(t *testing.T) {
	p, wallet := newTestProvider(t, nil)
	payment := vendors.Payment{InvoiceNumber: "INV-5", Amount: 1}
	require.NoError(t, p.Prepare(context.Background(), payment))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result := p.Await(ctx, payment)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)

	require.NoError(t, p.Cancel(context.Background(), payment))
	assert.Equal(t, 1, wallet.deletes)
	assert.False(t, p.Waiting("INV-5"))
}

func TestProvider_RetryAfterCancelKeepsNewWaiter(t *testing.T) {
	p, wallet := newTestProvider(t, nil)
	payment := vendors.Payment{InvoiceNumber: "INV-9", Amount: 3}
	require.NoError(t, p.Prepare(context.Background(), payment))

	ctxA, cancelA := context.WithCancel(context.Background())
	first := make(chan transaction.ProviderResult, 1)
	go func() { first <- p.Await(ctxA, payment) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Cancel(context.Background(), payment))
	require.NoError(t, p.Prepare(context.Background(), payment))
	cancelA()
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first Await did not return")
	}
	assert.True(t, p.Waiting("INV-9"), "the retried order must keep its waiter")

	wallet.addPayment(Payment{ID: "77", Status: "approved", ExternalReference: "INV-9"})
	matched, err := p.HandlePayment(context.Background(), "77")
	require.NoError(t, err)
	assert.True(t, matched)

	result := p.Await(context.Background(), payment)
	require.NoError(t, result.Err)
	assert.Equal(t, "77", result.QR.ID)
	assert.False(t, p.Waiting("INV-9"))
}

func TestProvider_PrepareFailures(t *testing.T) {
	p, _ := newTestProvider(t, func(c *settings.QRConfig) { c.ExternalPosID = "OTHER" })
	err := p.Prepare(context.Background(), vendors.Payment{InvoiceNumber: "INV-6", Amount: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, p.Waiting("INV-6"))

	p, _ = newTestProvider(t, func(c *settings.QRConfig) { c.AccessToken = "" })
	err = p.Prepare(context.Background(), vendors.Payment{InvoiceNumber: "INV-7", Amount: 1})
	assert.ErrorIs(t, err, ErrNotConfigured)

	p, _ = newTestProvider(t, nil)
	require.NoError(t, p.Prepare(context.Background(), vendors.Payment{InvoiceNumber: "INV-8", Amount: 1}))
	err = p.Prepare(context.Background(), vendors.Payment{InvoiceNumber: "INV-8", Amount: 1})
	assert.ErrorIs(t, err, ErrAlreadyWaiting)
}

func TestClient_CircuitOpensOnServerErrors(t *testing.T) {
	p, wallet := newTestProvider(t, nil)
	wallet.failures = 5
	client := p.Client()
	order := client.NewOrder("INV-9", 1, "")

	assert.Error(t, client.CreateOrder(context.Background(), order))
	assert.Error(t, client.CreateOrder(context.Background(), order))
	assert.Equal(t, "OPEN", client.Health().GetCircuitState())

	err := client.CreateOrder(context.Background(), order)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Equal(t, 3, wallet.failures, "open circuit does not reach the server")
}

func TestClient_TestCredentials(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	assert.NoError(t, p.Client().TestCredentials(context.Background()))

	p, _ = newTestProvider(t, func(c *settings.QRConfig) { c.ExternalStoreID = "NOPE" })
	assert.Error(t, p.Client().TestCredentials(context.Background()))
}

func TestPaymentID(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		query url.Values
		want  string
		err   bool
	}{
		{name: "body string id", body: `{"type":"payment","data":{"id":"123"}}`, want: "123"},
		{name: "body numeric id", body: `{"action":"payment.updated","data":{"id":456}}`, want: "456"},
		{name: "query ipn", query: url.Values{"topic": {"payment"}, "id": {"789"}}, want: "789"},
		{name: "query data.id", query: url.Values{"type": {"payment"}, "data.id": {"11"}}, want: "11"},
		{name: "merchant order", body: `{"type":"merchant_order","data":{"id":"1"}}`, err: true},
		{name: "missing id", body: `{"type":"payment","data":{}}`, err: true},
		{name: "malformed", body: `{`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PaymentID([]byte(tt.body), tt.query)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	header := Sign("s3cret", "req-1", "123", "1704908010")

	assert.NoError(t, VerifySignature("s3cret", header, "req-1", "123"))
	assert.NoError(t, VerifySignature("", "", "", ""), "no secret disables the check")
	assert.ErrorIs(t, VerifySignature("s3cret", header, "req-1", "124"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("other", header, "req-1", "123"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("s3cret", "", "req-1", "123"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("s3cret", "garbage", "req-1", "123"), ErrBadSignature)
}
