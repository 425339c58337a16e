package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/service"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors/clover"
	"bridge-payments/internal/vendors/qrmp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTerminal struct {
	mutex       sync.Mutex
	state       clover.ConnectionState
	resumes     int
	disconnects int
	refunds     []float64
	sendErr     error
}

func (t *fakeTerminal) State() clover.ConnectionState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}
func (t *fakeTerminal) PairingCode() string { return "424242" }
func (t *fakeTerminal) PendingCount() int   { return 1 }
func (t *fakeTerminal) Resume() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.resumes++
	t.state = clover.StateConnecting
}
func (t *fakeTerminal) Disconnect() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.disconnects++
	t.state = clover.StateDisconnected
	return nil
}
func (t *fakeTerminal) SendRefund(_ context.Context, amount float64, paymentID, _ string, _ bool) (*clover.Envelope, error) {
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	t.mutex.Lock()
	t.refunds = append(t.refunds, amount)
	t.mutex.Unlock()
	return &clover.Envelope{
		Method:  clover.MethodRefundResponse,
		Payload: clover.RawPayload([]byte(`{"paymentId":"` + paymentID + `","success":true}`)),
	}, nil
}
func (t *fakeTerminal) SendVoid(_ context.Context, paymentID, _ string) (*clover.Envelope, error) {
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	return &clover.Envelope{Method: clover.MethodVoidPaymentResponse, Payload: clover.RawPayload([]byte(`{"success":true}`))}, nil
}

type fakeQR struct {
	secret   string
	handled  []string
	matchAll bool
}

func (q *fakeQR) VerifyWebhook(signature, requestID, dataID string) error {
	return qrmp.VerifySignature(q.secret, signature, requestID, dataID)
}

func (q *fakeQR) HandlePayment(_ context.Context, paymentID string) (bool, error) {
	q.handled = append(q.handled, paymentID)
	return q.matchAll, nil
}

type testServer struct {
	server   *Server
	deps     Deps
	terminal *fakeTerminal
	qr       *fakeQR
	inbox    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := settings.DefaultConfig(dir)
	require.NoError(t, core.EnsureDirectories(cfg.Folders.Inbox, cfg.Folders.Outbox, cfg.Folders.Archive))
	sm := settings.NewManager(core.DiscardLogger(), filepath.Join(dir, "config.yml"), cfg)

	index, err := core.NewResultIndex(filepath.Join(dir, "index"), 1, core.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	metrics := core.NewMetrics()
	ts := &testServer{
		terminal: &fakeTerminal{state: clover.StatePaired},
		qr:       &fakeQR{matchAll: true},
		inbox:    cfg.Folders.Inbox,
	}
	ts.deps = Deps{
		Settings: sm,
		Registry: service.NewRegistry(metrics),
		Log:      core.NewTransactionLog(cfg.Folders.Archive, core.DiscardLogger()),
		Index:    index,
		Metrics:  metrics,
		Terminal: ts.terminal,
		QR:       ts.qr,
		Submit: func(req service.SaleRequest) (string, error) {
			return service.SubmitSale(cfg.Folders.Inbox, req)
		},
	}
	ts.server = NewServer("127.0.0.1:0", core.DiscardLogger(), ts.deps)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string, headers ...string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.Handler.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

func finishedFile(invoice string, status transaction.Status) *transaction.File {
	now := time.Now()
	f := transaction.NewFile(transaction.Request{InvoiceNumber: invoice, Amount: 12.5}, now)
	transaction.Normalize(f, now)
	f.MarkProcessStart(now)
	f.SetStatus(status)
	f.MarkProcessEnd(now.Add(2 * time.Second))
	return f
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	f := transaction.NewFile(transaction.Request{InvoiceNumber: "INV-1", Amount: 1}, time.Now())
	transaction.Normalize(f, time.Now())
	_, _, err := ts.deps.Registry.Add(context.Background(), f)
	require.NoError(t, err)

	code, body := ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "Paired", resp.ConnectionState)
	assert.Equal(t, "424242", resp.PairingCode)
	assert.Equal(t, 1, resp.ActiveTransactions)
	assert.Equal(t, "CLOVER", resp.PaymentProvider)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, "INV-1", resp.Transactions[0].InvoiceNumber)

	code, body = ts.do(t, http.MethodGet, "/api/transactions/INV-1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"Pending"`)
}

func TestConnectDisconnect(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "Disconnected")

	code, body = ts.do(t, http.MethodPost, "/api/connect", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, string(body), "Connecting")
	assert.Equal(t, 1, ts.terminal.resumes)
	assert.Equal(t, 1, ts.terminal.disconnects)

	code, _ = ts.do(t, http.MethodGet, "/api/connect", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestTerminalUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Terminal = nil
	ts.server = NewServer("127.0.0.1:0", core.DiscardLogger(), ts.deps)

	code, _ := ts.do(t, http.MethodPost, "/api/connect", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := ts.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "Unavailable")
}

func TestConfig(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, code)
	var cfg settings.Config
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.Equal(t, 12345, cfg.Clover.Port)

	code, _ = ts.do(t, http.MethodPost, "/api/config", `{"clover":{"host":"10.0.0.9"},"paymentProvider":"qrmp"}`)
	require.Equal(t, http.StatusOK, code)
	current := ts.deps.Settings.Get()
	assert.Equal(t, "10.0.0.9", current.Clover.Host)
	assert.Equal(t, 12345, current.Clover.Port)
	assert.Equal(t, "QRMP", current.PaymentProvider)

	code, _ = ts.do(t, http.MethodPost, "/api/config", `{"transaction":{"budgetSeconds":0}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 80, ts.deps.Settings.Get().Transaction.BudgetSeconds)
}

func TestSale(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/transaction/sale", `{"invoiceNumber":"INV 7","amount":15.5}`)
	require.Equal(t, http.StatusAccepted, code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(body, &resp))

	assert.Equal(t, ts.inbox, filepath.Dir(resp["file"]))
	assert.True(t, strings.HasPrefix(filepath.Base(resp["file"]), "INV_7_"))
	data, err := os.ReadFile(resp["file"])
	require.NoError(t, err)
	req, err := transaction.ParseRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "INV 7", req.InvoiceNumber)
	assert.Equal(t, 15.5, req.Amount)

	code, _ = ts.do(t, http.MethodPost, "/api/transaction/sale", `{"invoiceNumber":"INV-8","amount":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, "/api/transaction/sale", `{`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRefundAndVoid(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/transaction/refund", `{"paymentId":"P1","amount":3.5}`)
	require.Equal(t, http.StatusOK, code)
	var resp terminalResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, clover.MethodRefundResponse, resp.Method)
	assert.JSONEq(t, `{"paymentId":"P1","success":true}`, string(resp.Payload))
	assert.Equal(t, []float64{3.5}, ts.terminal.refunds)

	code, _ = ts.do(t, http.MethodPost, "/api/transaction/refund", `{"amount":3.5}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = ts.do(t, http.MethodPost, "/api/transaction/void", `{"paymentId":"P1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), clover.MethodVoidPaymentResponse)

	ts.terminal.sendErr = clover.ErrNotPaired
	code, _ = ts.do(t, http.MethodPost, "/api/transaction/void", `{"paymentId":"P1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ts.terminal.sendErr = clover.ErrRequestTimeout
	code, _ = ts.do(t, http.MethodPost, "/api/transaction/refund", `{"paymentId":"P1"}`)
	assert.Equal(t, http.StatusGatewayTimeout, code)
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/qr/webhook?type=merchant_order&id=1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"matched":false`)
	assert.Empty(t, ts.qr.handled)

	code, body = ts.do(t, http.MethodPost, "/api/qr/webhook", `{"action":"payment.created","data":{"id":"777"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"matched":true`)
	assert.Equal(t, []string{"777"}, ts.qr.handled)

	code, _ = ts.do(t, http.MethodPost, "/api/qr/webhook", `{"type":"payment","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhookSignature(t *testing.T) {
	ts := newTestServer(t)
	ts.qr.secret = "s3cret"

	body := `{"type":"payment","data":{"id":"42"}}`
	code, _ := ts.do(t, http.MethodPost, "/api/qr/webhook?data.id=42&type=payment", body)
	assert.Equal(t, http.StatusUnauthorized, code)

	ts1 := "1700000000"
	header := "ts=" + ts1 + ",v1=" + qrmp.Sign("s3cret", "req-1", "42", ts1)
	code, _ = ts.do(t, http.MethodPost, "/api/qr/webhook?data.id=42&type=payment", body,
		"x-signature", header, "x-request-id", "req-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"42"}, ts.qr.handled)
}

func TestLookupAndLogQueries(t *testing.T) {
	ts := newTestServer(t)

	f := finishedFile("INV-9", transaction.StatusSuccessful)
	require.NoError(t, ts.deps.Index.Put(f))
	require.NoError(t, ts.deps.Log.Append(f))
	require.NoError(t, ts.deps.Log.Append(finishedFile("INV-10", transaction.StatusTimeout)))

	code, body := ts.do(t, http.MethodGet, "/api/transactions/INV-9", "")
	require.Equal(t, http.StatusOK, code)
	var got transaction.File
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, f.TransactionID, got.TransactionID)

	code, _ = ts.do(t, http.MethodGet, "/api/transactions/NOPE", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = ts.do(t, http.MethodGet, "/api/transactions/summary?date="+time.Now().Format("20060102"), "")
	require.Equal(t, http.StatusOK, code)
	var summary core.Summary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, 2, summary.TotalTransactions)
	assert.Equal(t, 1, summary.SuccessfulCount)
	assert.Equal(t, 1, summary.TimeoutCount)
	assert.Equal(t, 12.5, summary.TotalAmount)

	code, _ = ts.do(t, http.MethodGet, "/api/transactions/summary?date=2024-01-01", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = ts.do(t, http.MethodGet, "/api/transactions/search?invoice=INV-10", "")
	require.Equal(t, http.StatusOK, code)
	var records []core.LogRecord
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Timeout", records[0].Status)

	code, _ = ts.do(t, http.MethodGet, "/api/transactions/search", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Metrics.ObserveFinalized("CLOVER", "Successful", nil)

	code, body := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, bytes.Contains(body, []byte("bridge_transactions_total")))
}
