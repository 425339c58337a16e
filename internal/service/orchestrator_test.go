package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"
	"bridge-payments/internal/vendors/clover"
	"bridge-payments/internal/vendors/qrmp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name       string
	disabled   bool
	prepareErr error
	await      func(ctx context.Context, p vendors.Payment) transaction.ProviderResult
	cancels    atomic.Int32
}

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) Enabled() bool               { return !f.disabled }
func (f *fakeProvider) Start(context.Context) error { return nil }
func (f *fakeProvider) Stop(context.Context) error  { return nil }
func (f *fakeProvider) Prepare(context.Context, vendors.Payment) error {
	return f.prepareErr
}
func (f *fakeProvider) Cancel(context.Context, vendors.Payment) error {
	f.cancels.Add(1)
	return nil
}
func (f *fakeProvider) Await(ctx context.Context, p vendors.Payment) transaction.ProviderResult {
	if f.await != nil {
		return f.await(ctx, p)
	}
	<-ctx.Done()
	return transaction.ProviderResult{Provider: f.name, Err: ctx.Err()}
}

type testEnv struct {
	settings     *settings.Manager
	folders      settings.FoldersConfig
	registry     *Registry
	providers    *ProviderManager
	orchestrator *Orchestrator
	txlog        *core.TransactionLog
}

func newTestEnv(t *testing.T, budget time.Duration, patch func(*settings.Config), providers ...vendors.Provider) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := settings.DefaultConfig(dir)
	if patch != nil {
		patch(&cfg)
	}
	require.NoError(t, core.EnsureDirectories(cfg.Folders.Inbox, cfg.Folders.Outbox, cfg.Folders.Archive))
	manager := settings.NewManager(core.DiscardLogger(), filepath.Join(dir, "config.yml"), cfg)

	env := &testEnv{settings: manager, folders: cfg.Folders}
	env.registry = NewRegistry(nil)
	env.providers = NewProviderManager(core.DiscardLogger(), vendors.Deps{Logger: core.DiscardLogger(), Settings: manager})
	for _, p := range providers {
		env.providers.Add(p)
	}
	env.txlog = core.NewTransactionLog(cfg.Folders.Archive, core.DiscardLogger())
	finalizer := NewFinalizer(core.DiscardLogger(), func() settings.FoldersConfig { return cfg.Folders }, env.txlog, nil, env.registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.orchestrator = NewOrchestrator(ctx, core.DiscardLogger(), manager, env.providers, env.registry, finalizer, OrchestratorOptions{
		Budget:        budget,
		Tick:          10 * time.Millisecond,
		ProgressEvery: 50 * time.Millisecond,
	})
	return env
}

func (e *testEnv) drop(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.folders.Inbox, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e *testEnv) outbox(t *testing.T) *transaction.File {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.folders.Outbox, ResultFileName))
	require.NoError(t, err)
	var f transaction.File
	require.NoError(t, json.Unmarshal(data, &f))
	return &f
}

func logTypes(f *transaction.File) []string {
	var types []string
	for _, e := range f.Log {
		types = append(types, e.Type)
	}
	return types
}

func TestOrchestrator_ValidationFailure(t *testing.T) {
	env := newTestEnv(t, time.Second, nil)

	path := env.drop(t, "bad.json", `{"invoiceNumber":"INV-0","amount":0}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusFailed, out.Status)
	assert.Contains(t, out.ErrorMessage, "amount")
	assert.Equal(t, []string{transaction.LogValidationError, transaction.LogFinalized}, logTypes(out))
	assert.NotEmpty(t, out.TransactionID)
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(env.folders.Archive, "INV-0.txt"))

	path = env.drop(t, "broken.json", `{not json`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))
	out = env.outbox(t)
	assert.Equal(t, transaction.StatusFailed, out.Status)
	assert.Equal(t, "broken", out.InvoiceNumber)
	assert.NoFileExists(t, path)
}

func TestOrchestrator_UnknownAndDisabledProviders(t *testing.T) {
	disabled := &fakeProvider{name: transaction.ProviderQR, disabled: true}
	env := newTestEnv(t, time.Second, nil, disabled)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-1","amount":1,"provider":"PAYPAL"}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))
	out := env.outbox(t)
	assert.Equal(t, transaction.StatusFailed, out.Status)
	assert.Equal(t, "Unknown payment provider: PAYPAL", out.ErrorMessage)

	path = env.drop(t, "b.json", `{"invoiceNumber":"INV-2","amount":1,"provider":"qrmp"}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))
	out = env.outbox(t)
	assert.Equal(t, transaction.StatusFailed, out.Status)
	assert.Equal(t, "QRMP integration disabled", out.ErrorMessage)
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, env.registry.Len())
}

func TestOrchestrator_PrepareError(t *testing.T) {
	p := &fakeProvider{name: transaction.ProviderClover, prepareErr: errors.New("boom")}
	env := newTestEnv(t, time.Second, nil, p)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-1","amount":1}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))
	out := env.outbox(t)
	assert.Equal(t, transaction.StatusFailed, out.Status)
	assert.Contains(t, out.ErrorMessage, "boom")
	assert.Zero(t, p.cancels.Load())
}

func TestOrchestrator_ResponseJustBeforeBudget(t *testing.T) {
	p := &fakeProvider{name: transaction.ProviderClover, await: func(ctx context.Context, _ vendors.Payment) transaction.ProviderResult {
		time.Sleep(150 * time.Millisecond)
		return transaction.ProviderResult{Provider: transaction.ProviderClover, Method: transaction.MethodFinishOK,
			Payload: json.RawMessage(`{"payment":{"id":"P1","amount":1000,"cardTransaction":{"authCode":"777"}}}`)}
	}}
	env := newTestEnv(t, 200*time.Millisecond, nil, p)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-1","amount":10}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusSuccessful, out.Status)
	require.NotNil(t, out.PaymentInfo)
	assert.Equal(t, "777", out.PaymentInfo.AuthCode)
	assert.Zero(t, p.cancels.Load())
	assert.Nil(t, out.TimeoutRemainingSeconds)
	assert.Equal(t, []string{
		transaction.LogReceived, transaction.LogSentToTerminal, transaction.LogResponseReceived,
		transaction.LogPaymentSuccess, transaction.LogResultProcessed, transaction.LogFinalized,
	}, logTypes(out))
}

func TestOrchestrator_BudgetWinsAndCancelsOnce(t *testing.T) {
	late := make(chan struct{})
	p := &fakeProvider{name: transaction.ProviderClover, await: func(ctx context.Context, _ vendors.Payment) transaction.ProviderResult {
		<-late
		return transaction.ProviderResult{Provider: transaction.ProviderClover, Method: transaction.MethodFinishOK}
	}}
	env := newTestEnv(t, 100*time.Millisecond, nil, p)
	defer close(late)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-2","amount":5}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusTimeout, out.Status)
	assert.Equal(t, int32(1), p.cancels.Load())
	assert.NoFileExists(t, path)
	assert.Contains(t, logTypes(out), transaction.LogTimeout)
}

func TestOrchestrator_CountdownVisibleWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{name: transaction.ProviderClover, await: func(ctx context.Context, _ vendors.Payment) transaction.ProviderResult {
		<-release
		return transaction.ProviderResult{Provider: transaction.ProviderClover, Method: transaction.MethodFinishCancel}
	}}
	env := newTestEnv(t, 5*time.Second, nil, p)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-7","amount":5}`)
	done := make(chan error, 1)
	go func() { done <- env.orchestrator.Process(context.Background(), path) }()

	require.Eventually(t, func() bool {
		snap := env.registry.Snapshot()
		return len(snap) == 1 && snap[0].Status == transaction.StatusProcessing &&
			snap[0].TimeoutRemainingSeconds != nil && *snap[0].TimeoutRemainingSeconds <= 5
	}, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusCancelled, out.Status)
	assert.Nil(t, out.TimeoutRemainingSeconds)
}

func TestOrchestrator_ShutdownKeepsInboxFile(t *testing.T) {
	p := &fakeProvider{name: transaction.ProviderClover}
	env := newTestEnv(t, 5*time.Second, nil, p)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-8","amount":5}`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.orchestrator.Process(ctx, path) }()

	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.FileExists(t, path)
	assert.NoFileExists(t, filepath.Join(env.folders.Outbox, ResultFileName))
	assert.Equal(t, 0, env.registry.Len())
}

// terminal scenarios against the simulator

func newCloverEnv(t *testing.T, mode clover.SimMode, budget time.Duration) (*testEnv, *clover.Simulator) {
	t.Helper()
	sim := clover.NewSimulator(core.DiscardLogger(), clover.SimulatorOptions{Mode: mode, ResponseDelay: 20 * time.Millisecond})
	server := httptest.NewServer(sim.Handler())
	t.Cleanup(func() {
		sim.Stop()
		server.Close()
	})
	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())

	env := newTestEnv(t, budget, func(c *settings.Config) {
		c.Clover.Host = u.Hostname()
		c.Clover.Port = port
		c.Clover.SimulatedPairing = false
	})
	manager := clover.NewManager(core.DiscardLogger(), clover.Options{
		Config:                func() settings.CloverConfig { return env.settings.Get().Clover },
		SaveToken:             env.settings.SetAuthToken,
		RequestTimeout:        5 * time.Second,
		CancelTimeout:         time.Second,
		OldestPendingFallback: true,
	})
	provider := clover.NewProvider(vendors.Deps{Logger: core.DiscardLogger(), Settings: env.settings}, manager)
	env.providers.Add(provider)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = provider.Stop(context.Background())
	})
	require.NoError(t, provider.Start(ctx))
	require.Eventually(t, func() bool { return manager.State() == clover.StatePaired }, 2*time.Second, 5*time.Millisecond)
	return env, sim
}

func TestOrchestrator_TerminalApproved(t *testing.T) {
	env, _ := newCloverEnv(t, clover.SimApprove, 2*time.Second)

	path := env.drop(t, "cobro.txt", `{"InvoiceNumber":"INV-1","Amount":10.00}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusSuccessful, out.Status)
	require.NotNil(t, out.PaymentInfo)
	assert.Equal(t, "123456", out.PaymentInfo.AuthCode)
	assert.Equal(t, 10.0, out.PaymentInfo.TotalAmount)
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(env.folders.Archive, "INV-1.txt"))

	records, err := env.txlog.SearchByInvoice("INV-1", 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestOrchestrator_TerminalSilentTimesOut(t *testing.T) {
	env, sim := newCloverEnv(t, clover.SimSilent, 300*time.Millisecond)

	path := env.drop(t, "a.json", `{"invoiceNumber":"INV-2","amount":5.00}`)
	require.NoError(t, env.orchestrator.Process(context.Background(), path))

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusTimeout, out.Status)
	assert.NoFileExists(t, path)
	require.Eventually(t, func() bool { return sim.Count(clover.MethodBreak) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sim.Count(clover.MethodBreak))
}

// QR scenario against a fake wallet

func TestOrchestrator_QRApprovedByWebhook(t *testing.T) {
	var mutex sync.Mutex
	var orderRef string
	wallet := http.NewServeMux()
	wallet.HandleFunc("PUT /instore/qr/seller/collectors/{user}/stores/{store}/pos/{pos}/orders", func(w http.ResponseWriter, r *http.Request) {
		var order qrmp.Order
		_ = json.NewDecoder(r.Body).Decode(&order)
		mutex.Lock()
		orderRef = order.ExternalReference
		mutex.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	wallet.HandleFunc("GET /v1/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		ref := orderRef
		mutex.Unlock()
		_, _ = w.Write([]byte(`{"id":555,"status":"approved","status_detail":"accredited","external_reference":"` + ref + `"}`))
	})
	server := httptest.NewServer(wallet)
	defer server.Close()

	env := newTestEnv(t, 2*time.Second, func(c *settings.Config) {
		c.QR = settings.QRConfig{AccessToken: "T", Enabled: true, UserID: 1, ExternalStoreID: "S", ExternalPosID: "P", BaseURL: server.URL}
	})
	deps := vendors.Deps{Logger: core.DiscardLogger(), Settings: env.settings}
	provider := qrmp.NewProvider(deps, qrmp.NewClient(deps.Logger, func() settings.QRConfig { return env.settings.Get().QR }, nil))
	env.providers.Add(provider)

	path := env.drop(t, "qr.json", `{"invoiceNumber":"INV-3","amount":20.00,"provider":"QRMP"}`)
	done := make(chan error, 1)
	go func() { done <- env.orchestrator.Process(context.Background(), path) }()

	require.Eventually(t, func() bool { return provider.Waiting("INV-3") }, time.Second, 5*time.Millisecond)
	matched, err := provider.HandlePayment(context.Background(), "555")
	require.NoError(t, err)
	require.True(t, matched)
	require.NoError(t, <-done)

	out := env.outbox(t)
	assert.Equal(t, transaction.StatusSuccessful, out.Status)
	require.NotNil(t, out.PaymentInfo)
	require.NotNil(t, out.PaymentInfo.MP)
	assert.Equal(t, "555", out.PaymentInfo.MP.PaymentID)
	assert.Equal(t, "555", out.TransactionID)
	assert.Contains(t, logTypes(out), transaction.LogMPOrderCreated)
}
