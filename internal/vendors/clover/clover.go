package clover

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"
)

func init() {
	vendors.Register(transaction.ProviderClover, New)
}

// Provider adapts the terminal Manager to the orchestrator.
type Provider struct {
	deps    vendors.Deps
	manager *Manager
	cancel  context.CancelFunc
	done    chan struct{}

	mutex    sync.Mutex
	endpoint string
	enabled  bool
}

func New(deps vendors.Deps) (vendors.Provider, error) {
	if deps.Settings == nil {
		return nil, fmt.Errorf("clover provider requires settings")
	}
	cfg := deps.Settings.Get()

	opts := Options{
		Config:                func() settings.CloverConfig { return deps.Settings.Get().Clover },
		SaveToken:             deps.Settings.SetAuthToken,
		RequestTimeout:        cfg.Transaction.RequestTimeout(),
		OldestPendingFallback: cfg.Correlation.OldestPendingFallback,
	}
	if deps.Metrics != nil {
		opts.StateObserver = func(s ConnectionState) {
			deps.Metrics.SetConnectionState(string(s), AllStates())
		}
		opts.PendingObserver = func(n int) {
			deps.Metrics.PendingRequests.Set(float64(n))
		}
	}
	return NewProvider(deps, NewManager(deps.Logger, opts)), nil
}

// NewProvider wraps an existing manager.
func NewProvider(deps vendors.Deps, manager *Manager) *Provider {
	p := &Provider{deps: deps, manager: manager}
	if deps.Settings != nil {
		cfg := deps.Settings.Get().Clover
		p.endpoint, p.enabled = cfg.URL(), cfg.Enabled
	}
	return p
}

func (p *Provider) Name() string {
	return transaction.ProviderClover
}

func (p *Provider) Enabled() bool {
	return p.deps.Settings.Get().Clover.Enabled
}

func (p *Provider) Manager() *Manager {
	return p.manager
}

// Start launches the reconnect loop in the background.
func (p *Provider) Start(ctx context.Context) error {
	if p.cancel != nil {
		return fmt.Errorf("clover provider already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.manager.Run(runCtx)
	}()
	return nil
}

func (p *Provider) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure reconnects when the terminal address or the enabled flag
// changed; other edits are picked up on the next connect.
func (p *Provider) Reconfigure(cfg settings.Config) {
	p.mutex.Lock()
	endpoint, enabled := cfg.Clover.URL(), cfg.Clover.Enabled
	changed := endpoint != p.endpoint || enabled != p.enabled
	p.endpoint, p.enabled = endpoint, enabled
	p.mutex.Unlock()

	if !changed {
		return
	}
	p.deps.Logger.Infof("Terminal settings changed (%s, enabled=%t), reconnecting", endpoint, enabled)
	_ = p.manager.Disconnect()
	p.manager.Resume()
}

// Prepare has nothing to do ahead of the sale; the request is sent in Await.
func (p *Provider) Prepare(context.Context, vendors.Payment) error {
	return nil
}

func (p *Provider) Await(ctx context.Context, payment vendors.Payment) transaction.ProviderResult {
	result := transaction.ProviderResult{Provider: transaction.ProviderClover}

	msg, err := p.manager.SendSale(ctx, payment.Amount, payment.ExternalID, 0)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		p.deps.Metrics.ProviderError(transaction.ProviderClover, "sale")
		result.Err = fmt.Errorf("terminal timeout: %v", err)
	case err != nil:
		p.deps.Metrics.ProviderError(transaction.ProviderClover, "sale")
		result.Err = err
	default:
		result.Method = msg.Method
		result.Payload = msg.Payload.Document()
	}
	return result
}

// Cancel sends BREAK without waiting for the terminal to acknowledge it.
func (p *Provider) Cancel(context.Context, vendors.Payment) error {
	if _, err := p.manager.Break(); err != nil {
		p.deps.Metrics.ProviderError(transaction.ProviderClover, "cancel")
		return err
	}
	return nil
}
