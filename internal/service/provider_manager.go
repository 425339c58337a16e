package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bridge-payments/internal/settings"
	"bridge-payments/internal/vendors"

	"github.com/sirupsen/logrus"
)

// Reconfigurable providers are told when the settings file changes.
type Reconfigurable interface {
	Reconfigure(cfg settings.Config)
}

// ProviderManager instantiates every registered provider, starts them and
// hands them out by name.
type ProviderManager struct {
	logger    *logrus.Entry
	deps      vendors.Deps
	mutex     sync.RWMutex
	providers map[string]vendors.Provider
	order     []string
}

func NewProviderManager(logger *logrus.Entry, deps vendors.Deps) *ProviderManager {
	return &ProviderManager{
		logger:    logger,
		deps:      deps,
		providers: make(map[string]vendors.Provider),
	}
}

// Add installs an already built provider, replacing any with the same name.
func (pm *ProviderManager) Add(p vendors.Provider) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if _, exists := pm.providers[p.Name()]; !exists {
		pm.order = append(pm.order, p.Name())
	}
	pm.providers[p.Name()] = p
}

// Start builds the registered providers that are not installed yet and
// starts all of them. A provider that fails to build is logged and left out.
func (pm *ProviderManager) Start(ctx context.Context) error {
	for _, name := range vendors.Names() {
		if _, err := pm.Provider(name); err == nil {
			continue
		}
		newFunc, err := vendors.Get(name)
		if err != nil {
			return err
		}
		deps := pm.deps
		if pm.deps.Logger != nil {
			deps.Logger = pm.deps.Logger.WithField("provider", name)
		}
		p, err := newFunc(deps)
		if err != nil {
			pm.logger.Errorf("Failed to create provider %s: %v", name, err)
			continue
		}
		pm.Add(p)
	}

	var errs []error
	for _, p := range pm.All() {
		pm.logger.Infof("Starting provider: %s (enabled=%t)", p.Name(), p.Enabled())
		if err := p.Start(ctx); err != nil {
			pm.logger.Errorf("Failed to start provider %s: %v", p.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Provider looks up an installed provider.
func (pm *ProviderManager) Provider(name string) (vendors.Provider, error) {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	p, ok := pm.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vendors.ErrUnknownProvider, name)
	}
	return p, nil
}

// All returns the installed providers in installation order.
func (pm *ProviderManager) All() []vendors.Provider {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	out := make([]vendors.Provider, 0, len(pm.order))
	for _, name := range pm.order {
		out = append(out, pm.providers[name])
	}
	return out
}

// HandleConfigChange forwards the current settings to providers that care.
func (pm *ProviderManager) HandleConfigChange() {
	if pm.deps.Settings == nil {
		return
	}
	cfg := pm.deps.Settings.Get()
	for _, p := range pm.All() {
		if r, ok := p.(Reconfigurable); ok {
			pm.logger.Debugf("Reconfiguring provider %s", p.Name())
			r.Reconfigure(cfg)
		}
	}
}

// WatchConfig applies settings changes until ctx ends.
func (pm *ProviderManager) WatchConfig(ctx context.Context) {
	if pm.deps.Settings == nil {
		return
	}
	changes := pm.deps.Settings.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			pm.HandleConfigChange()
		}
	}
}

func (pm *ProviderManager) Stop(ctx context.Context) error {
	var errs []error
	for _, p := range pm.All() {
		pm.logger.Infof("Stopping provider: %s", p.Name())
		if err := p.Stop(ctx); err != nil {
			pm.logger.Errorf("Error stopping provider %s: %v", p.Name(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
