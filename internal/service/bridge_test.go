package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_IndexesFinalizedResults(t *testing.T) {
	dir := t.TempDir()
	cfg := settings.DefaultConfig(dir)
	manager := settings.NewManager(core.DiscardLogger(), filepath.Join(dir, "config.yml"), cfg)
	loggers := func(string) *logrus.Entry { return core.DiscardLogger() }

	b, err := NewBridge(loggers, manager, BridgeOptions{
		IndexDir:     filepath.Join(dir, "results"),
		Orchestrator: OrchestratorOptions{Budget: time.Second},
	})
	require.NoError(t, err)
	require.NotNil(t, b.Index)

	b.Providers.Add(&fakeProvider{name: transaction.ProviderClover, await: func(context.Context, vendors.Payment) transaction.ProviderResult {
		return transaction.ProviderResult{Provider: transaction.ProviderClover, Method: transaction.MethodFinishOK,
			Payload: json.RawMessage(`{"payment":{"id":"P1","amount":500,"cardTransaction":{"authCode":"42"}}}`)}
	}})
	b.Providers.Add(&fakeProvider{name: transaction.ProviderQR, disabled: true})

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, b.Stop(context.Background())) })

	_, err = b.SubmitSale(SaleRequest{InvoiceNumber: "INV-B1", Amount: 5})
	require.NoError(t, err)

	var results []*transaction.File
	require.Eventually(t, func() bool {
		results, err = b.Index.ByInvoice("INV-B1", 1)
		return err == nil && len(results) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, transaction.StatusSuccessful, results[0].Status)
}
