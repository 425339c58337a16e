package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's prometheus collectors on a private registry so
// several instances can coexist in tests.
type Metrics struct {
	Registry *prometheus.Registry

	TransactionsTotal  *prometheus.CounterVec
	TransactionSeconds *prometheus.HistogramVec
	ActiveTransactions prometheus.Gauge
	PendingRequests    prometheus.Gauge
	ConnectionState    *prometheus.GaugeVec
	ProviderErrors     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_transactions_total",
				Help: "Finalized transactions by provider and status",
			},
			[]string{"provider", "status"},
		),
		TransactionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_transaction_duration_seconds",
				Help:    "Time from processing start to finalization",
				Buckets: []float64{1, 5, 10, 20, 40, 60, 80, 120},
			},
			[]string{"provider"},
		),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_transactions",
			Help: "Transactions currently held in the active registry",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_terminal_pending_requests",
			Help: "Terminal requests awaiting a correlated response",
		}),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_terminal_connection_state",
				Help: "1 for the current terminal connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_provider_errors_total",
				Help: "Provider call failures",
			},
			[]string{"provider", "operation"},
		),
	}
	m.Registry.MustRegister(
		m.TransactionsTotal,
		m.TransactionSeconds,
		m.ActiveTransactions,
		m.PendingRequests,
		m.ConnectionState,
		m.ProviderErrors,
	)
	return m
}

// SetConnectionState flips the state gauge so exactly one label reads 1.
func (m *Metrics) SetConnectionState(current string, all []string) {
	for _, s := range all {
		if s == current {
			m.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			m.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// ObserveFinalized records one finished transaction.
func (m *Metrics) ObserveFinalized(provider, status string, seconds *float64) {
	m.TransactionsTotal.WithLabelValues(provider, status).Inc()
	if seconds != nil {
		m.TransactionSeconds.WithLabelValues(provider).Observe(*seconds)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ProviderError counts one failed provider call. A nil Metrics ignores it.
func (m *Metrics) ProviderError(provider, operation string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, operation).Inc()
}
