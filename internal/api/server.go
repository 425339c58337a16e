package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/service"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors/clover"
	"bridge-payments/internal/vendors/qrmp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Terminal is the part of the terminal connection the API drives directly.
type Terminal interface {
	State() clover.ConnectionState
	PairingCode() string
	PendingCount() int
	Resume()
	Disconnect() error
	SendRefund(ctx context.Context, amount float64, paymentID, orderID string, full bool) (*clover.Envelope, error)
	SendVoid(ctx context.Context, paymentID, orderID string) (*clover.Envelope, error)
}

// QRWebhook receives wallet payment notifications.
type QRWebhook interface {
	VerifyWebhook(signature, requestID, dataID string) error
	HandlePayment(ctx context.Context, paymentID string) (bool, error)
}

// Deps are the services behind the handlers. Terminal, QR and Index may be nil.
type Deps struct {
	Settings *settings.Manager
	Registry *service.Registry
	Log      *core.TransactionLog
	Index    *core.ResultIndex
	Metrics  *core.Metrics
	Terminal Terminal
	QR       QRWebhook
	// Submit drops a sale into the inbox.
	Submit func(req service.SaleRequest) (string, error)
}

// DepsFromBridge collects the handler dependencies from a running bridge.
func DepsFromBridge(b *service.Bridge) Deps {
	deps := Deps{
		Settings: b.Settings,
		Registry: b.Registry,
		Log:      b.Log,
		Index:    b.Index,
		Metrics:  b.Metrics,
		Submit:   b.SubmitSale,
	}
	if p, err := b.Providers.Provider(transaction.ProviderClover); err == nil {
		if cp, ok := p.(*clover.Provider); ok {
			deps.Terminal = cp.Manager()
		}
	}
	if p, err := b.Providers.Provider(transaction.ProviderQR); err == nil {
		if qp, ok := p.(*qrmp.Provider); ok {
			deps.QR = qp
		}
	}
	return deps
}

// Server is the local HTTP API next to the file drop.
type Server struct {
	*http.Server
	Logger *logrus.Entry
	deps   Deps
	start  time.Time
}

func NewServer(addr string, logger *logrus.Entry, deps Deps) *Server {
	s := &Server{
		Logger: logger,
		deps:   deps,
		start:  time.Now(),
	}
	s.Server = &http.Server{
		Addr:           addr,
		Handler:        s.routes(),
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.healthHandler)
		r.Get("/status", s.statusHandler)
		r.Post("/connect", s.connectHandler)
		r.Post("/disconnect", s.disconnectHandler)

		r.Get("/config", s.getConfigHandler)
		r.Post("/config", s.updateConfigHandler)

		r.Post("/transaction/sale", s.saleHandler)
		r.Post("/transaction/refund", s.refundHandler)
		r.Post("/transaction/void", s.voidHandler)

		r.Post("/qr/webhook", s.webhookHandler)

		r.Get("/transactions/active", s.activeHandler)
		r.Get("/transactions/summary", s.summaryHandler)
		r.Get("/transactions/search", s.searchHandler)
		r.Get("/transactions/{invoice}", s.lookupHandler)
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(started).Round(time.Millisecond))
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.Logger.Infof("Starting API Server on %s", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info("Shutting down API Server...")
	return s.Shutdown(ctx)
}
