package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/service"
	"bridge-payments/internal/transaction"
	"bridge-payments/internal/vendors/clover"
	"bridge-payments/internal/vendors/qrmp"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status             string              `json:"status"`
	ConnectionState    string              `json:"connectionState"`
	PairingCode        string              `json:"pairingCode,omitempty"`
	PendingRequests    int                 `json:"pendingRequests"`
	ActiveTransactions int                 `json:"activeTransactions"`
	Transactions       []*transaction.File `json:"transactions"`
	PaymentProvider    string              `json:"paymentProvider"`
	UptimeSeconds      int64               `json:"uptimeSeconds"`
}

type terminalRequest struct {
	Amount     float64 `json:"amount"`
	PaymentID  string  `json:"paymentId"`
	OrderID    string  `json:"orderId"`
	FullRefund bool    `json:"fullRefund"`
}

type terminalResponse struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		s.Logger.Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:          "running",
		ConnectionState: "Unavailable",
		Transactions:    []*transaction.File{},
		PaymentProvider: s.deps.Settings.Get().PaymentProvider,
		UptimeSeconds:   int64(time.Since(s.start) / time.Second),
	}
	if t := s.deps.Terminal; t != nil {
		resp.ConnectionState = string(t.State())
		resp.PairingCode = t.PairingCode()
		resp.PendingRequests = t.PendingCount()
	}
	if s.deps.Registry != nil {
		resp.Transactions = s.deps.Registry.Snapshot()
		resp.ActiveTransactions = len(resp.Transactions)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Terminal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "terminal integration not available")
		return
	}
	s.deps.Terminal.Resume()
	s.Logger.Infof("Terminal connect requested via API")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.deps.Terminal.State())})
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Terminal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "terminal integration not available")
		return
	}
	if err := s.deps.Terminal.Disconnect(); err != nil {
		s.Logger.Warningf("Disconnect failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Logger.Infof("Terminal disconnected via API")
	s.writeJSON(w, http.StatusOK, map[string]string{"state": string(s.deps.Terminal.State())})
}

func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

func (s *Server) updateConfigHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Error reading request body")
		return
	}
	if err := s.deps.Settings.UpdateJSON(body); err != nil {
		s.Logger.Errorf("Config update rejected: %v", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Logger.Infof("Configuration updated via API")
	s.writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

func (s *Server) saleHandler(w http.ResponseWriter, r *http.Request) {
	var req service.SaleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	path, err := s.deps.Submit(req)
	if errors.Is(err, transaction.ErrValidation) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.Logger.Errorf("Failed to submit sale %s: %v", req.InvoiceNumber, err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Logger.Infof("Sale for invoice %s queued via API", req.InvoiceNumber)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"invoiceNumber": req.InvoiceNumber,
		"file":          path,
	})
}

func (s *Server) refundHandler(w http.ResponseWriter, r *http.Request) {
	s.terminalCall(w, r, func(req terminalRequest) (*clover.Envelope, error) {
		if req.PaymentID == "" {
			return nil, errMissing("paymentId")
		}
		return s.deps.Terminal.SendRefund(r.Context(), req.Amount, req.PaymentID, req.OrderID, req.FullRefund || req.Amount <= 0)
	})
}

func (s *Server) voidHandler(w http.ResponseWriter, r *http.Request) {
	s.terminalCall(w, r, func(req terminalRequest) (*clover.Envelope, error) {
		if req.PaymentID == "" {
			return nil, errMissing("paymentId")
		}
		return s.deps.Terminal.SendVoid(r.Context(), req.PaymentID, req.OrderID)
	})
}

type missingFieldError string

func (e missingFieldError) Error() string { return string(e) + " is required" }

func errMissing(field string) error { return missingFieldError(field) }

func (s *Server) terminalCall(w http.ResponseWriter, r *http.Request, call func(terminalRequest) (*clover.Envelope, error)) {
	if s.deps.Terminal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "terminal integration not available")
		return
	}
	var req terminalRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	env, err := call(req)
	var missing missingFieldError
	switch {
	case errors.As(err, &missing):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, clover.ErrNotConnected), errors.Is(err, clover.ErrNotPaired):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, clover.ErrRequestTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case err != nil:
		s.Logger.Errorf("Terminal request failed: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, terminalResponse{Method: env.Method, Payload: env.Payload.Document()})
	}
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.QR == nil {
		s.writeError(w, http.StatusServiceUnavailable, "QR integration not available")
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Error reading request body")
		return
	}

	paymentID, err := qrmp.PaymentID(body, r.URL.Query())
	if errors.Is(err, qrmp.ErrNotPaymentHook) {
		s.Logger.Debugf("Ignoring webhook: %v", err)
		s.writeJSON(w, http.StatusOK, map[string]bool{"received": true, "matched": false})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dataID := r.URL.Query().Get("data.id")
	if dataID == "" {
		dataID = paymentID
	}
	if err := s.deps.QR.VerifyWebhook(r.Header.Get("x-signature"), r.Header.Get("x-request-id"), dataID); err != nil {
		s.Logger.Warningf("Rejected webhook for payment %s: %v", paymentID, err)
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	matched, err := s.deps.QR.HandlePayment(r.Context(), paymentID)
	if err != nil {
		s.Logger.Errorf("Webhook payment %s could not be processed: %v", paymentID, err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"received": true, "matched": matched})
}

func (s *Server) activeHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request) {
	invoice := chi.URLParam(r, "invoice")

	for _, f := range s.deps.Registry.Snapshot() {
		if f.InvoiceNumber == invoice {
			s.writeJSON(w, http.StatusOK, f)
			return
		}
	}

	if s.deps.Index == nil {
		s.writeError(w, http.StatusServiceUnavailable, "result index not available")
		return
	}
	results, err := s.deps.Index.ByInvoice(invoice, 1)
	if err != nil {
		s.Logger.Errorf("Result lookup for %s failed: %v", invoice, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read result index")
		return
	}
	if len(results) == 0 {
		s.writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, results[0])
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.ParseInLocation("20060102", d, time.Local)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be yyyyMMdd")
			return
		}
		day = parsed
	}
	summary, err := s.deps.Log.Summary(day)
	if err != nil {
		s.Logger.Errorf("Summary for %s failed: %v", day.Format("20060102"), err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read transaction log")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	invoice := strings.TrimSpace(r.URL.Query().Get("invoice"))
	if invoice == "" {
		s.writeError(w, http.StatusBadRequest, "invoice parameter required")
		return
	}
	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	records, err := s.deps.Log.SearchByInvoice(invoice, days)
	if err != nil {
		s.Logger.Errorf("Search for %s failed: %v", invoice, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read transaction log")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
