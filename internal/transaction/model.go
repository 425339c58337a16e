package transaction

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending           Status = "Pending"
	StatusProcessing        Status = "Processing"
	StatusSuccessful        Status = "Successful"
	StatusCancelled         Status = "Cancelled"
	StatusTimeout           Status = "Timeout"
	StatusInsufficientFunds Status = "InsufficientFunds"
	StatusFailed            Status = "Failed"
)

// IsTerminal reports whether s is one of the final outcomes.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusCancelled, StatusTimeout, StatusInsufficientFunds, StatusFailed:
		return true
	}
	return false
}

// Provider names as they appear in inbox files and config.
const (
	ProviderClover = "CLOVER"
	ProviderQR     = "QRMP"
)

// Log entry types written into File.Log.
const (
	LogReceived          = "RECEIVED"
	LogValidationError   = "VALIDATION_ERROR"
	LogSentToTerminal    = "SENT_TO_TERMINAL"
	LogMPOrderCreating   = "MP_ORDER_CREATING"
	LogMPOrderCreated    = "MP_ORDER_CREATED"
	LogTimeout           = "TIMEOUT"
	LogResponseReceived  = "RESPONSE_RECEIVED"
	LogResultProcessed   = "RESULT_PROCESSED"
	LogFinalized         = "FINALIZED"
	LogPaymentSuccess    = "PAYMENT_SUCCESS"
	LogCancelled         = "CANCELLED"
	LogInsufficientFunds = "INSUFFICIENT_FUNDS"
	LogFailed            = "FAILED"
	LogMPPaid            = "MP_PAID"
	LogMPFailed          = "MP_FAILED"
)

type Timestamps struct {
	Received       time.Time  `json:"received"`
	ProcessStart   *time.Time `json:"processStart,omitempty"`
	SentToProvider *time.Time `json:"sentToProvider,omitempty"`
	ProcessEnd     *time.Time `json:"processEnd,omitempty"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

// MPDetail is the QR wallet section of PaymentInfo.
type MPDetail struct {
	PaymentID    string `json:"paymentId"`
	Status       string `json:"status"`
	StatusDetail string `json:"statusDetail,omitempty"`
	DateApproved string `json:"dateApproved,omitempty"`
}

type PaymentInfo struct {
	PaymentID         string     `json:"paymentId,omitempty"`
	OrderID           string     `json:"orderId,omitempty"`
	TotalAmount       float64    `json:"totalAmount"`
	Tip               *float64   `json:"tip,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	CardBrand         string     `json:"cardBrand,omitempty"`
	CardLast4         string     `json:"cardLast4,omitempty"`
	CardFirst6        string     `json:"cardFirst6,omitempty"`
	AuthCode          string     `json:"authCode,omitempty"`
	EntryType         string     `json:"entryType,omitempty"`
	CardType          string     `json:"cardType,omitempty"`
	ReferenceID       string     `json:"referenceId,omitempty"`
	TransactionNo     string     `json:"transactionNo,omitempty"`
	PaymentMethod     string     `json:"paymentMethod,omitempty"`
	TenderLabel       string     `json:"tenderLabel,omitempty"`
	PaymentNote       string     `json:"paymentNote,omitempty"`
	DeviceID          string     `json:"deviceId,omitempty"`
	MerchantID        string     `json:"merchantId,omitempty"`
	EmployeeID        string     `json:"employeeId,omitempty"`
	TransactionTime   *time.Time `json:"transactionTime,omitempty"`
	ExternalPaymentID string     `json:"externalPaymentId,omitempty"`
	MP                *MPDetail  `json:"mp,omitempty"`
}

// File is the workflow entity: held in the active registry while in flight and
// written to the outbox, archive and daily log once final.
type File struct {
	TransactionID           string       `json:"transactionId"`
	ExternalID              string       `json:"externalId"`
	InvoiceNumber           string       `json:"invoiceNumber"`
	Amount                  float64      `json:"amount"`
	Currency                string       `json:"currency,omitempty"`
	Notes                   string       `json:"notes,omitempty"`
	Provider                string       `json:"provider"`
	Type                    string       `json:"type"`
	Status                  Status       `json:"status"`
	Timestamps              Timestamps   `json:"timestamps"`
	TimeoutRemainingSeconds *int         `json:"timeoutRemainingSeconds,omitempty"`
	PaymentInfo             *PaymentInfo `json:"paymentInfo,omitempty"`
	ErrorMessage            string       `json:"errorMessage,omitempty"`
	ErrorCode               string       `json:"errorCode,omitempty"`
	Log                     []LogEntry   `json:"log"`
}

// NewFile builds a Pending file from an inbox request.
func NewFile(req Request, now time.Time) *File {
	return &File{
		TransactionID: req.TransactionID,
		ExternalID:    req.ExternalID,
		InvoiceNumber: req.InvoiceNumber,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Notes:         req.Notes,
		Provider:      req.Provider,
		Type:          "SALE",
		Status:        StatusPending,
		Timestamps:    Timestamps{Received: now.UTC()},
		Log:           []LogEntry{},
	}
}

func (f *File) AddLog(typ, message, detail string) {
	f.Log = append(f.Log, LogEntry{
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Message:   message,
		Detail:    detail,
	})
}

// SetStatus moves the file forward. A terminal status is never replaced; the
// return value reports whether the transition happened.
func (f *File) SetStatus(s Status) bool {
	if f.Status.IsTerminal() {
		return false
	}
	f.Status = s
	if s != StatusProcessing {
		f.TimeoutRemainingSeconds = nil
	}
	return true
}

// Clone returns a deep copy safe to hand to readers outside the registry.
func (f *File) Clone() *File {
	data, err := json.Marshal(f)
	if err != nil {
		cp := *f
		return &cp
	}
	var out File
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *f
		return &cp
	}
	return &out
}

// ProcessingSeconds is the wall time between processStart and processEnd.
func (f *File) ProcessingSeconds() *float64 {
	if f.Timestamps.ProcessStart == nil || f.Timestamps.ProcessEnd == nil {
		return nil
	}
	d := f.Timestamps.ProcessEnd.Sub(*f.Timestamps.ProcessStart).Seconds()
	return &d
}

func timePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// MarkProcessStart stamps processStart once.
func (f *File) MarkProcessStart(now time.Time) {
	if f.Timestamps.ProcessStart == nil {
		f.Timestamps.ProcessStart = timePtr(now)
	}
}

func (f *File) MarkSentToProvider(now time.Time) {
	f.Timestamps.SentToProvider = timePtr(now)
}

func (f *File) MarkProcessEnd(now time.Time) {
	f.Timestamps.ProcessEnd = timePtr(now)
	f.TimeoutRemainingSeconds = nil
}
