package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bridge-payments/internal/transaction"

	"github.com/sirupsen/logrus"
)

// LogRecord is one line of the daily transaction log.
type LogRecord struct {
	TransactionID          string                   `json:"transactionId"`
	InvoiceNumber          string                   `json:"invoiceNumber"`
	ExternalID             string                   `json:"externalId"`
	Amount                 float64                  `json:"amount"`
	Currency               string                   `json:"currency,omitempty"`
	Provider               string                   `json:"provider"`
	Status                 string                   `json:"status"`
	Type                   string                   `json:"type"`
	ReceivedTime           time.Time                `json:"receivedTime"`
	ProcessStartTime       *time.Time               `json:"processStartTime,omitempty"`
	SentToProviderTime     *time.Time               `json:"sentToProviderTime,omitempty"`
	ProcessEndTime         *time.Time               `json:"processEndTime,omitempty"`
	TotalProcessingSeconds *float64                 `json:"totalProcessingSeconds,omitempty"`
	PaymentInfo            *transaction.PaymentInfo `json:"paymentInfo,omitempty"`
	ErrorMessage           string                   `json:"errorMessage,omitempty"`
	ErrorCode              string                   `json:"errorCode,omitempty"`
	TransactionLog         []transaction.LogEntry   `json:"transactionLog"`
	Notes                  string                   `json:"notes,omitempty"`
}

// RecordFromFile flattens a finalized file into a log record.
func RecordFromFile(f *transaction.File) LogRecord {
	return LogRecord{
		TransactionID:          f.TransactionID,
		InvoiceNumber:          f.InvoiceNumber,
		ExternalID:             f.ExternalID,
		Amount:                 f.Amount,
		Currency:               f.Currency,
		Provider:               f.Provider,
		Status:                 string(f.Status),
		Type:                   f.Type,
		ReceivedTime:           f.Timestamps.Received,
		ProcessStartTime:       f.Timestamps.ProcessStart,
		SentToProviderTime:     f.Timestamps.SentToProvider,
		ProcessEndTime:         f.Timestamps.ProcessEnd,
		TotalProcessingSeconds: f.ProcessingSeconds(),
		PaymentInfo:            f.PaymentInfo,
		ErrorMessage:           f.ErrorMessage,
		ErrorCode:              f.ErrorCode,
		TransactionLog:         f.Log,
		Notes:                  f.Notes,
	}
}

// Summary aggregates one day of the log.
type Summary struct {
	Date                     string  `json:"date"`
	TotalTransactions        int     `json:"totalTransactions"`
	SuccessfulCount          int     `json:"successfulCount"`
	FailedCount              int     `json:"failedCount"`
	CancelledCount           int     `json:"cancelledCount"`
	TimeoutCount             int     `json:"timeoutCount"`
	InsufficientFundsCount   int     `json:"insufficientFundsCount"`
	TotalAmount              float64 `json:"totalAmount"`
	AverageProcessingSeconds float64 `json:"averageProcessingSeconds"`
}

// TransactionLog appends finalized transactions to one JSON-Lines file per day
// under <archive>/TransactionLog.
type TransactionLog struct {
	logDir string
	mutex  sync.Mutex
	logger *logrus.Entry
}

func NewTransactionLog(archiveDir string, logger *logrus.Entry) *TransactionLog {
	logDir := filepath.Join(archiveDir, "TransactionLog")
	_ = os.MkdirAll(logDir, 0o755)
	return &TransactionLog{
		logDir: logDir,
		logger: logger,
	}
}

// FileFor returns the log path for the calendar day of t.
func (l *TransactionLog) FileFor(t time.Time) string {
	return filepath.Join(l.logDir, fmt.Sprintf("transactions_%s.jsonl", t.Format("20060102")))
}

// Append writes one line for f. The write is flushed before returning.
func (l *TransactionLog) Append(f *transaction.File) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entryBytes, err := json.Marshal(RecordFromFile(f))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction record: %w", err)
	}
	entryBytes = append(entryBytes, '\n')

	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create transaction log directory: %w", err)
	}
	filename := l.FileFor(time.Now())
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err = file.Write(entryBytes); err != nil {
		return fmt.Errorf("failed to write transaction record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transaction log: %w", err)
	}

	l.logger.Infof("Transaction logged: invoice=%s status=%s file=%s", f.InvoiceNumber, f.Status, filepath.Base(filename))
	return nil
}

func (l *TransactionLog) readDay(day time.Time) ([]LogRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	file, err := os.Open(l.FileFor(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var records []LogRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			l.logger.Warningf("Skipping malformed transaction log line: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Summary reports per-status counts for the given day.
func (l *TransactionLog) Summary(day time.Time) (Summary, error) {
	summary := Summary{Date: day.Format("20060102")}

	records, err := l.readDay(day)
	if err != nil {
		return summary, err
	}

	var totalSeconds float64
	var timed int
	for _, rec := range records {
		summary.TotalTransactions++
		switch transaction.Status(rec.Status) {
		case transaction.StatusSuccessful:
			summary.SuccessfulCount++
			summary.TotalAmount += rec.Amount
		case transaction.StatusFailed:
			summary.FailedCount++
		case transaction.StatusCancelled:
			summary.CancelledCount++
		case transaction.StatusTimeout:
			summary.TimeoutCount++
		case transaction.StatusInsufficientFunds:
			summary.InsufficientFundsCount++
		}
		if rec.TotalProcessingSeconds != nil {
			totalSeconds += *rec.TotalProcessingSeconds
			timed++
		}
	}
	if timed > 0 {
		summary.AverageProcessingSeconds = totalSeconds / float64(timed)
	}
	return summary, nil
}

// SearchByInvoice scans today and the previous daysBack-1 days.
func (l *TransactionLog) SearchByInvoice(invoice string, daysBack int) ([]LogRecord, error) {
	if daysBack <= 0 {
		daysBack = 7
	}
	results := []LogRecord{}
	now := time.Now()
	for i := 0; i < daysBack; i++ {
		records, err := l.readDay(now.AddDate(0, 0, -i))
		if err != nil {
			return results, err
		}
		for _, rec := range records {
			if rec.InvoiceNumber == invoice {
				results = append(results, rec)
			}
		}
	}
	return results, nil
}
