package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"

	"github.com/sirupsen/logrus"
)

// ResultFileName is the fixed outbox file the ERP polls. The same name is
// accepted as an inbox request.
const ResultFileName = "cobro.txt"

const maxArchiveSuffix = 1000

// Finalizer persists a finished transaction. Order: processEnd, outbox,
// archive, daily log, result index, registry removal, inbox delete. The
// inbox file is kept when any durable write fails so a restart retries it.
type Finalizer struct {
	logger   *logrus.Entry
	folders  func() settings.FoldersConfig
	log      *core.TransactionLog
	index    *core.ResultIndex
	registry *Registry
	metrics  *core.Metrics
	now      func() time.Time
}

func NewFinalizer(logger *logrus.Entry, folders func() settings.FoldersConfig, log *core.TransactionLog, index *core.ResultIndex, registry *Registry, metrics *core.Metrics) *Finalizer {
	return &Finalizer{
		logger:   logger,
		folders:  folders,
		log:      log,
		index:    index,
		registry: registry,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Finalize writes f everywhere and removes handle and inboxPath. Either may
// be empty.
func (fz *Finalizer) Finalize(handle string, f *transaction.File, inboxPath string) error {
	end := fz.now()
	f.MarkProcessEnd(end)

	start := f.Timestamps.Received
	if f.Timestamps.ProcessStart != nil {
		start = *f.Timestamps.ProcessStart
	}
	duration := end.Sub(start).Seconds()
	f.AddLog(transaction.LogFinalized, fmt.Sprintf("Transaction finalized with status: %s", f.Status),
		fmt.Sprintf("Duration: %.2fs", duration))

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transaction %s: %w", f.TransactionID, err)
	}

	folders := fz.folders()
	if err := core.EnsureDirectories(folders.Outbox, folders.Archive); err != nil {
		return err
	}

	if err := writeFileAtomic(filepath.Join(folders.Outbox, ResultFileName), data); err != nil {
		fz.abandon(handle)
		return fmt.Errorf("failed to write outbox result: %w", err)
	}
	fz.logger.Infof("Result written to OUTBOX: %s status=%s", ResultFileName, f.Status)

	archiveName, err := WriteArchive(folders.Archive, f.InvoiceNumber, end, data)
	if err != nil {
		fz.abandon(handle)
		return fmt.Errorf("failed to write archive copy: %w", err)
	}
	fz.logger.Infof("Archive copy saved: %s status=%s entries=%d", archiveName, f.Status, len(f.Log))

	if fz.log != nil {
		if err := fz.log.Append(f); err != nil {
			fz.abandon(handle)
			return err
		}
	}

	if fz.index != nil {
		if err := fz.index.Put(f); err != nil {
			fz.logger.Warningf("Failed to index result %s: %v", f.TransactionID, err)
		}
	}
	if fz.metrics != nil {
		fz.metrics.ObserveFinalized(f.Provider, string(f.Status), f.ProcessingSeconds())
	}

	fz.abandon(handle)

	if inboxPath != "" {
		if err := os.Remove(inboxPath); err != nil && !os.IsNotExist(err) {
			fz.logger.Errorf("Error deleting inbox file %s: %v", inboxPath, err)
		} else {
			fz.logger.Infof("INBOX file deleted: %s", inboxPath)
		}
	}

	fz.logger.Infof("Transaction finalized: invoice=%s status=%s duration=%.2fs", f.InvoiceNumber, f.Status, duration)
	return nil
}

func (fz *Finalizer) abandon(handle string) {
	if handle != "" && fz.registry != nil {
		fz.registry.Remove(handle)
	}
}

// WriteArchive stores data under the first free name for invoice in dir:
// {invoice}.txt, then {invoice}_2.txt up to _1000, then a timestamped name.
// Names are claimed with O_EXCL so concurrent finalizations of one invoice
// never share a file.
func WriteArchive(dir, invoice string, now time.Time, data []byte) (string, error) {
	if invoice == "" {
		invoice = "unknown"
	}
	for suffix := 1; suffix <= maxArchiveSuffix+1; suffix++ {
		var name string
		switch {
		case suffix == 1:
			name = invoice + ".txt"
		case suffix <= maxArchiveSuffix:
			name = fmt.Sprintf("%s_%d.txt", invoice, suffix)
		default:
			name = fmt.Sprintf("%s_%s.txt", invoice, now.Format("20060102_150405"))
		}

		file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := file.Write(data); err != nil {
			_ = file.Close()
			return name, err
		}
		return name, file.Close()
	}
	return "", fmt.Errorf("no free archive name for invoice %s", invoice)
}

// writeFileAtomic replaces path so a polling reader never sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
