package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bridge-payments/internal/transaction"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Finalized results stay queryable for three days; the archive and daily
// log remain the durable record.
const resultTTL = 72 * time.Hour

// ErrNotFound is returned when no indexed result matches.
var ErrNotFound = errors.New("result not found")

const (
	maintenanceInterval = 10 * time.Minute
	evictBatch          = 500

	resultPrefix = "result_"
	txidPrefix   = "txid_"
	recentPrefix = "recent_"
)

// ResultIndex keeps finalized transaction snapshots queryable by invoice,
// transaction id and recency.
type ResultIndex struct {
	db      *badger.DB
	maxSize int64
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logrus.Entry
}

func NewResultIndex(dir string, maxSizeGB int, logger *logrus.Entry) (*ResultIndex, error) {
	if err := removeStaleLock(dir); err != nil {
		logger.Warningf("Result index lock left behind: %v", err)
	}

	db, err := badger.Open(badger.DefaultOptions(dir).
		WithNumVersionsToKeep(1).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(32 << 20).
		WithBlockCacheSize(8 << 20).
		WithCompactL0OnClose(true).
		WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open result index %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	index := &ResultIndex{
		db:      db,
		maxSize: int64(maxSizeGB) << 30,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	go index.maintain(maintenanceInterval)
	return index, nil
}

// Put records a finalized snapshot.
func (s *ResultIndex) Put(f *transaction.File) error {
	end := time.Now()
	if f.Timestamps.ProcessEnd != nil {
		end = *f.Timestamps.ProcessEnd
	}
	// Format: "result_<invoice>_<timestamp>_<txid>"
	key := fmt.Sprintf("%s%s_%020d_%s", resultPrefix, f.InvoiceNumber, end.UnixNano(), f.TransactionID)

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(resultTTL)); err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry([]byte(txidPrefix+f.TransactionID), []byte(key)).WithTTL(resultTTL)); err != nil {
			return err
		}
		recentKey := fmt.Sprintf("%s%020d_%s", recentPrefix, end.UnixNano(), f.TransactionID)
		return txn.SetEntry(badger.NewEntry([]byte(recentKey), []byte(key)).WithTTL(resultTTL))
	})
	if err != nil {
		return fmt.Errorf("failed to index result: %w", err)
	}

	s.logger.Debugf("Indexed result: %s (%s)", f.TransactionID, f.Status)
	return nil
}

// ByInvoice returns up to limit results for an invoice, newest first.
func (s *ResultIndex) ByInvoice(invoice string, limit int) ([]*transaction.File, error) {
	var results []*transaction.File

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(resultPrefix + invoice + "_")
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && (limit <= 0 || len(results) < limit); it.Next() {
			var f transaction.File
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				continue
			}
			results = append(results, &f)
		}
		return nil
	})
	return results, err
}

// ByTransactionID looks a result up by its transaction id.
func (s *ResultIndex) ByTransactionID(id string) (*transaction.File, error) {
	var f *transaction.File

	err := s.db.View(func(txn *badger.Txn) error {
		ref, err := txn.Get([]byte(txidPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		f, err = s.load(txn, key)
		return err
	})
	return f, err
}

// Recent returns the latest limit results across all invoices.
func (s *ResultIndex) Recent(limit int) ([]*transaction.File, error) {
	var results []*transaction.File

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(recentPrefix)
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && (limit <= 0 || len(results) < limit); it.Next() {
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			f, err := s.load(txn, key)
			if err != nil {
				continue
			}
			results = append(results, f)
		}
		return nil
	})
	return results, err
}

func (s *ResultIndex) load(txn *badger.Txn, key []byte) (*transaction.File, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var f transaction.File
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *ResultIndex) maintain(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if lsm, vlog := s.db.Size(); s.maxSize > 0 && lsm+vlog >= s.maxSize*80/100 {
			s.logger.Warningf("Result index near its limit (%d MB of %d MB), evicting oldest results", (lsm+vlog)>>20, s.maxSize>>20)
			if n, err := s.evictOldest(evictBatch); err != nil {
				s.logger.Errorf("Result index eviction failed: %v", err)
			} else {
				s.logger.Infof("Evicted %d results", n)
			}
		}

		// expired entries only free space once the value log is rewritten
		if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Errorf("Result index value log GC failed: %v", err)
		}
	}
}

// evictOldest drops up to n results in finalization order, with their
// transaction id and recency keys.
func (s *ResultIndex) evictOldest(n int) (int, error) {
	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(doomed) < 3*n; it.Next() {
			recent := it.Item().KeyCopy(nil)
			resultKey, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			doomed = append(doomed, recent, resultKey)
			// recent_<20-digit ts>_<txid>
			if len(recent) > len(recentPrefix)+21 {
				doomed = append(doomed, []byte(txidPrefix+string(recent[len(recentPrefix)+21:])))
			}
		}
		return nil
	})
	if err != nil || len(doomed) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	evicted := 0
	for _, key := range doomed {
		if strings.HasPrefix(string(key), recentPrefix) {
			evicted++
		}
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	return evicted, wb.Flush()
}

func (s *ResultIndex) Close() error {
	s.cancel()
	return s.db.Close()
}

// removeStaleLock deletes a LOCK file left by a killed process. Open still
// fails if another live process holds the directory.
func removeStaleLock(dir string) error {
	err := os.Remove(filepath.Join(dir, "LOCK"))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}
