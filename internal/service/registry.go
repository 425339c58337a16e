package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"bridge-payments/internal/core"
	"bridge-payments/internal/transaction"
)

var ErrDuplicateTransaction = errors.New("transaction already active")

type activeEntry struct {
	file   *transaction.File
	cancel context.CancelFunc
}

// Registry is the arena of in-flight transactions. Each entry owns a cancel
// scope that ends when the entry is removed. The key is the transactionId at
// registration; it stays the handle even if the file's id changes later.
type Registry struct {
	mutex   sync.RWMutex
	entries map[string]*activeEntry
	metrics *core.Metrics
}

func NewRegistry(metrics *core.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*activeEntry),
		metrics: metrics,
	}
}

// Add registers f under its transactionId and returns the context scoped to
// the transaction's lifetime.
func (r *Registry) Add(parent context.Context, f *transaction.File) (string, context.Context, error) {
	handle := f.TransactionID

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.entries[handle]; exists {
		return "", nil, ErrDuplicateTransaction
	}
	ctx, cancel := context.WithCancel(parent)
	r.entries[handle] = &activeEntry{file: f, cancel: cancel}
	r.setGauge()
	return handle, ctx, nil
}

// Update runs fn on the live file under the registry lock.
func (r *Registry) Update(handle string, fn func(f *transaction.File)) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	e, ok := r.entries[handle]
	if !ok {
		return false
	}
	fn(e.file)
	return true
}

// Get returns a copy of the live file.
func (r *Registry) Get(handle string) (*transaction.File, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	e, ok := r.entries[handle]
	if !ok {
		return nil, false
	}
	return e.file.Clone(), true
}

// Snapshot copies every active file, oldest first.
func (r *Registry) Snapshot() []*transaction.File {
	r.mutex.RLock()
	files := make([]*transaction.File, 0, len(r.entries))
	for _, e := range r.entries {
		files = append(files, e.file.Clone())
	}
	r.mutex.RUnlock()

	sort.Slice(files, func(i, j int) bool {
		return files[i].Timestamps.Received.Before(files[j].Timestamps.Received)
	})
	return files
}

// Remove drops the entry and cancels its scope. It reports whether the entry
// existed.
func (r *Registry) Remove(handle string) bool {
	r.mutex.Lock()
	e, ok := r.entries[handle]
	if ok {
		delete(r.entries, handle)
		r.setGauge()
	}
	r.mutex.Unlock()

	if ok {
		e.cancel()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}

// CancelAll ends every transaction scope without removing the entries.
func (r *Registry) CancelAll() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, e := range r.entries {
		e.cancel()
	}
}

func (r *Registry) setGauge() {
	if r.metrics != nil {
		r.metrics.ActiveTransactions.Set(float64(len(r.entries)))
	}
}
