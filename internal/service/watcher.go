package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// IsRequestFile reports whether name is picked up from the inbox.
func IsRequestFile(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), ".json") || strings.EqualFold(base, ResultFileName)
}

// Watcher turns inbox file events into handler calls. Repeated events for
// one file name inside the debounce window are dropped, and each accepted
// file is handed over only after the settle delay.
type Watcher struct {
	logger   *logrus.Entry
	dir      string
	debounce time.Duration
	settle   time.Duration
	handle   func(path string)

	mutex    sync.Mutex
	lastSeen map[string]time.Time
	fsw      *fsnotify.Watcher
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewWatcher(logger *logrus.Entry, dir string, debounce, settle time.Duration, handle func(path string)) *Watcher {
	return &Watcher{
		logger:   logger,
		dir:      dir,
		debounce: debounce,
		settle:   settle,
		handle:   handle,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start begins watching and queues the files already in the inbox.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox %s: %w", w.dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	w.logger.Infof("Inbox watcher started, monitoring: %s (*.json, %s)", w.dir, ResultFileName)

	w.wg.Add(1)
	go w.loop(ctx)

	w.scanExisting(ctx)
	return nil
}

func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Errorf("Error scanning existing inbox files: %v", err)
		return
	}
	var found int
	for _, entry := range entries {
		if entry.IsDir() || !IsRequestFile(entry.Name()) {
			continue
		}
		found++
		w.trigger(ctx, filepath.Join(w.dir, entry.Name()))
	}
	w.logger.Infof("Found %d existing files in inbox", found)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Inbox watcher error: %v", err)
		}
	}
}

func (w *Watcher) onEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	switch {
	case event.Has(fsnotify.Create):
		if !IsRequestFile(name) {
			return
		}
		w.logger.Infof("New file detected: %s", event.Name)
	case event.Has(fsnotify.Write):
		// only the fixed request file is rewritten in place
		if !strings.EqualFold(name, ResultFileName) {
			return
		}
		w.logger.Infof("File change detected: %s", event.Name)
	default:
		return
	}
	w.trigger(ctx, event.Name)
}

// accept applies the per-name debounce.
func (w *Watcher) accept(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	now := w.now()

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if last, ok := w.lastSeen[name]; ok && now.Sub(last) < w.debounce {
		return false
	}
	w.lastSeen[name] = now
	for key, seen := range w.lastSeen {
		if now.Sub(seen) > 10*w.debounce {
			delete(w.lastSeen, key)
		}
	}
	return true
}

func (w *Watcher) trigger(ctx context.Context, path string) {
	if !w.accept(path) {
		w.logger.Debugf("Skipping duplicate processing for: %s", path)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		timer := time.NewTimer(w.settle)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := os.Stat(path); err != nil {
			w.logger.Warningf("File no longer exists: %s", path)
			return
		}
		w.handle(path)
	}()
}

// Stop closes the watcher and waits for queued settle timers.
func (w *Watcher) Stop() error {
	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}
