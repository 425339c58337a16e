package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"
	"bridge-payments/internal/transaction"
)

func testFolders(t *testing.T) settings.FoldersConfig {
	t.Helper()
	root := t.TempDir()
	folders := settings.FoldersConfig{
		Inbox:   filepath.Join(root, "INBOX"),
		Outbox:  filepath.Join(root, "OUTBOX"),
		Archive: filepath.Join(root, "ARCHIVE"),
	}
	if err := core.EnsureDirectories(folders.Inbox, folders.Outbox, folders.Archive); err != nil {
		t.Fatal(err)
	}
	return folders
}

func TestWriteArchive(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

	for _, want := range []string{"INV-1.txt", "INV-1_2.txt", "INV-1_3.txt"} {
		got, err := WriteArchive(dir, "INV-1", now, []byte(want))
		if err != nil {
			t.Fatalf("WriteArchive failed: %v", err)
		}
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "INV-1.txt")); string(data) != "INV-1.txt" {
		t.Errorf("first archive copy was overwritten: %q", data)
	}

	_ = os.WriteFile(filepath.Join(dir, "INV-9.txt"), nil, 0o644)
	for i := 2; i <= maxArchiveSuffix; i++ {
		_ = os.WriteFile(filepath.Join(dir, "INV-9_"+strconv.Itoa(i)+".txt"), nil, 0o644)
	}
	if got, err := WriteArchive(dir, "INV-9", now, nil); err != nil || got != "INV-9_20261014_093000.txt" {
		t.Errorf("got %s (%v), want timestamp fallback", got, err)
	}
	if _, err := WriteArchive(dir, "INV-9", now, nil); err == nil {
		t.Error("Expected an error once every name is taken")
	}

	if got, _ := WriteArchive(dir, "", now, nil); got != "unknown.txt" {
		t.Errorf("got %s, want unknown.txt", got)
	}
}

func TestWriteArchive_Concurrent(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	const writers = 16
	names := make(chan string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := WriteArchive(dir, "INV-C", now, []byte("x"))
			if err != nil {
				t.Errorf("WriteArchive failed: %v", err)
			}
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]bool{}
	for name := range names {
		if seen[name] {
			t.Errorf("archive name %s handed out twice", name)
		}
		seen[name] = true
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != writers {
		t.Errorf("Expected %d archive files, got %d", writers, len(entries))
	}
}

func TestFinalizer_WritesEverythingThenDeletesInbox(t *testing.T) {
	folders := testFolders(t)
	registry := NewRegistry(nil)
	txlog := core.NewTransactionLog(folders.Archive, core.DiscardLogger())
	fz := NewFinalizer(core.DiscardLogger(), func() settings.FoldersConfig { return folders }, txlog, nil, registry, nil)

	inbox := filepath.Join(folders.Inbox, "cobro.txt")
	if err := os.WriteFile(inbox, []byte(`{"invoiceNumber":"INV-1","amount":10}`), 0o644); err != nil {
		t.Fatal(err)
	}

	f := transaction.NewFile(transaction.Request{TransactionID: "tx-1", InvoiceNumber: "INV-1", Amount: 10, Provider: "CLOVER"}, time.Now())
	f.MarkProcessStart(time.Now())
	handle, _, _ := registry.Add(context.Background(), f)
	f.SetStatus(transaction.StatusSuccessful)

	if err := fz.Finalize(handle, f, inbox); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(folders.Outbox, ResultFileName))
	if err != nil {
		t.Fatalf("outbox missing: %v", err)
	}
	var out transaction.File
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != transaction.StatusSuccessful || out.Timestamps.ProcessEnd == nil {
		t.Errorf("outbox: status %s processEnd %v", out.Status, out.Timestamps.ProcessEnd)
	}
	last := out.Log[len(out.Log)-1]
	if last.Type != transaction.LogFinalized || !strings.HasPrefix(last.Detail, "Duration: ") || !strings.HasSuffix(last.Detail, "s") {
		t.Errorf("last log entry: %+v", last)
	}

	if _, err := os.Stat(filepath.Join(folders.Archive, "INV-1.txt")); err != nil {
		t.Errorf("archive copy missing: %v", err)
	}
	if _, err := os.Stat(txlog.FileFor(time.Now())); err != nil {
		t.Errorf("daily log missing: %v", err)
	}
	if _, err := os.Stat(inbox); !os.IsNotExist(err) {
		t.Errorf("inbox file should be deleted, stat err=%v", err)
	}
	if registry.Len() != 0 {
		t.Error("registry entry should be removed")
	}
}

func TestFinalizer_KeepsInboxWhenOutboxFails(t *testing.T) {
	folders := testFolders(t)
	// a regular file where the outbox directory should be
	blocked := filepath.Join(t.TempDir(), "OUTBOX")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	folders.Outbox = blocked
	fz := NewFinalizer(core.DiscardLogger(), func() settings.FoldersConfig { return folders }, nil, nil, nil, nil)

	inbox := filepath.Join(folders.Inbox, "a.json")
	_ = os.WriteFile(inbox, []byte(`{}`), 0o644)

	f := transaction.NewFile(transaction.Request{InvoiceNumber: "INV-2", Amount: 1}, time.Now())
	f.SetStatus(transaction.StatusFailed)
	if err := fz.Finalize("", f, inbox); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := os.Stat(inbox); err != nil {
		t.Errorf("inbox file must survive a failed finalize: %v", err)
	}
}
