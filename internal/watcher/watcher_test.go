package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForEvent(t *testing.T, w *Watcher, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watcher event")
	}
	return Event{}
}

// ============================================================
// Detection
// ============================================================

func TestDetectsNewContainer(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "case.pfec")
	payload := []byte("sealed archive bytes")
	if err := os.WriteFile(path, payload, 0600); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, w, 5*time.Second)
	if ev.Path != path {
		t.Errorf("event path = %q, want %q", ev.Path, path)
	}
	if ev.Size != int64(len(payload)) {
		t.Errorf("event size = %d, want %d", ev.Size, len(payload))
	}

	sum := sha256.Sum256(payload)
	if ev.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("event digest = %s", ev.SHA256)
	}
}

func TestDetectsModifiedContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "case.pfec")
	if err := os.WriteFile(path, []byte("original"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{dir}, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Pre-existing file stabilizes first.
	first := waitForEvent(t, w, 5*time.Second)

	if err := os.WriteFile(path, []byte("tampered bytes"), 0600); err != nil {
		t.Fatal(err)
	}

	second := waitForEvent(t, w, 5*time.Second)
	if second.SHA256 == first.SHA256 {
		t.Error("modified container reported with unchanged digest")
	}
}

func TestIgnoresNonContainerFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(1 * time.Second):
	}
}

// ============================================================
// Lifecycle
// ============================================================

func TestStartMissingPath(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "gone")}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err == nil {
		w.Stop()
		t.Fatal("expected error for missing watch path")
	}
}

func TestStopClosesChannels(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, ok := <-w.Events(); ok {
		t.Error("events channel still open after Stop")
	}
}

func TestTrackedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.pfec"), []byte("a"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.pfec"), []byte("b"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skip.log"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{dir}, 10*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if got := w.TrackedFiles(); got != 2 {
		t.Errorf("TrackedFiles() = %d, want 2", got)
	}
}
