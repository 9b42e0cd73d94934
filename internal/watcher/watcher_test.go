package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const settle = 200 * time.Millisecond

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w, err := New(dir, settle)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, w *Watcher, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Errorf("unexpected event for %s", ev.Path)
	case <-time.After(wait):
	}
}

func TestDigestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte("[]"), 0600); err != nil {
		t.Fatal(err)
	}

	d1, size, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	if size != 2 {
		t.Errorf("expected size 2, got %d", size)
	}
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(d1))
	}

	if err := os.WriteFile(path, []byte("[ ]"), 0600); err != nil {
		t.Fatal(err)
	}
	d2, _, _ := DigestFile(path)
	if d1 == d2 {
		t.Error("digest should change with content")
	}
}

func TestDigestFileNotFound(t *testing.T) {
	if _, _, err := DigestFile("/nonexistent/events.json"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestWatcherReportsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.ndjson")
	if err := os.WriteFile(existing, []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, dir)
	if w.Pending() != 1 {
		t.Errorf("expected 1 pending file, got %d", w.Pending())
	}

	ev := waitEvent(t, w)
	if filepath.Base(ev.Path) != "existing.ndjson" {
		t.Errorf("unexpected path %s", ev.Path)
	}
	if ev.Size != 3 {
		t.Errorf("expected size 3, got %d", ev.Size)
	}
}

func TestWatcherNewFile(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	path := filepath.Join(dir, "export.json")
	if err := os.WriteFile(path, []byte(`[{"id":"a"}]`), 0600); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w)
	if ev.Path != filepath.Join(w.Dir(), "export.json") {
		t.Errorf("expected %s, got %s", path, ev.Path)
	}
	want, _, _ := DigestFile(path)
	if ev.Digest != want {
		t.Errorf("digest mismatch")
	}
}

func TestWatcherDebounce(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	path := filepath.Join(dir, "growing.jsonl")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("v"+string(rune('0'+i))), 0600); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		time.Sleep(settle / 4)
	}

	waitEvent(t, w)
	expectNoEvent(t, w, 3*settle)
}

func TestWatcherSkipsUnchangedRewrite(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	path := filepath.Join(dir, "export.json")
	content := []byte("[]")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w)

	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, w, 4*settle)

	if err := os.WriteFile(path, []byte("[ ]"), 0600); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w)
}
