package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dbak/internal/logging"
	"dbak/internal/model"
)

// fakeLister serves PathsUnder from a fixed list, the way the index would.
type fakeLister struct {
	paths []string
}

func (l *fakeLister) PathsUnder(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for _, p := range l.paths {
		if p == dir || strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func startWatcher(t *testing.T, dir string, lister TrackedLister, buffer int) *Watcher {
	t.Helper()
	w, err := New(lister, logging.NewNopLogger(), buffer)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.AddRoot(dir); err != nil {
		t.Fatalf("AddRoot() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w
}

// waitForEvent consumes events until one matches op and path, failing the
// test on timeout. Unrelated events (noise from the kernel) are skipped.
func waitForEvent(t *testing.T, w *Watcher, op model.EventOp, path string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s %s", op, path)
			}
			if ev.Op == op && ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", op, path)
		}
	}
}

func TestWatcher_Create(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil, 64)

	path := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	waitForEvent(t, w, model.EventCreate, path)
}

func TestWatcher_Modify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	w := startWatcher(t, dir, nil, 64)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("opening file: %v", err)
	}
	if _, err := f.WriteString("more"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	f.Close()

	waitForEvent(t, w, model.EventModify, path)
}

func TestWatcher_Delete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	w := startWatcher(t, dir, nil, 64)

	if err := os.Remove(path); err != nil {
		t.Fatalf("removing file: %v", err)
	}

	waitForEvent(t, w, model.EventDelete, path)
}

func TestWatcher_RenameDeliversBothHalves(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(oldPath, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	w := startWatcher(t, dir, nil, 64)

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("renaming: %v", err)
	}

	waitForEvent(t, w, model.EventRename, oldPath)
	waitForEvent(t, w, model.EventCreate, newPath)
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil, 64)

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	inner := filepath.Join(sub, "inner.txt")
	if err := os.WriteFile(inner, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	// Whether the file creation beats the new watch or not, the file must be
	// announced: either by the watch or by the registration walk.
	waitForEvent(t, w, model.EventCreate, inner)
}

func TestWatcher_DirectoryDeleteSynthesizesFileEvents(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	a := filepath.Join(sub, "a.txt")
	b := filepath.Join(sub, "b.txt")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("writing file: %v", err)
		}
	}

	lister := &fakeLister{paths: []string{a, b}}
	w := startWatcher(t, dir, lister, 64)

	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("removing dir: %v", err)
	}

	waitForEvent(t, w, model.EventDelete, a)
	waitForEvent(t, w, model.EventDelete, b)
}

func TestWatcher_OverflowDegradation(t *testing.T) {
	dir := t.TempDir()
	// A one-slot channel with nobody reading: the burst must degrade into an
	// overflow event instead of being dropped silently.
	w := startWatcher(t, dir, nil, 1)

	for i := 0; i < 20; i++ {
		path := filepath.Join(dir, "f"+string(rune('a'+i))+".txt")
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("writing file: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("event channel closed before overflow arrived")
			}
			if ev.Op == model.EventOverflow {
				if ev.Path != dir {
					t.Errorf("overflow path = %s, want %s", ev.Path, dir)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for overflow event")
		}
	}
}

func TestWatcher_FinalFlushNeverBlocks(t *testing.T) {
	w, err := New(nil, logging.NewNopLogger(), 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	// Fill the delivery channel so the final flush cannot send, then make
	// sure it still returns instead of wedging shutdown.
	w.events <- model.Event{Op: model.EventCreate, Path: "/full"}
	w.queueOverflow("/burst")

	done := make(chan struct{})
	go func() {
		w.flushOverflow(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("final flushOverflow blocked on a full channel")
	}
	if len(w.overflow) != 0 {
		t.Errorf("overflow marks left after final flush: %v", w.overflow)
	}
}

func TestWatcher_CloseEndsRun(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil, logging.NewNopLogger(), 8)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.AddRoot(dir); err != nil {
		t.Fatalf("AddRoot() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after Close()")
	}

	// The event channel must be closed.
	select {
	case _, ok := <-w.Events():
		if ok {
			// Drain anything pending; the channel still has to close.
			for range w.Events() {
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel never closed")
	}
}
