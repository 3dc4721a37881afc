package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/codexkb/server/store"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	e := New(Config{
		CommitInterval: 100 * time.Millisecond,
		BatchInterval:  50 * time.Millisecond,
		WatchDebounce:  20 * time.Millisecond,
		MoveWindow:     500 * time.Millisecond,
	})
	t.Cleanup(e.Shutdown)

	root := t.TempDir()
	if err := e.OpenNotebook(1, root); err != nil {
		t.Fatalf("OpenNotebook: %v", err)
	}
	// TempDir may sit behind symlinks (macOS); use the canonical root.
	root, err := e.Root(1)
	if err != nil {
		t.Fatal(err)
	}
	return e, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPublishAndWait(t *testing.T) {
	e, root := newTestEngine(t)

	writeFile(t, root, "a.md", "content")
	id, err := e.PublishEvent(1, store.EventCreated, store.Payload{Path: "a.md"})
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	ev, err := e.WaitForEvent(context.Background(), 1, id, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if ev.Status != store.StatusCompleted {
		t.Fatalf("event status %s, want COMPLETED (error %q)", ev.Status, ev.ErrorMessage)
	}

	st, err := e.Store(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetFile("a.md"); err != nil {
		t.Errorf("record missing after completed event: %v", err)
	}
}

func TestWaitUnknownEvent(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.WaitForEvent(context.Background(), 1, 99999, time.Second); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestWaitTimeoutReturnsSentinel(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	// A worker that will not tick keeps the event PENDING for the wait.
	e := New(Config{
		CommitInterval: time.Hour,
		BatchInterval:  time.Hour,
		WatchDebounce:  time.Hour,
		MoveWindow:     time.Hour,
	})
	t.Cleanup(e.Shutdown)
	if err := e.OpenNotebook(1, t.TempDir()); err != nil {
		t.Fatalf("OpenNotebook: %v", err)
	}

	st, _ := e.Store(1)
	id, err := st.PublishEvent(store.EventCreated, store.Payload{Path: "a.md"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	ev, err := e.WaitForEvent(context.Background(), 1, id, time.Second)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("got %v, want ErrWaitTimeout", err)
	}
	if ev == nil || ev.Status != store.StatusPending {
		t.Fatalf("got event %+v, want last-seen PENDING event", ev)
	}
}

func TestPublishBatchOrdering(t *testing.T) {
	e, root := newTestEngine(t)

	writeFile(t, root, "a.md", "content")
	correlationID, err := e.PublishBatch(1, []store.BatchItem{
		{EventType: store.EventCreated, Payload: store.Payload{Path: "a.md"}},
		{EventType: store.EventMoved, Payload: store.Payload{Path: "a.md", NewPath: "b.md"}},
	})
	if err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if correlationID == "" {
		t.Fatal("empty correlation id")
	}

	deadline := time.Now().Add(10 * time.Second)
	st, _ := e.Store(1)
	for time.Now().Before(deadline) {
		if _, err := st.GetFile("b.md"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("batch never produced the moved record")
}

func TestUnknownNotebook(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.PublishEvent(42, store.EventCreated, store.Payload{Path: "a.md"}); !errors.Is(err, ErrUnknownNotebook) {
		t.Errorf("PublishEvent: got %v, want ErrUnknownNotebook", err)
	}
	if _, err := e.Metrics(42); !errors.Is(err, ErrUnknownNotebook) {
		t.Errorf("Metrics: got %v, want ErrUnknownNotebook", err)
	}
}

func TestOpenNotebookTwice(t *testing.T) {
	e, root := newTestEngine(t)

	if err := e.OpenNotebook(1, root); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("got %v, want ErrAlreadyOpen", err)
	}
}

func TestMetrics(t *testing.T) {
	e, root := newTestEngine(t)

	writeFile(t, root, "a.md", "content")
	id, _ := e.PublishEvent(1, store.EventCreated, store.Payload{Path: "a.md"})
	if _, err := e.WaitForEvent(context.Background(), 1, id, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	m, err := e.Metrics(1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Queue.Completed24h < 1 {
		t.Errorf("completed count %d, want >= 1", m.Queue.Completed24h)
	}
	if m.Files < 1 {
		t.Errorf("file count %d, want >= 1", m.Files)
	}
}

func TestCleanupOldEvents(t *testing.T) {
	e, root := newTestEngine(t)

	writeFile(t, root, "a.md", "content")
	id, _ := e.PublishEvent(1, store.EventCreated, store.Payload{Path: "a.md"})
	if _, err := e.WaitForEvent(context.Background(), 1, id, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	// Fresh terminal events are younger than any cutoff; nothing to delete.
	n, err := e.CleanupOldEvents(context.Background(), 1, 30)
	if err != nil {
		t.Fatalf("CleanupOldEvents: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted %d fresh events", n)
	}
}

func TestCloseNotebookDrains(t *testing.T) {
	e, root := newTestEngine(t)

	writeFile(t, root, "a.md", "content")
	if _, err := e.PublishEvent(1, store.EventCreated, store.Payload{Path: "a.md"}); err != nil {
		t.Fatal(err)
	}

	if err := e.CloseNotebook(1); err != nil {
		t.Fatalf("CloseNotebook: %v", err)
	}

	// Reopen and confirm the drained event left its record behind.
	if err := e.OpenNotebook(1, root); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st, _ := e.Store(1)
	if _, err := st.GetFile("a.md"); err != nil {
		t.Errorf("record missing after drain and reopen: %v", err)
	}
}

func TestRestageOnOpen(t *testing.T) {
	e, root := newTestEngine(t)

	writeFile(t, root, "a.md", "content")
	id, _ := e.PublishEvent(1, store.EventCreated, store.Payload{Path: "a.md"})
	if _, err := e.WaitForEvent(context.Background(), 1, id, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := e.CloseNotebook(1); err != nil {
		t.Fatal(err)
	}

	// Change the tree while nothing is running, then reopen: the restage
	// pass must pick the orphan up and commit it eventually.
	writeFile(t, root, "orphan.md", "made offline")
	if err := e.OpenNotebook(1, root); err != nil {
		t.Fatal(err)
	}

	st, _ := e.Store(1)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.GetFile("orphan.md"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("offline change never reconciled after reopen")
}
