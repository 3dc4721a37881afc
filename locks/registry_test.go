package locks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	r.Acquire(dir)
	r.Release(dir)
}

func TestReentrant(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	r.Acquire(dir)
	r.Acquire(dir)
	r.Release(dir)

	// Still held: a second goroutine must block until the last release.
	acquired := make(chan struct{})
	go func() {
		r.Acquire(dir)
		close(acquired)
		r.Release(dir)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held reentrantly")
	case <-time.After(50 * time.Millisecond):
	}

	r.Release(dir)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released to waiter")
	}
}

func TestDistinctNotebooksDoNotSerialize(t *testing.T) {
	r := NewRegistry()
	a := t.TempDir()
	b := t.TempDir()

	r.Acquire(a)
	defer r.Release(a)

	done := make(chan struct{})
	go func() {
		r.Acquire(b)
		r.Release(b)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on distinct notebook blocked")
	}
}

func TestCanonicalizeSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	if got, want := Canonicalize(link), Canonicalize(real); got != want {
		t.Errorf("Canonicalize(link) = %q, want %q", got, want)
	}
}

func TestAcquireCtxTimeout(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	ctx := context.Background()
	if err := r.AcquireCtx(ctx, dir); err != nil {
		t.Fatalf("AcquireCtx: %v", err)
	}
	defer r.ReleaseCtx(dir)

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := r.AcquireCtx(timeout, dir); err == nil {
		t.Fatal("expected context error on second cooperative acquire")
	}
}

func TestConcurrentCounters(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	var n int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Acquire(dir)
			n++
			r.Release(dir)
		}()
	}
	wg.Wait()

	if n != 20 {
		t.Errorf("got %d increments, want 20", n)
	}
}
