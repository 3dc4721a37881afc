// Package locks implements the per-notebook lock registry that serializes
// writes to a notebook's filesystem tree and metadata database.
package locks

import (
	"bytes"
	"context"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
)

// Registry maps canonicalized notebook root paths to their locks. Entries are
// created lazily on first use and kept for the life of the process.
//
// Each notebook carries two locks:
//   - a reentrant blocking lock for synchronous call chains (a commit pass
//     calling staging primitives that acquire again),
//   - a cooperative lock for context-aware callers.
//
// Distinct notebooks never serialize against each other.
type Registry struct {
	mu    sync.Mutex
	entry map[string]*notebookLock
}

func NewRegistry() *Registry {
	return &Registry{entry: make(map[string]*notebookLock)}
}

type notebookLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64 // goroutine id holding the lock, 0 if free
	depth int

	sem chan struct{} // cooperative lock
}

func newNotebookLock() *notebookLock {
	l := &notebookLock{sem: make(chan struct{}, 1)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Canonicalize resolves symlinks and cleans the path so that two spellings of
// the same notebook root share one lock. Paths that do not exist yet are
// cleaned only.
func Canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(path)
}

func (r *Registry) get(path string) *notebookLock {
	key := Canonicalize(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.entry[key]
	if !ok {
		l = newNotebookLock()
		r.entry[key] = l
	}
	return l
}

// Acquire takes the notebook's blocking lock. Reentrant: the holding
// goroutine may acquire again and must release once per acquire.
func (r *Registry) Acquire(path string) {
	l := r.get(path)
	gid := goroutineID()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == gid {
		l.depth++
		return
	}
	for l.owner != 0 {
		l.cond.Wait()
	}
	l.owner = gid
	l.depth = 1
}

// Release drops one level of the blocking lock.
func (r *Registry) Release(path string) {
	l := r.get(path)
	gid := goroutineID()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != gid {
		panic("locks: release by non-owner for " + path)
	}
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		l.cond.Signal()
	}
}

// AcquireCtx takes the notebook's cooperative lock, giving up when ctx is
// done. Not reentrant.
func (r *Registry) AcquireCtx(ctx context.Context, path string) error {
	l := r.get(path)
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseCtx drops the cooperative lock.
func (r *Registry) ReleaseCtx(path string) {
	l := r.get(path)
	select {
	case <-l.sem:
	default:
		panic("locks: cooperative release without acquire for " + path)
	}
}

// Clear drops the lock entry for path, or every entry when path is empty.
// Called when a notebook closes; never call while a lock is held.
func (r *Registry) Clear(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path == "" {
		r.entry = make(map[string]*notebookLock)
		return
	}
	delete(r.entry, Canonicalize(path))
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from the stack header. The
// id is used only for reentrancy accounting, never for scheduling.
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
