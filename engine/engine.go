// Package engine is the top-level handle over a set of notebooks. Each open
// notebook gets a metadata store, a queue worker, a filesystem watcher and a
// change broadcaster; a single lock registry and batching committer are
// shared across all of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codexkb/server/broadcast"
	"github.com/codexkb/server/committer"
	"github.com/codexkb/server/git"
	"github.com/codexkb/server/locks"
	"github.com/codexkb/server/store"
	"github.com/codexkb/server/watcher"
	"github.com/codexkb/server/worker"
)

const (
	// stuckAge is how old a PROCESSING row must be at startup to count as
	// abandoned by a previous process.
	stuckAge = 60 * time.Second

	// Wait bounds and poll period for WaitForEvent.
	minWait  = 1 * time.Second
	maxWait  = 60 * time.Second
	waitPoll = 250 * time.Millisecond
)

var (
	ErrUnknownNotebook = errors.New("unknown notebook")
	ErrAlreadyOpen     = errors.New("notebook already open")
	ErrWaitTimeout     = errors.New("wait timed out")
)

type Config struct {
	CommitInterval  time.Duration
	CommitThreshold int
	BatchInterval   time.Duration
	WatchDebounce   time.Duration
	MoveWindow      time.Duration
}

// Engine owns the shared infrastructure and the open notebook set.
type Engine struct {
	cfg   Config
	locks *locks.Registry
	comm  *committer.Committer

	mu        sync.RWMutex
	notebooks map[int64]*notebook
}

type notebook struct {
	id    int64
	root  string
	store *store.Store
	work  *worker.Worker
	watch *watcher.Watcher
	bcast *broadcast.Broadcaster
}

func New(cfg Config) *Engine {
	reg := locks.NewRegistry()
	comm := committer.New(reg, committer.Config{
		Interval:  cfg.CommitInterval,
		Threshold: cfg.CommitThreshold,
	})
	comm.Start()

	return &Engine{
		cfg:       cfg,
		locks:     reg,
		comm:      comm,
		notebooks: make(map[int64]*notebook),
	}
}

// OpenNotebook brings the notebook at root under management: version control
// and metadata store initialized, abandoned PROCESSING events requeued,
// uncommitted working-tree changes restaged, worker and watcher running.
func (e *Engine) OpenNotebook(id int64, root string) error {
	root = locks.Canonicalize(root)

	e.mu.Lock()
	if _, exists := e.notebooks[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyOpen, id)
	}
	e.mu.Unlock()

	if err := git.InitNotebook(root, store.ControlDir); err != nil {
		return fmt.Errorf("init notebook repository: %w", err)
	}

	st, err := store.Open(root, id)
	if err != nil {
		return err
	}

	if n, err := st.ResetStuck(stuckAge); err != nil {
		st.Close()
		return err
	} else if n > 0 {
		slog.Info("requeued stuck events", "notebook", id, "count", n)
	}

	e.comm.Restage(id, root)

	bcast := broadcast.New(id)
	work := worker.New(worker.Config{
		NotebookID:    id,
		Root:          root,
		Store:         st,
		Locks:         e.locks,
		Committer:     e.comm,
		Broadcaster:   bcast,
		BatchInterval: e.cfg.BatchInterval,
	})
	watch := watcher.New(watcher.Config{
		NotebookID:  id,
		Root:        root,
		Store:       st,
		Locks:       e.locks,
		Committer:   e.comm,
		Broadcaster: bcast,
		Debounce:    e.cfg.WatchDebounce,
		MoveWindow:  e.cfg.MoveWindow,
	})

	nb := &notebook{id: id, root: root, store: st, work: work, watch: watch, bcast: bcast}

	e.mu.Lock()
	if _, exists := e.notebooks[id]; exists {
		e.mu.Unlock()
		st.Close()
		bcast.Close()
		return fmt.Errorf("%w: %d", ErrAlreadyOpen, id)
	}
	e.notebooks[id] = nb
	e.mu.Unlock()

	work.Start()
	if err := watch.Start(); err != nil {
		slog.Error("watcher failed to start", "notebook", id, "error", err)
	}

	slog.Info("notebook opened", "notebook", id, "root", root)
	return nil
}

// CloseNotebook drains and releases one notebook.
func (e *Engine) CloseNotebook(id int64) error {
	e.mu.Lock()
	nb, ok := e.notebooks[id]
	if ok {
		delete(e.notebooks, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNotebook, id)
	}

	nb.shutdown(e.comm)
	e.locks.Clear(nb.root)
	return nil
}

func (nb *notebook) shutdown(comm *committer.Committer) {
	nb.watch.Stop()
	nb.work.Stop()
	comm.CommitAll()
	nb.bcast.Close()
	if err := nb.store.Close(); err != nil {
		slog.Warn("close store", "notebook", nb.id, "error", err)
	}
	slog.Info("notebook closed", "notebook", nb.id)
}

func (e *Engine) notebook(id int64) (*notebook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nb, ok := e.notebooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNotebook, id)
	}
	return nb, nil
}

// Store exposes the notebook's metadata store for read paths.
func (e *Engine) Store(id int64) (*store.Store, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return nil, err
	}
	return nb.store, nil
}

// Root returns the notebook's canonical root path.
func (e *Engine) Root(id int64) (string, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return "", err
	}
	return nb.root, nil
}

// Notebooks lists the ids currently open.
func (e *Engine) Notebooks() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int64, 0, len(e.notebooks))
	for id := range e.notebooks {
		ids = append(ids, id)
	}
	return ids
}

// PublishEvent enqueues one event and nudges the worker.
func (e *Engine) PublishEvent(id int64, eventType string, p store.Payload) (int64, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return 0, err
	}
	eventID, err := nb.store.PublishEvent(eventType, p, "", 0)
	if err != nil {
		return 0, err
	}
	nb.work.Kick()
	return eventID, nil
}

// PublishBatch enqueues a correlated event sequence atomically.
func (e *Engine) PublishBatch(id int64, items []store.BatchItem) (string, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return "", err
	}
	correlationID, err := nb.store.PublishBatch(items)
	if err != nil {
		return "", err
	}
	nb.work.Kick()
	return correlationID, nil
}

// SupersedePending retires still-PENDING updates for a path.
func (e *Engine) SupersedePending(id int64, rel string) (int, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return 0, err
	}
	return nb.store.SupersedePending(rel)
}

// WaitForEvent blocks until the event reaches a terminal status or the
// timeout elapses, polling the queue. The timeout is clamped to [1s, 60s].
// On timeout the last-seen event is returned alongside ErrWaitTimeout.
func (e *Engine) WaitForEvent(ctx context.Context, id, eventID int64, timeout time.Duration) (*store.Event, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return nil, err
	}

	if timeout < minWait {
		timeout = minWait
	}
	if timeout > maxWait {
		timeout = maxWait
	}

	deadline := time.Now().Add(timeout)
	for {
		ev, err := nb.store.GetEvent(eventID)
		if err != nil {
			return nil, err
		}
		if ev.Terminal() {
			return ev, nil
		}
		if time.Now().After(deadline) {
			return ev, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return ev, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

// Subscribe attaches a notifier to the notebook's change stream.
func (e *Engine) Subscribe(id int64, n broadcast.Notifier) (string, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return "", err
	}
	return nb.bcast.Subscribe(n), nil
}

// Unsubscribe detaches a notifier by handle.
func (e *Engine) Unsubscribe(id int64, handle string) error {
	nb, err := e.notebook(id)
	if err != nil {
		return err
	}
	nb.bcast.Unsubscribe(handle)
	return nil
}

// Metrics is the per-notebook operational snapshot.
type Metrics struct {
	Queue            store.QueueMetrics `json:"queue"`
	Files            int                `json:"files"`
	Subscribers      int                `json:"subscribers"`
	BroadcastDropped int64              `json:"broadcast_dropped"`
}

func (e *Engine) Metrics(id int64) (Metrics, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return Metrics{}, err
	}

	queue, err := nb.store.Metrics()
	if err != nil {
		return Metrics{}, err
	}
	files, err := nb.store.CountFiles()
	if err != nil {
		return Metrics{}, err
	}

	return Metrics{
		Queue:            queue,
		Files:            files,
		Subscribers:      nb.bcast.SubscriberCount(),
		BroadcastDropped: nb.bcast.Dropped(),
	}, nil
}

// CleanupOldEvents deletes terminal events older than the given age. Only
// one maintenance pass runs per notebook; a second caller waits on the
// cooperative lock or gives up with its context.
func (e *Engine) CleanupOldEvents(ctx context.Context, id int64, olderThanDays int) (int, error) {
	nb, err := e.notebook(id)
	if err != nil {
		return 0, err
	}

	if err := e.locks.AcquireCtx(ctx, nb.root); err != nil {
		return 0, err
	}
	defer e.locks.ReleaseCtx(nb.root)

	return nb.store.CleanupOldEvents(olderThanDays)
}

// Shutdown drains every notebook, flushes pending commits and stops the
// shared committer.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	open := make([]*notebook, 0, len(e.notebooks))
	for _, nb := range e.notebooks {
		open = append(open, nb)
	}
	e.notebooks = make(map[int64]*notebook)
	e.mu.Unlock()

	for _, nb := range open {
		nb.shutdown(e.comm)
		e.locks.Clear(nb.root)
	}
	e.comm.Stop()
	slog.Info("engine stopped", "notebooks", len(open))
}
