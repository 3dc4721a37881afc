// Package watcher mirrors out-of-band filesystem changes into the metadata
// store. It watches the notebook tree recursively via fsnotify, debounces
// bursts per path, and reconciles each settled path under the notebook lock.
// A delete followed within the move window by a create of identical content
// is reported as a single move.
package watcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codexkb/server/broadcast"
	"github.com/codexkb/server/committer"
	"github.com/codexkb/server/locks"
	"github.com/codexkb/server/reconcile"
	"github.com/codexkb/server/sidecar"
	"github.com/codexkb/server/store"
)

const (
	// DefaultDebounce is how long a path must stay quiet before reconcile.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultMoveWindow pairs a delete with a same-content create.
	DefaultMoveWindow = 2 * time.Second
)

type Config struct {
	NotebookID  int64
	Root        string
	Store       *store.Store
	Locks       *locks.Registry
	Committer   *committer.Committer
	Broadcaster *broadcast.Broadcaster
	Debounce    time.Duration
	MoveWindow  time.Duration
}

// Watcher reconciles one notebook tree.
type Watcher struct {
	cfg Config
	fsw *fsnotify.Watcher

	timerMu  sync.Mutex
	timerMap map[string]*time.Timer

	// moveMu guards the hash-keyed pending delete set used for move pairing.
	moveMu  sync.Mutex
	pending map[string][]*pendingDelete

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type pendingDelete struct {
	rel   string
	timer *time.Timer
}

func New(cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MoveWindow <= 0 {
		cfg.MoveWindow = DefaultMoveWindow
	}
	return &Watcher{
		cfg:      cfg,
		timerMap: make(map[string]*time.Timer),
		pending:  make(map[string][]*pendingDelete),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start performs the initial scan, attaches recursive watches and launches
// the event loop.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.watchTree(w.cfg.Root, true); err != nil {
		fsw.Close()
		return err
	}

	go w.eventLoop()
	slog.Info("watcher started", "notebook", w.cfg.NotebookID, "root", w.cfg.Root)
	return nil
}

// Stop closes the watch and cancels pending debounce and move timers.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.fsw != nil {
			w.fsw.Close()
			<-w.done
		}

		w.timerMu.Lock()
		for _, timer := range w.timerMap {
			timer.Stop()
		}
		w.timerMap = make(map[string]*time.Timer)
		w.timerMu.Unlock()

		w.moveMu.Lock()
		for _, entries := range w.pending {
			for _, pd := range entries {
				pd.timer.Stop()
			}
		}
		w.pending = make(map[string][]*pendingDelete)
		w.moveMu.Unlock()

		slog.Info("watcher stopped", "notebook", w.cfg.NotebookID)
	})
}

// watchTree attaches watches to dir and every non-hidden subdirectory.
// When scan is set, files found along the way are reconciled immediately.
func (w *Watcher) watchTree(dir string, scan bool) error {
	return filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(w.cfg.Root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && reconcile.Hidden(rel) {
				return filepath.SkipDir
			}
			return w.fsw.Add(full)
		}

		if scan && !reconcile.Hidden(rel) {
			w.reconcilePath(rel)
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("watch error", "notebook", w.cfg.NotebookID, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	rel, err := filepath.Rel(w.cfg.Root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == store.ControlDir || strings.HasPrefix(rel, store.ControlDir+"/") {
		return
	}

	// New directories need their own watch, attached before the debounce so
	// files created inside are not missed.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !reconcile.Hidden(rel) {
				if err := w.watchTree(event.Name, true); err != nil {
					slog.Warn("watch new directory", "path", rel, "error", err)
				}
			}
			return
		}
	}

	w.debounce(rel)
}

// debounce resets the path's quiet timer; reconcile runs when it fires.
func (w *Watcher) debounce(rel string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if timer, exists := w.timerMap[rel]; exists {
		timer.Stop()
	}
	w.timerMap[rel] = time.AfterFunc(w.cfg.Debounce, func() {
		w.timerMu.Lock()
		delete(w.timerMap, rel)
		w.timerMu.Unlock()

		select {
		case <-w.stop:
			return
		default:
		}
		w.reconcilePath(rel)
	})
}

// reconcilePath brings the store in line with the path's on-disk state.
func (w *Watcher) reconcilePath(rel string) {
	if reconcile.Hidden(rel) {
		// Hidden paths are invisible except sidecars, whose change is a
		// metadata change of the companion.
		companion, ok := sidecar.Companion(w.cfg.Root, rel)
		if !ok {
			return
		}
		w.reconcileFile(companion, true)
		return
	}

	full := filepath.Join(w.cfg.Root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		w.handleMissing(rel)
		return
	}
	if info.IsDir() {
		return
	}
	w.reconcileFile(rel, false)
}

// reconcileFile ingests an existing file. sidecarChanged forces the update
// even when the content hash is unchanged.
func (w *Watcher) reconcileFile(rel string, sidecarChanged bool) {
	w.cfg.Locks.Acquire(w.cfg.Root)
	defer w.cfg.Locks.Release(w.cfg.Root)

	res, err := reconcile.File(w.cfg.Root, rel)
	if err != nil {
		// Gone again between the event and the reconcile.
		w.handleMissingLocked(rel)
		return
	}

	existing, err := w.cfg.Store.GetFile(rel)
	switch {
	case err == nil:
		// The path is back on disk: any delete parked for it is stale and
		// must not fire, nor pair a later create into a bogus move.
		w.cancelPendingDelete(rel)
		if existing.Hash == res.Record.Hash && !sidecarChanged {
			return
		}
		if err := reconcile.Apply(w.cfg.Store, res); err != nil {
			slog.Error("reconcile update", "path", rel, "error", err)
			return
		}
		w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, rel)
		if res.Record.SidecarPath != "" {
			w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, res.Record.SidecarPath)
		}
		w.publish(broadcast.KindModified, rel, "")

	default:
		// Unseen path: a matching pending delete makes this a move.
		if oldRel, ok := w.takePendingDelete(res.Record.Hash); ok {
			w.finishMove(oldRel, rel, res)
			return
		}
		if err := reconcile.Apply(w.cfg.Store, res); err != nil {
			slog.Error("reconcile create", "path", rel, "error", err)
			return
		}
		w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, rel)
		if res.Record.SidecarPath != "" {
			w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, res.Record.SidecarPath)
		}
		w.publish(broadcast.KindCreated, rel, "")
	}
}

func (w *Watcher) finishMove(oldRel, newRel string, res *reconcile.Result) {
	if err := w.cfg.Store.UpdateFilePath(oldRel, newRel); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("move record", "from", oldRel, "to", newRel, "error", err)
		return
	}
	if err := reconcile.Apply(w.cfg.Store, res); err != nil {
		slog.Error("reconcile move", "path", newRel, "error", err)
		return
	}
	w.cfg.Committer.MarkDeleted(w.cfg.NotebookID, w.cfg.Root, oldRel)
	w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, newRel)
	w.publish(broadcast.KindMoved, newRel, oldRel)
}

func (w *Watcher) handleMissing(rel string) {
	w.cfg.Locks.Acquire(w.cfg.Root)
	defer w.cfg.Locks.Release(w.cfg.Root)
	w.handleMissingLocked(rel)
}

// handleMissingLocked holds a vanished path in the pending set for the move
// window. The delete finalizes only if no matching create shows up.
func (w *Watcher) handleMissingLocked(rel string) {
	rec, err := w.cfg.Store.GetFile(rel)
	if err != nil {
		// Never tracked, nothing to do.
		return
	}

	pd := &pendingDelete{rel: rel}
	pd.timer = time.AfterFunc(w.cfg.MoveWindow, func() {
		w.expirePendingDelete(rec.Hash, pd)
	})

	w.moveMu.Lock()
	w.pending[rec.Hash] = append(w.pending[rec.Hash], pd)
	w.moveMu.Unlock()
}

// cancelPendingDelete discards every parked delete for rel.
func (w *Watcher) cancelPendingDelete(rel string) {
	w.moveMu.Lock()
	defer w.moveMu.Unlock()

	for hash, entries := range w.pending {
		kept := entries[:0]
		for _, pd := range entries {
			if pd.rel == rel {
				pd.timer.Stop()
				continue
			}
			kept = append(kept, pd)
		}
		if len(kept) == 0 {
			delete(w.pending, hash)
		} else {
			w.pending[hash] = kept
		}
	}
}

// takePendingDelete claims the oldest pending delete with the given hash.
func (w *Watcher) takePendingDelete(hash string) (string, bool) {
	w.moveMu.Lock()
	defer w.moveMu.Unlock()

	entries := w.pending[hash]
	if len(entries) == 0 {
		return "", false
	}

	pd := entries[0]
	pd.timer.Stop()
	if len(entries) == 1 {
		delete(w.pending, hash)
	} else {
		w.pending[hash] = entries[1:]
	}
	return pd.rel, true
}

// expirePendingDelete fires when the move window closes without a matching
// create: the delete is real.
func (w *Watcher) expirePendingDelete(hash string, pd *pendingDelete) {
	w.moveMu.Lock()
	entries := w.pending[hash]
	found := false
	for i, e := range entries {
		if e == pd {
			w.pending[hash] = append(entries[:i], entries[i+1:]...)
			found = true
			break
		}
	}
	if len(w.pending[hash]) == 0 {
		delete(w.pending, hash)
	}
	w.moveMu.Unlock()

	if !found {
		return
	}

	select {
	case <-w.stop:
		return
	default:
	}

	w.cfg.Locks.Acquire(w.cfg.Root)
	defer w.cfg.Locks.Release(w.cfg.Root)

	// Reappeared in the meantime: the record is live, leave it alone.
	if _, err := os.Stat(filepath.Join(w.cfg.Root, filepath.FromSlash(pd.rel))); err == nil {
		return
	}

	if err := w.cfg.Store.DeleteFile(pd.rel); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("delete record", "path", pd.rel, "error", err)
		return
	}
	w.cfg.Committer.MarkDeleted(w.cfg.NotebookID, w.cfg.Root, pd.rel)
	w.publish(broadcast.KindDeleted, pd.rel, "")
}

func (w *Watcher) publish(kind, path, oldPath string) {
	if w.cfg.Broadcaster != nil {
		w.cfg.Broadcaster.Publish(kind, path, oldPath)
	}
}
