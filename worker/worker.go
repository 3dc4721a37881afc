// Package worker drains a notebook's durable event queue. One worker per
// notebook: a batch tick claims PENDING events in order, applies each to the
// filesystem and the metadata store under the notebook lock, records the
// terminal status, hands dirty paths to the committer and emits change
// notifications for successful events.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codexkb/server/broadcast"
	"github.com/codexkb/server/committer"
	"github.com/codexkb/server/locks"
	"github.com/codexkb/server/reconcile"
	"github.com/codexkb/server/sidecar"
	"github.com/codexkb/server/store"
)

const (
	// DefaultBatchInterval is the queue polling period.
	DefaultBatchInterval = 5 * time.Second
	// DefaultDrainTimeout bounds the final batch on shutdown.
	DefaultDrainTimeout = 10 * time.Second
)

// Failure classes recorded on FAILED events. One failed event never stops
// the rest of the batch.
var (
	// ErrConflict: the operation's target already exists.
	ErrConflict = errors.New("conflict")
	// ErrIntegrity: on-disk content does not match the expected source hash.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrMissing: the operation's subject does not exist.
	ErrMissing = errors.New("file does not exist")
)

type Config struct {
	NotebookID    int64
	Root          string
	Store         *store.Store
	Locks         *locks.Registry
	Committer     *committer.Committer
	Broadcaster   *broadcast.Broadcaster
	BatchInterval time.Duration
	DrainTimeout  time.Duration
}

// Worker drains one notebook's queue.
type Worker struct {
	cfg Config

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// notification is a change broadcast deferred until after the event's
// effects are staged.
type notification struct {
	kind    string
	path    string
	oldPath string
}

func New(cfg Config) *Worker {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Worker{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the batch loop.
func (w *Worker) Start() {
	go w.loop()
}

// Stop drains the queue one final time, bounded by the drain timeout.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		select {
		case <-w.done:
		case <-time.After(w.cfg.DrainTimeout):
			slog.Warn("worker drain timed out", "notebook", w.cfg.NotebookID)
		}
	})
}

// Kick schedules an immediate batch without waiting for the next tick.
func (w *Worker) Kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			w.RunBatch()
			return
		case <-ticker.C:
			w.RunBatch()
		case <-w.wake:
			w.RunBatch()
		}
	}
}

// RunBatch claims and applies the PENDING queue under the notebook lock.
// Returns how many events completed.
func (w *Worker) RunBatch() int {
	w.cfg.Locks.Acquire(w.cfg.Root)
	defer w.cfg.Locks.Release(w.cfg.Root)

	events, err := w.cfg.Store.PendingEvents()
	if err != nil {
		slog.Error("load pending events", "notebook", w.cfg.NotebookID, "error", err)
		return 0
	}

	applied := 0
	for i := range events {
		ev := &events[i]

		claimed, err := w.cfg.Store.MarkProcessing(ev.ID)
		if err != nil {
			slog.Error("claim event", "event", ev.ID, "error", err)
			continue
		}
		if !claimed {
			// Superseded or picked up elsewhere since the select.
			continue
		}

		notes, err := w.apply(ev)
		if err != nil {
			slog.Warn("event failed",
				"notebook", w.cfg.NotebookID,
				"event", ev.ID,
				"type", ev.EventType,
				"error", err)
			if markErr := w.cfg.Store.MarkFailed(ev.ID, err.Error()); markErr != nil {
				slog.Error("mark failed", "event", ev.ID, "error", markErr)
			}
			continue
		}

		if err := w.cfg.Store.MarkCompleted(ev.ID); err != nil {
			slog.Error("mark completed", "event", ev.ID, "error", err)
			continue
		}
		applied++

		if w.cfg.Broadcaster != nil {
			for _, n := range notes {
				w.cfg.Broadcaster.Publish(n.kind, n.path, n.oldPath)
			}
		}
	}
	return applied
}

func (w *Worker) apply(ev *store.Event) ([]notification, error) {
	p, err := ev.Payload()
	if err != nil {
		return nil, err
	}

	switch ev.EventType {
	case store.EventCreated:
		return w.applyUpsert(p, broadcast.KindCreated)
	case store.EventModified:
		return w.applyUpsert(p, broadcast.KindModified)
	case store.EventDeleted:
		return w.applyDelete(p)
	case store.EventMoved, store.EventRenamed:
		return w.applyMove(p)
	case store.EventMetadataUpdated:
		return w.applyMetadata(p)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", store.ErrInvalidPayload, ev.EventType)
	}
}

// applyUpsert handles CREATED and MODIFIED: ingest the file from disk,
// verify its hash against source_hash when supplied, then persist.
func (w *Worker) applyUpsert(p store.Payload, kind string) ([]notification, error) {
	res, err := reconcile.File(w.cfg.Root, p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, p.Path)
		}
		return nil, err
	}

	if p.SourceHash != "" && res.Record.Hash != p.SourceHash {
		return nil, fmt.Errorf("%w: %s has hash %s, expected %s",
			ErrIntegrity, p.Path, res.Record.Hash, p.SourceHash)
	}

	if err := reconcile.Apply(w.cfg.Store, res); err != nil {
		return nil, err
	}

	w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, p.Path)
	return []notification{{kind: kind, path: p.Path}}, nil
}

// applyDelete removes the file, its sidecar and the metadata record in one
// critical section. Already-absent pieces are tolerated.
func (w *Worker) applyDelete(p store.Payload) ([]notification, error) {
	full := filepath.Join(w.cfg.Root, filepath.FromSlash(p.Path))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove %s: %w", p.Path, err)
	}
	w.cfg.Committer.MarkDeleted(w.cfg.NotebookID, w.cfg.Root, p.Path)

	if scRel, ok := sidecar.Resolve(w.cfg.Root, p.Path); ok {
		scFull := filepath.Join(w.cfg.Root, filepath.FromSlash(scRel))
		if err := os.Remove(scFull); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove sidecar %s: %w", scRel, err)
		}
		w.cfg.Committer.MarkDeleted(w.cfg.NotebookID, w.cfg.Root, scRel)
	}

	if err := w.cfg.Store.DeleteFile(p.Path); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return []notification{{kind: broadcast.KindDeleted, path: p.Path}}, nil
}

// applyMove handles MOVED and RENAMED: the source must exist, the
// destination must not. The sidecar follows its companion, keeping its form.
func (w *Worker) applyMove(p store.Payload) ([]notification, error) {
	src := filepath.Join(w.cfg.Root, filepath.FromSlash(p.Path))
	dst := filepath.Join(w.cfg.Root, filepath.FromSlash(p.NewPath))

	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissing, p.Path)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", ErrConflict, p.NewPath)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", p.NewPath, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("move %s to %s: %w", p.Path, p.NewPath, err)
	}

	w.cfg.Committer.MarkDeleted(w.cfg.NotebookID, w.cfg.Root, p.Path)
	w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, p.NewPath)

	if scRel, ok := sidecar.Resolve(w.cfg.Root, p.Path); ok {
		newScRel := renameSidecar(scRel, p.Path, p.NewPath)
		scSrc := filepath.Join(w.cfg.Root, filepath.FromSlash(scRel))
		scDst := filepath.Join(w.cfg.Root, filepath.FromSlash(newScRel))
		if err := os.Rename(scSrc, scDst); err != nil {
			return nil, fmt.Errorf("move sidecar %s: %w", scRel, err)
		}
		w.cfg.Committer.MarkDeleted(w.cfg.NotebookID, w.cfg.Root, scRel)
		w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, newScRel)
	}

	// Keep the record's identity and timestamps, then refresh content
	// metadata and the sidecar path from the new location.
	if err := w.cfg.Store.UpdateFilePath(p.Path, p.NewPath); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := reconcile.Upsert(w.cfg.Store, w.cfg.Root, p.NewPath); err != nil {
		return nil, err
	}

	return []notification{{kind: broadcast.KindMoved, path: p.NewPath, oldPath: p.Path}}, nil
}

// applyMetadata merges the properties delta into the record. A nil delta
// value deletes the key. When the record has a sidecar, the sidecar is the
// canonical representation and is rewritten.
func (w *Worker) applyMetadata(p store.Payload) ([]notification, error) {
	rec, err := w.cfg.Store.GetFile(p.Path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not tracked", ErrMissing, p.Path)
		}
		return nil, err
	}

	props := rec.PropertyMap()
	for k, v := range p.PropertiesDelta {
		if v == nil {
			delete(props, k)
		} else {
			props[k] = v
		}
	}

	if rec.SidecarPath != "" {
		scRel, err := sidecar.Write(w.cfg.Root, p.Path, props)
		if err != nil {
			return nil, err
		}
		w.cfg.Committer.Mark(w.cfg.NotebookID, w.cfg.Root, scRel)
		// Re-ingest so record, search index and sidecar stay aligned.
		if _, err := reconcile.Upsert(w.cfg.Store, w.cfg.Root, p.Path); err != nil {
			return nil, err
		}
		return []notification{{kind: broadcast.KindModified, path: p.Path}}, nil
	}

	// Properties live only in the store: update the record in place.
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties for %s: %w", p.Path, err)
	}
	rec.Properties = raw
	if title, ok := props["title"].(string); ok {
		rec.Title = title
	}
	if desc, ok := props["description"].(string); ok {
		rec.Description = desc
	}
	if ft, ok := props["file_type"].(string); ok {
		rec.FileType = ft
	}

	id, err := w.cfg.Store.UpsertFile(rec)
	if err != nil {
		return nil, err
	}
	if err := w.reindex(id, p.Path, props); err != nil {
		return nil, err
	}

	return []notification{{kind: broadcast.KindModified, path: p.Path}}, nil
}

// reindex refreshes the search entry after a metadata-only change.
func (w *Worker) reindex(fileID int64, rel string, props map[string]any) error {
	full := filepath.Join(w.cfg.Root, filepath.FromSlash(rel))
	content, err := os.ReadFile(full)
	if err != nil {
		// Metadata can outlive a readable body; index properties alone.
		content = nil
	}

	body := string(content)
	if fm, rest := sidecar.ParseFrontmatter(content); fm != nil {
		body = rest
	}
	return w.cfg.Store.SetSearchText(fileID, body+"\n"+store.CanonicalProps(props))
}

// renameSidecar maps a sidecar path to its new companion, preserving the
// dot prefix and extension form.
func renameSidecar(scRel, oldRel, newRel string) string {
	scBase := path.Base(scRel)
	hidden := strings.HasPrefix(scBase, ".")
	trimmed := strings.TrimPrefix(scBase, ".")
	ext := strings.TrimPrefix(trimmed, path.Base(oldRel))

	newBase := path.Base(newRel) + ext
	if hidden {
		newBase = "." + newBase
	}
	return path.Join(path.Dir(newRel), newBase)
}
