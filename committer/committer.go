// Package committer batches dirty notebook paths into version-control
// commits. Paths are marked by the worker and the watcher; a commit fires
// per notebook when the commit interval elapses or the pending set reaches
// the batch threshold.
package committer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/codexkb/server/fileinfo"
	"github.com/codexkb/server/git"
	"github.com/codexkb/server/locks"
)

const (
	// DefaultInterval is how long marked paths may sit before a commit.
	DefaultInterval = 5 * time.Second
	// DefaultThreshold commits immediately once this many paths pend.
	DefaultThreshold = 100
)

type Config struct {
	Interval  time.Duration
	Threshold int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
}

// Committer owns the per-notebook pending sets. Safe for concurrent use.
type Committer struct {
	cfg   Config
	locks *locks.Registry

	mu        sync.Mutex
	notebooks map[int64]*pending

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// pending is one notebook's staged-but-uncommitted path set. Non-durable;
// Restage rebuilds it from the working tree on restart.
type pending struct {
	root       string
	existing   map[string]struct{}
	deleted    map[string]struct{}
	lastCommit time.Time
}

func (p *pending) size() int { return len(p.existing) + len(p.deleted) }

func New(reg *locks.Registry, cfg Config) *Committer {
	cfg.applyDefaults()
	return &Committer{
		cfg:       cfg,
		locks:     reg,
		notebooks: make(map[int64]*pending),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the interval loop.
func (c *Committer) Start() {
	go c.loop()
}

// Stop drains every notebook's pending set synchronously, then stops the
// loop.
func (c *Committer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.CommitAll()
	})
}

// Mark registers rel as changed (created or modified) for the notebook.
// Reaching the batch threshold commits immediately.
func (c *Committer) Mark(notebookID int64, root, rel string) {
	c.mark(notebookID, root, rel, false)
}

// MarkDeleted registers rel as removed for the notebook.
func (c *Committer) MarkDeleted(notebookID int64, root, rel string) {
	c.mark(notebookID, root, rel, true)
}

func (c *Committer) mark(notebookID int64, root, rel string, deleted bool) {
	c.mu.Lock()
	p, ok := c.notebooks[notebookID]
	if !ok {
		p = &pending{
			root:       root,
			existing:   make(map[string]struct{}),
			deleted:    make(map[string]struct{}),
			lastCommit: time.Now(),
		}
		c.notebooks[notebookID] = p
	}
	if deleted {
		delete(p.existing, rel)
		p.deleted[rel] = struct{}{}
	} else {
		delete(p.deleted, rel)
		p.existing[rel] = struct{}{}
	}
	overflow := p.size() >= c.cfg.Threshold
	c.mu.Unlock()

	if overflow {
		c.commitNotebook(notebookID)
	}
}

// Restage rebuilds the pending set from the working tree, picking up changes
// that were uncommitted when the previous process stopped.
func (c *Committer) Restage(notebookID int64, root string) {
	modified, deleted, err := git.DirtyWorkingTree(root)
	if err != nil {
		slog.Warn("restage failed", "notebook", notebookID, "error", err)
		return
	}
	for _, rel := range modified {
		c.Mark(notebookID, root, rel)
	}
	for _, rel := range deleted {
		c.MarkDeleted(notebookID, root, rel)
	}
}

// CommitAll drains every notebook synchronously.
func (c *Committer) CommitAll() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.notebooks))
	for id := range c.notebooks {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.commitNotebook(id)
	}
}

func (c *Committer) loop() {
	defer close(c.done)

	period := c.cfg.Interval / 5
	if period < 50*time.Millisecond {
		period = 50 * time.Millisecond
	}
	if period > time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.commitDue()
		}
	}
}

func (c *Committer) commitDue() {
	now := time.Now()

	c.mu.Lock()
	var due []int64
	for id, p := range c.notebooks {
		if p.size() > 0 && now.Sub(p.lastCommit) >= c.cfg.Interval {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		c.commitNotebook(id)
	}
}

// commitNotebook commits the notebook's pending set under the notebook
// lock. VCS errors are logged and swallowed; the pending set is cleared
// either way, since successful commits must not be retried and failed ones
// are re-staged by the next marked change.
func (c *Committer) commitNotebook(notebookID int64) {
	c.mu.Lock()
	p, ok := c.notebooks[notebookID]
	if !ok || p.size() == 0 {
		c.mu.Unlock()
		return
	}
	root := p.root
	existing := make([]string, 0, len(p.existing))
	for rel := range p.existing {
		existing = append(existing, rel)
	}
	deleted := make([]string, 0, len(p.deleted))
	for rel := range p.deleted {
		deleted = append(deleted, rel)
	}
	p.existing = make(map[string]struct{})
	p.deleted = make(map[string]struct{})
	p.lastCommit = time.Now()
	c.mu.Unlock()

	c.locks.Acquire(root)
	defer c.locks.Release(root)

	hash, err := c.commitLocked(root, existing, deleted)
	if err != nil {
		slog.Error("commit failed", "notebook", notebookID, "error", err)
		return
	}
	if hash != "" {
		slog.Debug("committed", "notebook", notebookID, "commit", hash,
			"updated", len(existing), "deleted", len(deleted))
	}
}

func (c *Committer) commitLocked(root string, existing, deleted []string) (string, error) {
	// Binary files never enter the tracked set.
	var stage []string
	for _, rel := range existing {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if binary, err := fileinfo.IsBinaryFile(full); err != nil {
			// Marked path already gone again; treat as deletion.
			deleted = append(deleted, rel)
			continue
		} else if binary {
			continue
		}
		stage = append(stage, rel)
	}

	if err := git.Add(root, stage...); err != nil {
		return "", err
	}
	if err := git.StageDeleted(root, deleted...); err != nil {
		return "", err
	}

	dirty, err := git.IndexDirty(root)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}

	return git.Commit(root, Message(stage, deleted))
}

// Message composes the commit message for a batch of staged updates and
// deletions. A single update with at most one paired deletion (a move)
// reads as a plain update of the surviving path.
func Message(updated, deleted []string) string {
	switch {
	case len(updated) == 1 && len(deleted) <= 1:
		return "Update " + updated[0]
	case len(updated) == 0 && len(deleted) == 1:
		return "Delete " + deleted[0]
	case len(deleted) == 0:
		return fmt.Sprintf("Batch update: %d files", len(updated))
	case len(updated) == 0:
		return fmt.Sprintf("Batch delete: %d files", len(deleted))
	default:
		return fmt.Sprintf("Batch: update %d files, delete %d files", len(updated), len(deleted))
	}
}
