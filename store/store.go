// Package store is the per-notebook metadata database: file records, tags,
// search index and the durable file-event queue. One SQLite file per
// notebook, living in the notebook's .codex control directory.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// ControlDir is the engine-owned directory inside a notebook root.
const ControlDir = ".codex"

// DBFileName is the metadata database file inside ControlDir.
const DBFileName = "notebook.db"

var ErrNotFound = errors.New("record not found")

// Store wraps a notebook's metadata database. All writes must happen while
// the caller holds the notebook's lock; reads may proceed without it and
// tolerate stale snapshots.
type Store struct {
	db         *sqlx.DB
	notebookID int64
	root       string
}

// Open opens (creating if needed) the metadata database for the notebook
// rooted at root. Missing tables are created and pending schema upgrades
// applied idempotently.
func Open(root string, notebookID int64) (*Store, error) {
	controlDir := filepath.Join(root, ControlDir)
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}

	path := filepath.Join(controlDir, DBFileName)
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// The database is a single-writer resource; funnel everything through
	// one connection so SQLITE_BUSY stays behind the busy timeout.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, notebookID: notebookID, root: root}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NotebookID returns the notebook this store belongs to.
func (s *Store) NotebookID() int64 { return s.notebookID }

// Root returns the notebook root path.
func (s *Store) Root() string { return s.root }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
