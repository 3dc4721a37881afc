package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaVersion is tracked in PRAGMA user_version. Version 1 is the legacy
// shape: no properties column and no unique (notebook_id, path) index, which
// permitted duplicate rows.
const schemaVersion = 2

const schemaSQL = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	notebook_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	hash TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	file_type TEXT NOT NULL DEFAULT '',
	properties TEXT NOT NULL DEFAULT '{}',
	sidecar_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	file_created_at DATETIME,
	file_modified_at DATETIME,
	git_tracked INTEGER NOT NULL DEFAULT 0,
	last_commit_hash TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_files_notebook_path ON files(notebook_id, path);

CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	notebook_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	UNIQUE(notebook_id, name)
);

CREATE TABLE IF NOT EXISTS file_tags (
	file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (file_id, tag_id)
);

CREATE TABLE IF NOT EXISTS search_index (
	file_id INTEGER PRIMARY KEY REFERENCES files(id) ON DELETE CASCADE,
	content TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS file_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	notebook_id INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'PENDING',
	correlation_id TEXT NOT NULL DEFAULT '',
	sequence INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	processed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_events_queue ON file_events(notebook_id, status, created_at, id);
`

func (s *Store) migrate() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch {
	case version == 0:
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	case version == 1:
		if err := s.upgradeLegacy(); err != nil {
			return err
		}
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if version != schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// upgradeLegacy brings a version-1 database to the current shape. The legacy
// schema had no unique (notebook_id, path) index and could hold duplicate
// rows for one path; duplicates are collapsed keeping the max id before the
// index is created.
func (s *Store) upgradeLegacy() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin upgrade: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.Exec(`
		DELETE FROM files WHERE id NOT IN (
			SELECT MAX(id) FROM files GROUP BY notebook_id, path
		)`); err != nil {
		return fmt.Errorf("deduplicate files: %w", err)
	}

	hasProps, err := tableHasColumn(tx, "files", "properties")
	if err != nil {
		return err
	}
	if !hasProps {
		if _, err := tx.Exec(`ALTER TABLE files ADD COLUMN properties TEXT NOT NULL DEFAULT '{}'`); err != nil {
			return fmt.Errorf("add properties column: %w", err)
		}
	}

	// Remaining tables and the unique index are created idempotently.
	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("upgrade schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade: %w", err)
	}
	committed = true
	return nil
}

func tableHasColumn(tx *sqlx.Tx, table, column string) (bool, error) {
	rows, err := tx.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
