package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"
)

// FileRecord is one tracked file inside a notebook. (notebook_id, path) is
// unique; Filename is always the basename of Path.
type FileRecord struct {
	ID             int64           `db:"id" json:"id"`
	NotebookID     int64           `db:"notebook_id" json:"notebook_id"`
	Path           string          `db:"path" json:"path"`
	Filename       string          `db:"filename" json:"filename"`
	ContentType    string          `db:"content_type" json:"content_type"`
	Size           int64           `db:"size" json:"size"`
	Hash           string          `db:"hash" json:"hash,omitempty"`
	Title          string          `db:"title" json:"title,omitempty"`
	Description    string          `db:"description" json:"description,omitempty"`
	FileType       string          `db:"file_type" json:"file_type,omitempty"`
	Properties     json.RawMessage `db:"properties" json:"properties,omitempty"`
	SidecarPath    string          `db:"sidecar_path" json:"sidecar_path,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	FileCreatedAt  sql.NullTime    `db:"file_created_at" json:"-"`
	FileModifiedAt sql.NullTime    `db:"file_modified_at" json:"-"`
	GitTracked     bool            `db:"git_tracked" json:"git_tracked"`
	LastCommitHash string          `db:"last_commit_hash" json:"last_commit_hash,omitempty"`
}

// PropertyMap decodes the record's properties blob. A missing or invalid
// blob yields an empty map.
func (r *FileRecord) PropertyMap() map[string]any {
	props := map[string]any{}
	if len(r.Properties) > 0 {
		if err := json.Unmarshal(r.Properties, &props); err != nil {
			return map[string]any{}
		}
	}
	return props
}

// GetFile returns the record at rel path, or ErrNotFound.
func (s *Store) GetFile(rel string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.Get(&rec, `
		SELECT * FROM files WHERE notebook_id = ? AND path = ?`,
		s.notebookID, rel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", rel, err)
	}
	return &rec, nil
}

// ListFiles returns records ordered by path.
func (s *Store) ListFiles(offset, limit int) ([]FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []FileRecord
	err := s.db.Select(&recs, `
		SELECT * FROM files WHERE notebook_id = ?
		ORDER BY path LIMIT ? OFFSET ?`,
		s.notebookID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return recs, nil
}

// CountFiles returns the number of tracked files.
func (s *Store) CountFiles() (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM files WHERE notebook_id = ?`, s.notebookID); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// UpsertFile inserts rec or, when a record already exists for its path,
// merges onto the existing row keeping the existing id. Filename is derived
// from Path; NotebookID is forced to the store's notebook. Returns the
// record id.
func (s *Store) UpsertFile(rec *FileRecord) (int64, error) {
	rec.NotebookID = s.notebookID
	rec.Filename = path.Base(rec.Path)
	if len(rec.Properties) == 0 {
		rec.Properties = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.NamedExec(`
		INSERT INTO files (
			notebook_id, path, filename, content_type, size, hash,
			title, description, file_type, properties, sidecar_path,
			created_at, updated_at, file_created_at, file_modified_at,
			git_tracked, last_commit_hash
		) VALUES (
			:notebook_id, :path, :filename, :content_type, :size, :hash,
			:title, :description, :file_type, :properties, :sidecar_path,
			:created_at, :updated_at, :file_created_at, :file_modified_at,
			:git_tracked, :last_commit_hash
		)
		ON CONFLICT(notebook_id, path) DO UPDATE SET
			filename = excluded.filename,
			content_type = excluded.content_type,
			size = excluded.size,
			hash = excluded.hash,
			title = excluded.title,
			description = excluded.description,
			file_type = excluded.file_type,
			properties = excluded.properties,
			sidecar_path = excluded.sidecar_path,
			updated_at = excluded.updated_at,
			file_created_at = excluded.file_created_at,
			file_modified_at = excluded.file_modified_at,
			git_tracked = excluded.git_tracked,
			last_commit_hash = excluded.last_commit_hash`,
		rec)
	if err != nil {
		return 0, fmt.Errorf("upsert file %s: %w", rec.Path, err)
	}

	// LastInsertId is meaningless when the conflict branch ran; read back.
	var id int64
	if err := s.db.Get(&id, `SELECT id FROM files WHERE notebook_id = ? AND path = ?`, s.notebookID, rec.Path); err != nil {
		return 0, fmt.Errorf("read back file id for %s: %w", rec.Path, err)
	}
	rec.ID = id
	return id, nil
}

// UpdateFilePath moves a record to a new path (and filename) without
// touching content metadata. Used for watcher-detected moves.
func (s *Store) UpdateFilePath(oldRel, newRel string) error {
	res, err := s.db.Exec(`
		UPDATE files SET path = ?, filename = ?, updated_at = ?
		WHERE notebook_id = ? AND path = ?`,
		newRel, path.Base(newRel), time.Now().UTC(), s.notebookID, oldRel)
	if err != nil {
		return fmt.Errorf("update file path %s -> %s: %w", oldRel, newRel, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes the record at rel and its dependent rows.
func (s *Store) DeleteFile(rel string) error {
	res, err := s.db.Exec(`
		DELETE FROM files WHERE notebook_id = ? AND path = ?`,
		s.notebookID, rel)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", rel, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSearchText replaces the search index entry for a file.
func (s *Store) SetSearchText(fileID int64, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO search_index (file_id, content) VALUES (?, ?)
		ON CONFLICT(file_id) DO UPDATE SET content = excluded.content`,
		fileID, content)
	if err != nil {
		return fmt.Errorf("set search text: %w", err)
	}
	return nil
}
