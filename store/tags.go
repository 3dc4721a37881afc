package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Tag is a notebook-scoped label, many-to-many with files.
type Tag struct {
	ID         int64  `db:"id" json:"id"`
	NotebookID int64  `db:"notebook_id" json:"notebook_id"`
	Name       string `db:"name" json:"name"`
	Color      string `db:"color" json:"color,omitempty"`
}

// CreateTag inserts a tag, returning the existing one on a name collision.
func (s *Store) CreateTag(name, color string) (*Tag, error) {
	_, err := s.db.Exec(`
		INSERT INTO tags (notebook_id, name, color) VALUES (?, ?, ?)
		ON CONFLICT(notebook_id, name) DO UPDATE SET color = excluded.color`,
		s.notebookID, name, color)
	if err != nil {
		return nil, fmt.Errorf("create tag %s: %w", name, err)
	}

	var tag Tag
	if err := s.db.Get(&tag, `SELECT * FROM tags WHERE notebook_id = ? AND name = ?`, s.notebookID, name); err != nil {
		return nil, fmt.Errorf("read back tag %s: %w", name, err)
	}
	return &tag, nil
}

// DeleteTag removes a tag and its file links.
func (s *Store) DeleteTag(name string) error {
	res, err := s.db.Exec(`DELETE FROM tags WHERE notebook_id = ? AND name = ?`, s.notebookID, name)
	if err != nil {
		return fmt.Errorf("delete tag %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTags returns all tags ordered by name.
func (s *Store) ListTags() ([]Tag, error) {
	var tags []Tag
	if err := s.db.Select(&tags, `SELECT * FROM tags WHERE notebook_id = ? ORDER BY name`, s.notebookID); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// TagFile links the file at rel to the named tag, creating the tag if
// needed.
func (s *Store) TagFile(rel, tagName string) error {
	rec, err := s.GetFile(rel)
	if err != nil {
		return err
	}
	tag, err := s.CreateTag(tagName, "")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO file_tags (file_id, tag_id) VALUES (?, ?)`,
		rec.ID, tag.ID); err != nil {
		return fmt.Errorf("tag file %s with %s: %w", rel, tagName, err)
	}
	return nil
}

// UntagFile removes the link between the file at rel and the named tag.
func (s *Store) UntagFile(rel, tagName string) error {
	rec, err := s.GetFile(rel)
	if err != nil {
		return err
	}

	var tag Tag
	err = s.db.Get(&tag, `SELECT * FROM tags WHERE notebook_id = ? AND name = ?`, s.notebookID, tagName)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get tag %s: %w", tagName, err)
	}

	if _, err := s.db.Exec(`DELETE FROM file_tags WHERE file_id = ? AND tag_id = ?`, rec.ID, tag.ID); err != nil {
		return fmt.Errorf("untag file %s: %w", rel, err)
	}
	return nil
}

// FilesByTag returns the records linked to the named tag, ordered by path.
func (s *Store) FilesByTag(tagName string) ([]FileRecord, error) {
	var recs []FileRecord
	err := s.db.Select(&recs, `
		SELECT f.* FROM files f
		JOIN file_tags ft ON ft.file_id = f.id
		JOIN tags t ON t.id = ft.tag_id
		WHERE t.notebook_id = ? AND t.name = ?
		ORDER BY f.path`,
		s.notebookID, tagName)
	if err != nil {
		return nil, fmt.Errorf("files by tag %s: %w", tagName, err)
	}
	return recs, nil
}
