package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventCreated         = "CREATED"
	EventModified        = "MODIFIED"
	EventDeleted         = "DELETED"
	EventMoved           = "MOVED"
	EventRenamed         = "RENAMED"
	EventMetadataUpdated = "METADATA_UPDATED"
)

// Event statuses. Transitions form a DAG:
// PENDING→PROCESSING→{COMPLETED,FAILED}; PENDING→SUPERSEDED;
// PROCESSING→FAILED. Terminal rows are immutable except for cleanup.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusSuperseded = "SUPERSEDED"
)

var (
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrOutsideRoot    = errors.New("path outside notebook root")
)

// Payload is the JSON body of a file event.
type Payload struct {
	Path            string         `json:"path"`
	NewPath         string         `json:"new_path,omitempty"`
	SourcePath      string         `json:"source_path,omitempty"`
	SourceHash      string         `json:"source_hash,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	PropertiesDelta map[string]any `json:"properties_delta,omitempty"`
}

// Event is one row of the durable queue.
type Event struct {
	ID            int64        `db:"id" json:"id"`
	NotebookID    int64        `db:"notebook_id" json:"notebook_id"`
	EventType     string       `db:"event_type" json:"event_type"`
	RawPayload    string       `db:"payload" json:"payload"`
	Status        string       `db:"status" json:"status"`
	CorrelationID string       `db:"correlation_id" json:"correlation_id,omitempty"`
	Sequence      int          `db:"sequence" json:"sequence"`
	RetryCount    int          `db:"retry_count" json:"retry_count"`
	ErrorMessage  string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	ProcessedAt   sql.NullTime `db:"processed_at" json:"-"`
}

// Terminal reports whether the event can no longer change status.
func (e *Event) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusSuperseded:
		return true
	}
	return false
}

// Payload decodes the event's JSON payload.
func (e *Event) Payload() (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(e.RawPayload), &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
	}
	return p, nil
}

// NormalizeRel cleans a caller-supplied relative path to its POSIX form and
// rejects escapes from the notebook root.
func NormalizeRel(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: path is empty", ErrInvalidPayload)
	}
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") || rel == "." {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return rel, nil
}

func validatePayload(eventType string, p *Payload) error {
	rel, err := NormalizeRel(p.Path)
	if err != nil {
		return err
	}
	p.Path = rel

	switch eventType {
	case EventCreated, EventModified, EventDeleted, EventMetadataUpdated:
	case EventMoved, EventRenamed:
		newRel, err := NormalizeRel(p.NewPath)
		if err != nil {
			return fmt.Errorf("new_path: %w", err)
		}
		p.NewPath = newRel
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, eventType)
	}
	return nil
}

// PublishEvent inserts a PENDING event and returns its id. Malformed
// payloads are rejected synchronously; no row is recorded.
func (s *Store) PublishEvent(eventType string, p Payload, correlationID string, sequence int) (int64, error) {
	if err := validatePayload(eventType, &p); err != nil {
		return 0, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO file_events (notebook_id, event_type, payload, status, correlation_id, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.notebookID, eventType, string(raw), StatusPending, correlationID, sequence, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("publish event: %w", err)
	}
	return res.LastInsertId()
}

// BatchItem is one entry of a correlated publish.
type BatchItem struct {
	EventType string
	Payload   Payload
}

// PublishBatch inserts the items atomically under a fresh correlation id
// with sequential sequence numbers.
func (s *Store) PublishBatch(items []BatchItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrInvalidPayload)
	}

	for i := range items {
		if err := validatePayload(items[i].EventType, &items[i].Payload); err != nil {
			return "", fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	correlationID := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.Beginx()
	if err != nil {
		return "", fmt.Errorf("begin batch publish: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for seq, item := range items {
		raw, err := json.Marshal(item.Payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO file_events (notebook_id, event_type, payload, status, correlation_id, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.notebookID, item.EventType, string(raw), StatusPending, correlationID, seq, now); err != nil {
			return "", fmt.Errorf("publish batch item %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch publish: %w", err)
	}
	committed = true
	return correlationID, nil
}

// SupersedePending marks PENDING MODIFIED and METADATA_UPDATED events whose
// payload path or source_path matches rel as SUPERSEDED, returning how many
// were marked. CREATED and DELETED events are never superseded here; they
// must be processed in order.
func (s *Store) SupersedePending(rel string) (int, error) {
	rel, err := NormalizeRel(rel)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`
		UPDATE file_events SET status = ?
		WHERE notebook_id = ? AND status = ?
		AND event_type IN (?, ?)
		AND (json_extract(payload, '$.path') = ? OR json_extract(payload, '$.source_path') = ?)`,
		StatusSuperseded, s.notebookID, StatusPending,
		EventModified, EventMetadataUpdated, rel, rel)
	if err != nil {
		return 0, fmt.Errorf("supersede pending for %s: %w", rel, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingEvents returns the PENDING queue in apply order: ascending
// (created_at, id). Batch inserts assign ids in sequence order, so
// correlated events also come back in ascending sequence.
func (s *Store) PendingEvents() ([]Event, error) {
	var events []Event
	err := s.db.Select(&events, `
		SELECT * FROM file_events
		WHERE notebook_id = ? AND status = ?
		ORDER BY created_at, id`,
		s.notebookID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	return events, nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(id int64) (*Event, error) {
	var ev Event
	err := s.db.Get(&ev, `SELECT * FROM file_events WHERE notebook_id = ? AND id = ?`, s.notebookID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return &ev, nil
}

// MarkProcessing transitions PENDING→PROCESSING. Returns false when the
// event was already claimed or superseded.
func (s *Store) MarkProcessing(id int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE file_events SET status = ? WHERE id = ? AND status = ?`,
		StatusProcessing, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark processing %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkCompleted transitions PROCESSING→COMPLETED.
func (s *Store) MarkCompleted(id int64) error {
	_, err := s.db.Exec(`
		UPDATE file_events SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		StatusCompleted, time.Now().UTC(), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed %d: %w", id, err)
	}
	return nil
}

// MarkFailed transitions PENDING or PROCESSING to FAILED with an error
// message and bumps retry_count.
func (s *Store) MarkFailed(id int64, message string) error {
	_, err := s.db.Exec(`
		UPDATE file_events
		SET status = ?, error_message = ?, processed_at = ?, retry_count = retry_count + 1
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, message, time.Now().UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// ResetStuck promotes PROCESSING rows older than olderThan back to PENDING
// with retry_count bumped. Run at engine start to recover from crashes
// mid-batch.
func (s *Store) ResetStuck(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(`
		UPDATE file_events
		SET status = ?, retry_count = retry_count + 1
		WHERE notebook_id = ? AND status = ? AND created_at < ?`,
		StatusPending, s.notebookID, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stuck events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueMetrics is the per-notebook counter snapshot.
type QueueMetrics struct {
	Pending       int `json:"pending"`
	Processing    int `json:"processing"`
	Completed24h  int `json:"completed_24h"`
	Failed24h     int `json:"failed_24h"`
	Superseded24h int `json:"superseded_24h"`
}

// Metrics returns queue counters. Terminal counts cover the last 24 hours.
func (s *Store) Metrics() (QueueMetrics, error) {
	var m QueueMetrics
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	rows, err := s.db.Queryx(`
		SELECT status, COUNT(*) FROM file_events
		WHERE notebook_id = ?
		AND (status IN (?, ?) OR processed_at >= ? OR (status = ? AND created_at >= ?))
		GROUP BY status`,
		s.notebookID, StatusPending, StatusProcessing, cutoff, StatusSuperseded, cutoff)
	if err != nil {
		return m, fmt.Errorf("queue metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		switch status {
		case StatusPending:
			m.Pending = count
		case StatusProcessing:
			m.Processing = count
		case StatusCompleted:
			m.Completed24h = count
		case StatusFailed:
			m.Failed24h = count
		case StatusSuperseded:
			m.Superseded24h = count
		}
	}
	return m, rows.Err()
}

// CleanupOldEvents deletes terminal events older than the given number of
// days. PENDING and PROCESSING rows are never deleted here.
func (s *Store) CleanupOldEvents(olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	res, err := s.db.Exec(`
		DELETE FROM file_events
		WHERE notebook_id = ? AND status IN (?, ?, ?) AND created_at < ?`,
		s.notebookID, StatusCompleted, StatusFailed, StatusSuperseded, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
