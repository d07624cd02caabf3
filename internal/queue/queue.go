// Package queue implements the command queue: an ordered, durable,
// per-session list of execution messages not yet dispatched to a wrapper.
package queue

import (
	"database/sql"
	"errors"
	"time"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/storage"
)

// Expiry is how long a queued entry may wait before C6 or C9 marks its
// execution failed:queue_expired.
const Expiry = time.Hour

// Queue manages command_queue rows.
type Queue struct {
	store *storage.Store
}

// New returns a Queue over store.
func New(store *storage.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue appends a message to sessionID's queue.
func (q *Queue) Enqueue(sessionID, executionID, messageJSON string) (storage.QueueEntry, error) {
	res, err := q.store.Writer().Exec(
		`INSERT INTO command_queue (session_id, execution_id, message_json) VALUES (?, ?, ?)`,
		sessionID, executionID, messageJSON,
	)
	if err != nil {
		return storage.QueueEntry{}, apperrors.Internal("enqueue command", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.QueueEntry{}, apperrors.Internal("read enqueue id", err)
	}
	return q.byID(id)
}

func (q *Queue) byID(id int64) (storage.QueueEntry, error) {
	var e storage.QueueEntry
	row := q.store.Reader().QueryRow(
		`SELECT id, session_id, execution_id, message_json, created_at FROM command_queue WHERE id = ?`, id,
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.ExecutionID, &e.MessageJSON, &e.CreatedAt); err != nil {
		return storage.QueueEntry{}, apperrors.Internal("load queue entry", err)
	}
	return e, nil
}

// PeekOldest returns the head of sessionID's queue without removing it.
func (q *Queue) PeekOldest(sessionID string) (storage.QueueEntry, error) {
	var e storage.QueueEntry
	row := q.store.Reader().QueryRow(
		`SELECT id, session_id, execution_id, message_json, created_at FROM command_queue
		 WHERE session_id = ? ORDER BY id ASC LIMIT 1`, sessionID,
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.ExecutionID, &e.MessageJSON, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.QueueEntry{}, apperrors.NotFound("queue entry", sessionID)
		}
		return storage.QueueEntry{}, apperrors.Internal("peek queue", err)
	}
	return e, nil
}

// DequeueByID removes one row by its id.
func (q *Queue) DequeueByID(rowID int64) error {
	_, err := q.store.Writer().Exec(`DELETE FROM command_queue WHERE id = ?`, rowID)
	if err != nil {
		return apperrors.Internal("dequeue command", err)
	}
	return nil
}

// Count returns the current depth of sessionID's queue.
func (q *Queue) Count(sessionID string) (int, error) {
	var count int
	err := q.store.Reader().QueryRow(`SELECT COUNT(1) FROM command_queue WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, apperrors.Internal("count queue depth", err)
	}
	return count, nil
}

// ListSessionIDs returns the distinct session ids that currently have at
// least one queued entry, used by the reaper to retry a stalled dispatch.
func (q *Queue) ListSessionIDs() ([]string, error) {
	var ids []string
	err := q.store.Reader().Select(&ids, `SELECT DISTINCT session_id FROM command_queue`)
	if err != nil {
		return nil, apperrors.Internal("list queue session ids", err)
	}
	return ids, nil
}

// ListExpired returns every entry across all sessions older than Expiry.
func (q *Queue) ListExpired() ([]storage.QueueEntry, error) {
	cutoff := time.Now().Add(-Expiry)
	rows, err := q.store.Reader().Query(
		`SELECT id, session_id, execution_id, message_json, created_at FROM command_queue WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return nil, apperrors.Internal("list expired queue entries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.QueueEntry
	for rows.Next() {
		var e storage.QueueEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ExecutionID, &e.MessageJSON, &e.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan queue row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
