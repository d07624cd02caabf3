package storage

import (
	"time"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
)

// AppendEvent persists one wrapper-emitted event and returns its assigned id.
func (s *Store) AppendEvent(ev StoredEvent) (int64, error) {
	res, err := s.pool.Writer().Exec(
		`INSERT INTO events (execution_id, session_id, stream_event_type, payload_json) VALUES (?, ?, ?, ?)`,
		ev.ExecutionID, ev.SessionID, ev.StreamEventType, ev.PayloadJSON,
	)
	if err != nil {
		return 0, apperrors.Internal("append event", err)
	}
	return res.LastInsertId()
}

// ListEventsSince returns events for an execution with id > afterID, in
// ascending order, used to replay history to a reconnecting stream client.
func (s *Store) ListEventsSince(executionID string, afterID int64) ([]StoredEvent, error) {
	rows, err := s.pool.Reader().Query(
		`SELECT id, execution_id, session_id, stream_event_type, payload_json, timestamp
		 FROM events WHERE execution_id = ? AND id > ? ORDER BY id ASC`,
		executionID, afterID,
	)
	if err != nil {
		return nil, apperrors.Internal("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.SessionID, &ev.StreamEventType, &ev.PayloadJSON, &ev.Timestamp); err != nil {
			return nil, apperrors.Internal("scan event row", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate event rows", err)
	}
	return events, nil
}

// ListEventsBySessionSince returns events for a session with id > afterID, in
// ascending order, spanning every execution the session has had. Used to
// replay the full durable buffer to a reconnecting stream client regardless
// of whether an execution is currently active.
func (s *Store) ListEventsBySessionSince(sessionID string, afterID int64) ([]StoredEvent, error) {
	rows, err := s.pool.Reader().Query(
		`SELECT id, execution_id, session_id, stream_event_type, payload_json, timestamp
		 FROM events WHERE session_id = ? AND id > ? ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, apperrors.Internal("list events by session", err)
	}
	defer func() { _ = rows.Close() }()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.SessionID, &ev.StreamEventType, &ev.PayloadJSON, &ev.Timestamp); err != nil {
			return nil, apperrors.Internal("scan event row", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate event rows", err)
	}
	return events, nil
}

// DeleteEventsOlderThan prunes events older than the retention cutoff,
// returning the number of rows removed.
func (s *Store) DeleteEventsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.pool.Writer().Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Internal("delete old events", err)
	}
	return res.RowsAffected()
}
