package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/sqlite"
)

// CreateSession inserts a brand-new session row. Returns AlreadyExists if the
// session id is already taken.
func (s *Store) CreateSession(meta SessionMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Internal("marshal session metadata", err)
	}

	_, err = s.pool.Writer().Exec(
		`INSERT INTO sessions (session_id, metadata_json, version) VALUES (?, ?, ?)`,
		meta.SessionID, string(payload), meta.Version,
	)
	if err != nil {
		return apperrors.AlreadyExists("session", meta.SessionID)
	}
	return nil
}

// GetSessionMetadata loads the current metadata for a session.
func (s *Store) GetSessionMetadata(sessionID string) (SessionMetadata, error) {
	var payload string
	err := s.pool.Reader().Get(&payload, `SELECT metadata_json FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionMetadata{}, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return SessionMetadata{}, apperrors.Internal("load session metadata", err)
	}

	var meta SessionMetadata
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return SessionMetadata{}, apperrors.Internal("unmarshal session metadata json", err)
	}
	return meta, nil
}

// SessionExists reports whether a session row exists.
func (s *Store) SessionExists(sessionID string) (bool, error) {
	var count int
	err := s.pool.Reader().Get(&count, `SELECT COUNT(1) FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, apperrors.Internal("check session existence", err)
	}
	return count > 0, nil
}

// CompareAndSwapMetadata persists meta only if the stored version still
// matches expectedVersion, then bumps the version by one. This is the
// optimistic-concurrency primitive the Session Authority's single-writer
// actor uses to serialize metadata patches.
func (s *Store) CompareAndSwapMetadata(sessionID string, expectedVersion int64, meta SessionMetadata) error {
	meta.Version = expectedVersion + 1
	meta.Timestamp = time.Now().UnixMilli()

	payload, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Internal("marshal session metadata", err)
	}

	res, err := s.pool.Writer().Exec(
		`UPDATE sessions SET metadata_json = ?, version = ? WHERE session_id = ? AND version = ?`,
		string(payload), meta.Version, sessionID, expectedVersion,
	)
	if err != nil {
		return apperrors.Internal("update session metadata", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("read update result", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("session %s metadata version conflict", sessionID))
	}
	return nil
}

// maxMetadataRetries bounds the get-modify-CAS retry loop used by the narrow
// field updaters below, for the rare case a concurrent writer bumps the
// version between the read and the swap.
const maxMetadataRetries = 5

// UpdateKiloSessionID records the wrapper-reported kiloSessionId, retrying
// the compare-and-swap on a version conflict.
func (s *Store) UpdateKiloSessionID(sessionID, kiloSessionID string) error {
	return s.retryMetadataUpdate(sessionID, func(meta *SessionMetadata) {
		meta.KiloSessionID = kiloSessionID
	})
}

// UpdateUpstreamBranch records a wrapper-reported branch change, retrying
// the compare-and-swap on a version conflict.
func (s *Store) UpdateUpstreamBranch(sessionID, branch string) error {
	return s.retryMetadataUpdate(sessionID, func(meta *SessionMetadata) {
		meta.UpstreamBranch = branch
	})
}

func (s *Store) retryMetadataUpdate(sessionID string, mutate func(*SessionMetadata)) error {
	var lastErr error
	for attempt := 0; attempt < maxMetadataRetries; attempt++ {
		meta, err := s.GetSessionMetadata(sessionID)
		if err != nil {
			return err
		}
		mutate(&meta)
		if err := s.CompareAndSwapMetadata(sessionID, meta.Version, meta); err != nil {
			if apperrors.Is(err, apperrors.CodeInvalidTransition) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// DeleteSession removes a session and its dependent rows.
func (s *Store) DeleteSession(sessionID string) error {
	tx, err := s.pool.Writer().Beginx()
	if err != nil {
		return apperrors.Internal("begin delete session tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM events WHERE session_id = ?`,
		`DELETE FROM command_queue WHERE session_id = ?`,
		`DELETE FROM execution_leases WHERE execution_id IN (SELECT execution_id FROM executions WHERE session_id = ?)`,
		`DELETE FROM executions WHERE session_id = ?`,
		`DELETE FROM sessions WHERE session_id = ?`,
	} {
		if _, err := tx.Exec(stmt, sessionID); err != nil {
			return apperrors.Internal("delete session rows", err)
		}
	}
	return tx.Commit()
}

// SetActiveExecution records sessionID's single active execution id.
func (s *Store) SetActiveExecution(sessionID, executionID string) error {
	_, err := s.pool.Writer().Exec(
		`UPDATE sessions SET active_execution_id = ? WHERE session_id = ?`,
		executionID, sessionID,
	)
	if err != nil {
		return apperrors.Internal("set active execution", err)
	}
	return nil
}

// ClearActiveExecution unsets the active execution id, only if it still
// matches executionID (guards against clearing a newer execution's slot).
func (s *Store) ClearActiveExecution(sessionID, executionID string) error {
	_, err := s.pool.Writer().Exec(
		`UPDATE sessions SET active_execution_id = NULL WHERE session_id = ? AND active_execution_id = ?`,
		sessionID, executionID,
	)
	if err != nil {
		return apperrors.Internal("clear active execution", err)
	}
	return nil
}

// GetActiveExecutionID returns the session's active execution id, or "" if none.
func (s *Store) GetActiveExecutionID(sessionID string) (string, error) {
	var id sql.NullString
	err := s.pool.Reader().Get(&id, `SELECT active_execution_id FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return "", apperrors.Internal("get active execution", err)
	}
	return id.String, nil
}

// RequestInterrupt sets the session's interrupt flag.
func (s *Store) RequestInterrupt(sessionID string) error {
	return s.setInterruptFlag(sessionID, true)
}

// IsInterruptRequested reports whether the session's interrupt flag is set.
func (s *Store) IsInterruptRequested(sessionID string) (bool, error) {
	var flag int
	err := s.pool.Reader().Get(&flag, `SELECT interrupt_requested FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, apperrors.Internal("read interrupt flag", err)
	}
	return flag != 0, nil
}

func (s *Store) setInterruptFlag(sessionID string, requested bool) error {
	_, err := s.pool.Writer().Exec(`UPDATE sessions SET interrupt_requested = ? WHERE session_id = ?`, sqlite.BoolToInt(requested), sessionID)
	if err != nil {
		return apperrors.Internal("set interrupt flag", err)
	}
	return nil
}

// ClearInterrupt resets the session's interrupt flag.
func (s *Store) ClearInterrupt(sessionID string) error {
	return s.setInterruptFlag(sessionID, false)
}

// TouchActivity bumps last_activity_at to now; the reaper uses this to find
// idle sessions past their TTL.
func (s *Store) TouchActivity(sessionID string) error {
	_, err := s.pool.Writer().Exec(`UPDATE sessions SET last_activity_at = CURRENT_TIMESTAMP WHERE session_id = ?`, sessionID)
	if err != nil {
		return apperrors.Internal("touch session activity", err)
	}
	return nil
}

// ListIdleSessions returns session ids whose last_activity_at is older than olderThan.
func (s *Store) ListIdleSessions(olderThan time.Time) ([]string, error) {
	var ids []string
	err := s.pool.Reader().Select(&ids, `SELECT session_id FROM sessions WHERE last_activity_at < ?`, olderThan)
	if err != nil {
		return nil, apperrors.Internal("list idle sessions", err)
	}
	return ids, nil
}
