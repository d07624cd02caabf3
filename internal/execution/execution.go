// Package execution implements the execution registry: the system of record
// for individual agent invocations within a session, their status lifecycle,
// heartbeats, and interrupt signaling.
package execution

import (
	"database/sql"
	"errors"
	"time"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/stringutil"
	"github.com/kilocode/sessioncore/internal/storage"
)

// maxStoredErrorLen bounds the execution error column; wrapper-reported
// failures can carry arbitrarily long stack traces or stdout tails.
const maxStoredErrorLen = 2048

// allowedTransitions enumerates the execution status state machine. Terminal
// states have no outgoing edges.
var allowedTransitions = map[storage.ExecutionStatus][]storage.ExecutionStatus{
	storage.StatusPending: {storage.StatusRunning, storage.StatusFailed, storage.StatusInterrupted},
	storage.StatusRunning: {storage.StatusCompleted, storage.StatusFailed, storage.StatusInterrupted},
}

// Registry is the execution registry backed by the shared store.
type Registry struct {
	store *storage.Store
}

// New returns a Registry over store.
func New(store *storage.Store) *Registry {
	return &Registry{store: store}
}

// Add inserts a new pending execution row.
func (r *Registry) Add(sessionID, executionID, mode, ingestToken string) (storage.Execution, error) {
	now := time.Now().UTC()
	_, err := r.store.Writer().Exec(
		`INSERT INTO executions (execution_id, session_id, mode, status, started_at, ingest_token) VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, sessionID, mode, string(storage.StatusPending), now, ingestToken,
	)
	if err != nil {
		return storage.Execution{}, apperrors.AlreadyExists("execution", executionID)
	}
	return r.Get(executionID)
}

// Get loads an execution by id.
func (r *Registry) Get(executionID string) (storage.Execution, error) {
	var ex storage.Execution
	var status string
	var lastHeartbeat, completedAt sql.NullTime
	row := r.store.Reader().QueryRow(
		`SELECT execution_id, session_id, mode, status, started_at, last_heartbeat, completed_at, error, ingest_token, process_id
		 FROM executions WHERE execution_id = ?`, executionID,
	)
	if err := row.Scan(&ex.ExecutionID, &ex.SessionID, &ex.Mode, &status, &ex.StartedAt, &lastHeartbeat, &completedAt, &ex.Error, &ex.IngestToken, &ex.ProcessID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Execution{}, apperrors.NotFound("execution", executionID)
		}
		return storage.Execution{}, apperrors.Internal("load execution", err)
	}
	ex.Status = storage.ExecutionStatus(status)
	if lastHeartbeat.Valid {
		ex.LastHeartbeat = &lastHeartbeat.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// UpdateStatus transitions an execution's status, enforcing the state
// machine. Terminal statuses stamp completed_at.
func (r *Registry) UpdateStatus(executionID string, next storage.ExecutionStatus, execErr string) error {
	current, err := r.Get(executionID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return apperrors.InvalidTransition(string(current.Status), string(next))
	}
	if !transitionAllowed(current.Status, next) {
		return apperrors.InvalidTransition(string(current.Status), string(next))
	}

	execErr = stringutil.TruncateStringWithEllipsis(execErr, maxStoredErrorLen)

	if next.IsTerminal() {
		_, err = r.store.Writer().Exec(
			`UPDATE executions SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP WHERE execution_id = ?`,
			string(next), execErr, executionID,
		)
	} else {
		_, err = r.store.Writer().Exec(`UPDATE executions SET status = ?, error = ? WHERE execution_id = ?`, string(next), execErr, executionID)
	}
	if err != nil {
		return apperrors.Internal("update execution status", err)
	}
	return nil
}

func transitionAllowed(from, to storage.ExecutionStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpdateHeartbeat records that the execution's wrapper is still alive.
func (r *Registry) UpdateHeartbeat(executionID, processID string) error {
	_, err := r.store.Writer().Exec(
		`UPDATE executions SET last_heartbeat = CURRENT_TIMESTAMP, process_id = COALESCE(NULLIF(?, ''), process_id) WHERE execution_id = ?`,
		processID, executionID,
	)
	if err != nil {
		return apperrors.Internal("update heartbeat", err)
	}
	return nil
}

// ListStaleRunning returns running executions whose heartbeat is older than
// threshold (or was never received and started before threshold).
func (r *Registry) ListStaleRunning(threshold time.Time) ([]storage.Execution, error) {
	rows, err := r.store.Reader().Query(
		`SELECT execution_id, session_id, mode, status, started_at, last_heartbeat, completed_at, error, ingest_token, process_id
		 FROM executions
		 WHERE status = ? AND (
		   (last_heartbeat IS NOT NULL AND last_heartbeat < ?) OR
		   (last_heartbeat IS NULL AND started_at < ?)
		 )`,
		string(storage.StatusRunning), threshold, threshold,
	)
	if err != nil {
		return nil, apperrors.Internal("list stale executions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Execution
	for rows.Next() {
		var ex storage.Execution
		var status string
		var lastHeartbeat, completedAt sql.NullTime
		if err := rows.Scan(&ex.ExecutionID, &ex.SessionID, &ex.Mode, &status, &ex.StartedAt, &lastHeartbeat, &completedAt, &ex.Error, &ex.IngestToken, &ex.ProcessID); err != nil {
			return nil, apperrors.Internal("scan execution row", err)
		}
		ex.Status = storage.ExecutionStatus(status)
		if lastHeartbeat.Valid {
			ex.LastHeartbeat = &lastHeartbeat.Time
		}
		if completedAt.Valid {
			ex.CompletedAt = &completedAt.Time
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ListStalePending returns pending executions started before threshold
// whose wrapper never connected.
func (r *Registry) ListStalePending(threshold time.Time) ([]storage.Execution, error) {
	rows, err := r.store.Reader().Query(
		`SELECT execution_id, session_id, mode, status, started_at, last_heartbeat, completed_at, error, ingest_token, process_id
		 FROM executions WHERE status = ? AND started_at < ?`,
		string(storage.StatusPending), threshold,
	)
	if err != nil {
		return nil, apperrors.Internal("list stale pending executions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Execution
	for rows.Next() {
		var ex storage.Execution
		var status string
		var lastHeartbeat, completedAt sql.NullTime
		if err := rows.Scan(&ex.ExecutionID, &ex.SessionID, &ex.Mode, &status, &ex.StartedAt, &lastHeartbeat, &completedAt, &ex.Error, &ex.IngestToken, &ex.ProcessID); err != nil {
			return nil, apperrors.Internal("scan execution row", err)
		}
		ex.Status = storage.ExecutionStatus(status)
		if lastHeartbeat.Valid {
			ex.LastHeartbeat = &lastHeartbeat.Time
		}
		if completedAt.Valid {
			ex.CompletedAt = &completedAt.Time
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}
