package storage

import (
	"encoding/json"
	"time"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
)

// CallbackJob is one durable callback delivery attempt record.
type CallbackJob struct {
	ID            int64
	SessionID     string
	ExecutionID   string
	TargetURL     string
	TargetHeaders map[string]string
	PayloadJSON   string
	Status        string // pending | delivered | failed
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// EnqueueCallbackJob inserts a new pending callback delivery job.
func (s *Store) EnqueueCallbackJob(sessionID, executionID string, target CallbackTarget, payload any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, apperrors.Internal("marshal callback payload", err)
	}
	headersJSON, err := json.Marshal(target.Headers)
	if err != nil {
		return 0, apperrors.Internal("marshal callback headers", err)
	}
	res, err := s.pool.Writer().Exec(
		`INSERT INTO callback_jobs (session_id, execution_id, target_url, target_headers_json, payload_json, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, executionID, target.URL, string(headersJSON), string(payloadJSON), time.Now(),
	)
	if err != nil {
		return 0, apperrors.Internal("enqueue callback job", err)
	}
	return res.LastInsertId()
}

// ListDueCallbackJobs returns pending jobs whose next_attempt_at has passed.
func (s *Store) ListDueCallbackJobs(now time.Time, limit int) ([]CallbackJob, error) {
	rows, err := s.pool.Reader().Query(
		`SELECT id, session_id, execution_id, target_url, target_headers_json, payload_json, status, attempts, next_attempt_at, last_error
		 FROM callback_jobs WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, apperrors.Internal("list due callback jobs", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []CallbackJob
	for rows.Next() {
		var job CallbackJob
		var headersJSON string
		if err := rows.Scan(&job.ID, &job.SessionID, &job.ExecutionID, &job.TargetURL, &headersJSON, &job.PayloadJSON, &job.Status, &job.Attempts, &job.NextAttemptAt, &job.LastError); err != nil {
			return nil, apperrors.Internal("scan callback job row", err)
		}
		if err := json.Unmarshal([]byte(headersJSON), &job.TargetHeaders); err != nil {
			return nil, apperrors.Internal("unmarshal callback job headers json", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate callback job rows", err)
	}
	return jobs, nil
}

// MarkCallbackJobDelivered marks a job as successfully delivered.
func (s *Store) MarkCallbackJobDelivered(id int64) error {
	_, err := s.pool.Writer().Exec(`UPDATE callback_jobs SET status = 'delivered' WHERE id = ?`, id)
	if err != nil {
		return apperrors.Internal("mark callback job delivered", err)
	}
	return nil
}

// RescheduleCallbackJob bumps a job's attempt count and sets its next
// attempt time after a retryable failure.
func (s *Store) RescheduleCallbackJob(id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.pool.Writer().Exec(
		`UPDATE callback_jobs SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, nextAttemptAt, lastError, id,
	)
	if err != nil {
		return apperrors.Internal("reschedule callback job", err)
	}
	return nil
}

// MarkCallbackJobFailed marks a job as permanently failed (retry budget
// exhausted, or a non-retryable 4xx response).
func (s *Store) MarkCallbackJobFailed(id int64, lastError string) error {
	_, err := s.pool.Writer().Exec(
		`UPDATE callback_jobs SET status = 'failed', last_error = ? WHERE id = ?`,
		lastError, id,
	)
	if err != nil {
		return apperrors.Internal("mark callback job failed", err)
	}
	return nil
}
