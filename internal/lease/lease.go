// Package lease implements the execution lease registry: a short-lived
// mutual-exclusion record that guards against two consumers dispatching the
// same queued message concurrently.
package lease

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/storage"
)

// Registry manages execution_leases rows.
type Registry struct {
	store *storage.Store
}

// New returns a Registry over store.
func New(store *storage.Store) *Registry {
	return &Registry{store: store}
}

// TryAcquire attempts to take the lease for executionID, valid for ttl. It
// succeeds if no lease exists, or the existing one has expired; otherwise it
// returns LeaseHeld.
func (r *Registry) TryAcquire(executionID, messageID string, ttl time.Duration) (storage.Lease, error) {
	leaseID := uuid.NewString()
	expiresAt := time.Now().Add(ttl)

	tx, err := r.store.Writer().Begin()
	if err != nil {
		return storage.Lease{}, apperrors.Internal("begin lease tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingExpiry time.Time
	err = tx.QueryRow(`SELECT expires_at FROM execution_leases WHERE execution_id = ?`, executionID).Scan(&existingExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			`INSERT INTO execution_leases (execution_id, lease_id, message_id, expires_at) VALUES (?, ?, ?, ?)`,
			executionID, leaseID, messageID, expiresAt,
		); err != nil {
			return storage.Lease{}, apperrors.Internal("insert lease", err)
		}
	case err != nil:
		return storage.Lease{}, apperrors.Internal("read existing lease", err)
	default:
		if existingExpiry.After(time.Now()) {
			return storage.Lease{}, apperrors.LeaseHeld(executionID)
		}
		if _, err := tx.Exec(
			`UPDATE execution_leases SET lease_id = ?, message_id = ?, expires_at = ? WHERE execution_id = ?`,
			leaseID, messageID, expiresAt, executionID,
		); err != nil {
			return storage.Lease{}, apperrors.Internal("replace expired lease", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Lease{}, apperrors.Internal("commit lease tx", err)
	}
	return storage.Lease{ExecutionID: executionID, LeaseID: leaseID, MessageID: messageID, ExpiresAt: expiresAt}, nil
}

// Extend pushes out a held lease's expiry, failing if leaseID no longer matches.
func (r *Registry) Extend(executionID, leaseID string, ttl time.Duration) error {
	res, err := r.store.Writer().Exec(
		`UPDATE execution_leases SET expires_at = ? WHERE execution_id = ? AND lease_id = ?`,
		time.Now().Add(ttl), executionID, leaseID,
	)
	if err != nil {
		return apperrors.Internal("extend lease", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("read extend result", err)
	}
	if affected == 0 {
		return apperrors.LeaseHeld(executionID)
	}
	return nil
}

// Release drops a held lease, failing silently if leaseID no longer matches
// (it was already reclaimed after expiry).
func (r *Registry) Release(executionID, leaseID string) error {
	_, err := r.store.Writer().Exec(
		`DELETE FROM execution_leases WHERE execution_id = ? AND lease_id = ?`,
		executionID, leaseID,
	)
	if err != nil {
		return apperrors.Internal("release lease", err)
	}
	return nil
}

// DeleteExpired removes every lease past its expiry, returning the count removed.
func (r *Registry) DeleteExpired() (int64, error) {
	res, err := r.store.Writer().Exec(`DELETE FROM execution_leases WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, apperrors.Internal("delete expired leases", err)
	}
	return res.RowsAffected()
}
