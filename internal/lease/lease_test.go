package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.Open(config.DatabaseConfig{Path: t.TempDir() + "/db.sqlite", ReaderConns: 2}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestRegistry_TryAcquireExcludesConcurrentHolder(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.TryAcquire("exec-1", "msg-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, first.LeaseID)

	_, err = reg.TryAcquire("exec-1", "msg-2", time.Minute)
	require.Error(t, err, "a live lease must exclude a second acquirer")
}

func TestRegistry_TryAcquireReclaimsExpiredLease(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.TryAcquire("exec-2", "msg-1", -time.Second)
	require.NoError(t, err)

	second, err := reg.TryAcquire("exec-2", "msg-2", time.Minute)
	require.NoError(t, err, "an expired lease must be reclaimable")
	require.Equal(t, "msg-2", second.MessageID)
}

func TestRegistry_ReleaseAllowsReacquire(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.TryAcquire("exec-3", "msg-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, reg.Release("exec-3", first.LeaseID))

	_, err = reg.TryAcquire("exec-3", "msg-2", time.Minute)
	require.NoError(t, err)
}

func TestRegistry_DeleteExpired(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.TryAcquire("exec-4", "msg-1", -time.Second)
	require.NoError(t, err)

	count, err := reg.DeleteExpired()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
