package authority

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/storage"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failNext bool
}

func (f *fakeSender) Send(ctx context.Context, sessionID, executionID, messageJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, executionID)
	return nil
}

func newTestAuthority(t *testing.T) (*Authority, *storage.Store, *fakeSender) {
	t.Helper()
	dbPath := t.TempDir() + "/sessioncore.db"
	store, err := storage.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeoutMs: 1000}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{}
	a := New(store, execution.New(store), queue.New(store), sender, nil, nil, logger.Default())
	return a, store, sender
}

func preparedGitHubInput() PrepareInput {
	return PrepareInput{
		UserID: "user-1",
		Source: storage.GitSource{GitHubRepo: "acme/repo", GitHubToken: "ghtok"},
		PreparedExecutionFields: storage.PreparedExecutionFields{
			Prompt: "Write tests", Mode: "code", Model: "m1",
		},
	}
}

func TestStartExecution_InitiateFirstExecutionStarts(t *testing.T) {
	a, store, sender := newTestAuthority(t)
	ctx := context.Background()

	status, execID, err := a.StartExecution(ctx, "sess-1", StartExecutionRequest{
		Kind:    KindInitiate,
		Prepare: ptr(preparedGitHubInput()),
	})
	require.NoError(t, err)
	require.Equal(t, "started", status)
	require.NotEmpty(t, execID)

	meta, err := store.GetSessionMetadata("sess-1")
	require.NoError(t, err)
	require.NotNil(t, meta.InitiatedAt)

	active, err := store.GetActiveExecutionID("sess-1")
	require.NoError(t, err)
	require.Equal(t, execID, active)

	count, err := queue.New(store).Count("sess-1")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.NoError(t, a.OnExecutionComplete(ctx, "sess-1", execID, storage.StatusCompleted, ""))
	active, err = store.GetActiveExecutionID("sess-1")
	require.NoError(t, err)
	require.Empty(t, active)
	_ = sender
}

func TestStartExecution_FIFOAcrossTwoEnqueues(t *testing.T) {
	a, store, _ := newTestAuthority(t)
	ctx := context.Background()

	_, e1, err := a.StartExecution(ctx, "sess-2", StartExecutionRequest{Kind: KindInitiate, Prepare: ptr(preparedGitHubInput())})
	require.NoError(t, err)

	status2, e2, err := a.StartExecution(ctx, "sess-2", StartExecutionRequest{Kind: KindInitiatePrepared})
	require.NoError(t, err)
	require.Equal(t, "queued", status2)

	status3, e3, err := a.StartExecution(ctx, "sess-2", StartExecutionRequest{Kind: KindInitiatePrepared})
	require.NoError(t, err)
	require.Equal(t, "queued", status3)

	q := queue.New(store)
	count, err := q.Count("sess-2")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	head, err := q.PeekOldest("sess-2")
	require.NoError(t, err)
	require.Equal(t, e2, head.ExecutionID)

	require.NoError(t, a.OnExecutionComplete(ctx, "sess-2", e1, storage.StatusCompleted, ""))
	active, err := store.GetActiveExecutionID("sess-2")
	require.NoError(t, err)
	require.Equal(t, e2, active)

	head, err = q.PeekOldest("sess-2")
	require.NoError(t, err)
	require.Equal(t, e3, head.ExecutionID)

	require.NoError(t, a.OnExecutionComplete(ctx, "sess-2", e2, storage.StatusCompleted, ""))
	active, err = store.GetActiveExecutionID("sess-2")
	require.NoError(t, err)
	require.Equal(t, e3, active)
}

func TestStartExecution_QueueOverflowRejected(t *testing.T) {
	a, _, _ := newTestAuthority(t)
	ctx := context.Background()

	_, _, err := a.StartExecution(ctx, "sess-3", StartExecutionRequest{Kind: KindInitiate, Prepare: ptr(preparedGitHubInput())})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := a.StartExecution(ctx, "sess-3", StartExecutionRequest{Kind: KindInitiatePrepared})
		require.NoError(t, err)
	}

	_, _, err = a.StartExecution(ctx, "sess-3", StartExecutionRequest{Kind: KindInitiatePrepared})
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeQueueFull))
}

func TestStartExecution_QueueExpiryOnDispatch(t *testing.T) {
	a, store, _ := newTestAuthority(t)
	ctx := context.Background()

	_, e1, err := a.StartExecution(ctx, "sess-4", StartExecutionRequest{Kind: KindInitiate, Prepare: ptr(preparedGitHubInput())})
	require.NoError(t, err)

	_, e2, err := a.StartExecution(ctx, "sess-4", StartExecutionRequest{Kind: KindInitiatePrepared})
	require.NoError(t, err)

	_, err = store.Writer().Exec(`UPDATE command_queue SET created_at = ? WHERE execution_id = ?`, time.Now().Add(-61*time.Minute), e2)
	require.NoError(t, err)

	require.NoError(t, a.OnExecutionComplete(ctx, "sess-4", e1, storage.StatusCompleted, ""))

	exec2, err := execution.New(store).Get(e2)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, exec2.Status)
	require.Equal(t, "queue_expired", exec2.Error)

	active, err := store.GetActiveExecutionID("sess-4")
	require.NoError(t, err)
	require.Empty(t, active)

	q := queue.New(store)
	count, err := q.Count("sess-4")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestOnExecutionComplete_IdempotentOnSecondCall(t *testing.T) {
	a, _, _ := newTestAuthority(t)
	ctx := context.Background()

	_, execID, err := a.StartExecution(ctx, "sess-5", StartExecutionRequest{Kind: KindInitiate, Prepare: ptr(preparedGitHubInput())})
	require.NoError(t, err)

	require.NoError(t, a.OnExecutionComplete(ctx, "sess-5", execID, storage.StatusCompleted, ""))
	require.NoError(t, a.OnExecutionComplete(ctx, "sess-5", execID, storage.StatusCompleted, ""))
}

func TestStartExecution_DispatchFailureLeavesRowQueued(t *testing.T) {
	a, store, sender := newTestAuthority(t)
	ctx := context.Background()
	sender.failNext = true

	_, execID, err := a.StartExecution(ctx, "sess-6", StartExecutionRequest{Kind: KindInitiate, Prepare: ptr(preparedGitHubInput())})
	require.Error(t, err)
	require.Empty(t, execID)

	q := queue.New(store)
	count, err := q.Count("sess-6")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	active, err := store.GetActiveExecutionID("sess-6")
	require.NoError(t, err)
	require.Empty(t, active)
}

func ptr[T any](v T) *T { return &v }
