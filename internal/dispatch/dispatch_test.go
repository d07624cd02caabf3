package dispatch

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/extqueue"
	"github.com/kilocode/sessioncore/internal/lease"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/sandbox"
	"github.com/kilocode/sessioncore/internal/storage"
)

type fakeHandle struct {
	commands [][]string
}

func (h *fakeHandle) Run(ctx context.Context, workdir string, env map[string]string, name string, args ...string) ([]byte, error) {
	h.commands = append(h.commands, append([]string{name}, args...))
	return nil, nil
}

func (h *fakeHandle) Destroy() error { return nil }

type fakeProvisioner struct {
	handle       *fakeHandle
	initializeN  int
	resumeN      int
}

func (p *fakeProvisioner) Initialize(ctx context.Context, sessionID string, meta storage.SessionMetadata) (*sandbox.PreparedSession, error) {
	p.initializeN++
	return &sandbox.PreparedSession{
		SandboxID: "org-" + sessionID, Workspace: "/workspace", SessionHome: "/home",
		Env: map[string]string{"HOME": "/home"}, Handle: p.handle,
	}, nil
}

func (p *fakeProvisioner) Resume(ctx context.Context, sessionID string, meta storage.SessionMetadata) (*sandbox.PreparedSession, error) {
	p.resumeN++
	return &sandbox.PreparedSession{
		SandboxID: "org-" + sessionID, Workspace: "/workspace", SessionHome: "/home",
		Env: map[string]string{"HOME": "/home"}, Handle: p.handle,
	}, nil
}

func newTestConsumer(t *testing.T) (*Consumer, *storage.Store, *fakeProvisioner) {
	t.Helper()
	dbPath := t.TempDir() + "/sessioncore.db"
	store, err := storage.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeoutMs: 1000}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	executions := execution.New(store)
	q := queue.New(store)
	leases := lease.New(store)

	prov := &fakeProvisioner{handle: &fakeHandle{}}

	sender := &extqueue.Sender{}
	auth := authority.New(store, executions, q, noopSender{}, nil, nil, logger.Default())

	cfg := config.DispatchConfig{WrapperBinary: "kilo-wrapper", IngestBaseURL: "ws://test", QueueGroup: "test", LeaseTTLSeconds: 60}
	c := New(sender, leases, nil, executions, store, auth, cfg, logger.Default())
	c.orch = prov
	return c, store, prov
}

type noopSender struct{}

func (noopSender) Send(ctx context.Context, sessionID, executionID, messageJSON string) error { return nil }

func TestMapWrapperOutcome_Success(t *testing.T) {
	status, errMsg := mapWrapperOutcome(nil)
	require.Equal(t, storage.StatusCompleted, status)
	require.Empty(t, errMsg)
}

func TestMapWrapperOutcome_ExitErrorWithoutProcessStateIsFailed(t *testing.T) {
	status, errMsg := mapWrapperOutcome(&exec.ExitError{})
	_ = errMsg
	require.Equal(t, storage.StatusFailed, status)
}

func TestRun_InitializeAndRunWrapper(t *testing.T) {
	c, store, prov := newTestConsumer(t)
	ctx := context.Background()

	meta := storage.SessionMetadata{
		SessionID: "sess-1", UserID: "u1",
		Source:  storage.GitSource{GitHubRepo: "acme/repo", GitHubToken: "tok"},
		Version: 1,
	}
	require.NoError(t, store.CreateSession(meta))

	plan := authority.WrapperLaunchPlan{Kind: authority.KindInitiate, SessionID: "sess-1", ExecutionID: "exec-1", IngestToken: "ingest-1"}
	payload, err := json.Marshal(plan)
	require.NoError(t, err)

	_, err = execution.New(store).Add("sess-1", "exec-1", "code", "ingest-1")
	require.NoError(t, err)

	status, execErr, err := c.run(ctx, logger.Default(), extqueue.DispatchMessage{SessionID: "sess-1", ExecutionID: "exec-1", MessageJSON: string(payload)})
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, status)
	require.Empty(t, execErr)
	require.Equal(t, 1, prov.initializeN)
	require.Equal(t, 0, prov.resumeN)
	require.Len(t, prov.handle.commands, 1)
	require.Equal(t, "kilo-wrapper", prov.handle.commands[0][0])
}

func TestRun_ResumeKindCallsResume(t *testing.T) {
	c, store, prov := newTestConsumer(t)
	ctx := context.Background()

	meta := storage.SessionMetadata{SessionID: "sess-2", UserID: "u1", Source: storage.GitSource{GitHubRepo: "acme/repo", GitHubToken: "tok"}, Version: 1}
	require.NoError(t, store.CreateSession(meta))
	_, err := execution.New(store).Add("sess-2", "exec-2", "code", "ingest-2")
	require.NoError(t, err)

	plan := authority.WrapperLaunchPlan{Kind: authority.KindResume, SessionID: "sess-2", ExecutionID: "exec-2", IngestToken: "ingest-2"}
	payload, err := json.Marshal(plan)
	require.NoError(t, err)

	status, _, err := c.run(ctx, logger.Default(), extqueue.DispatchMessage{SessionID: "sess-2", ExecutionID: "exec-2", MessageJSON: string(payload)})
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, status)
	require.Equal(t, 1, prov.resumeN)
	require.Equal(t, 0, prov.initializeN)
}
