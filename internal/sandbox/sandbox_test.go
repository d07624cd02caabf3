package sandbox

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

type fakeHandle struct {
	hasGit    bool
	destroyed bool
	commands  []string
	failOn    map[string]bool
}

func (f *fakeHandle) Run(ctx context.Context, workdir string, env map[string]string, name string, args ...string) ([]byte, error) {
	line := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, line)

	if name == "test" && len(args) == 2 && args[0] == "-d" && args[1] == ".git" {
		if f.hasGit {
			return nil, nil
		}
		return nil, fmt.Errorf("not a git dir")
	}
	if f.failOn[line] {
		return []byte("boom"), fmt.Errorf("command failed: %s", line)
	}
	if name == "git" && len(args) > 0 && args[0] == "ls-remote" {
		return []byte("abcd123\trefs/heads/" + args[len(args)-1]), nil
	}
	return []byte("ok"), nil
}

func (f *fakeHandle) Destroy() error {
	f.destroyed = true
	return nil
}

func newTestOrchestrator(h *fakeHandle) *Orchestrator {
	log := logger.Default()
	return &Orchestrator{
		newHandle: func(string) sandboxHandle { return h },
		cfg:       config.SandboxConfig{},
		logger:    log,
	}
}

func TestInitialize_ClonesAndRunsSetupInOrder(t *testing.T) {
	h := &fakeHandle{failOn: map[string]bool{}}
	o := newTestOrchestrator(h)

	meta := storage.SessionMetadata{
		UserID:        "user-1",
		KilocodeToken: "kctoken",
		Source:        storage.GitSource{GitHubRepo: "acme/repo", GitHubToken: "ghtok"},
		SetupCommands: []string{"npm install"},
	}

	prepared, err := o.Initialize(context.Background(), "sess-1", meta)
	require.NoError(t, err)
	require.Equal(t, "/workspace/_user-1/sessions/sess-1", prepared.Workspace)
	require.Equal(t, "/home/sess-1", prepared.SessionHome)
	require.Equal(t, "ghtok", prepared.Env["GH_TOKEN"])

	joined := strings.Join(h.commands, "\n")
	require.Contains(t, joined, "git clone")
	require.Contains(t, joined, "checkout -b session/sess-1")
	require.Contains(t, joined, "npm install")
	require.Less(t, strings.Index(joined, "git clone"), strings.Index(joined, "checkout -b session/sess-1"))
	require.Less(t, strings.Index(joined, "checkout -b session/sess-1"), strings.Index(joined, "npm install"))
}

func TestInitialize_FailFastOnSetupCommandFailure(t *testing.T) {
	h := &fakeHandle{failOn: map[string]bool{"sh -c explode": true}}
	o := newTestOrchestrator(h)

	meta := storage.SessionMetadata{
		Source:        storage.GitSource{GitHubRepo: "acme/repo"},
		SetupCommands: []string{"explode"},
	}

	_, err := o.Initialize(context.Background(), "sess-2", meta)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeSetupCommandFailed))
}

func TestResume_SkipsCloneAndSetupWhenWorkspaceExists(t *testing.T) {
	h := &fakeHandle{hasGit: true}
	o := newTestOrchestrator(h)

	meta := storage.SessionMetadata{
		Source:        storage.GitSource{GitHubRepo: "acme/repo"},
		SetupCommands: []string{"npm install"},
	}

	prepared, err := o.Resume(context.Background(), "sess-3", meta)
	require.NoError(t, err)
	require.Equal(t, "/workspace/_/sessions/sess-3", prepared.Workspace)

	for _, cmd := range h.commands {
		require.NotContains(t, cmd, "git clone")
		require.NotContains(t, cmd, "npm install")
	}
}

func TestResume_ReclonesWhenWorkspaceMissingAndSourceKnown(t *testing.T) {
	h := &fakeHandle{hasGit: false}
	o := newTestOrchestrator(h)

	meta := storage.SessionMetadata{
		Source: storage.GitSource{GitHubRepo: "acme/repo"},
	}

	_, err := o.Resume(context.Background(), "sess-4", meta)
	require.NoError(t, err)
	require.Contains(t, strings.Join(h.commands, "\n"), "git clone")
}

func TestResume_WorkspaceMissingWithoutSourceFails(t *testing.T) {
	h := &fakeHandle{hasGit: false}
	o := newTestOrchestrator(h)

	_, err := o.Resume(context.Background(), "sess-5", storage.SessionMetadata{})
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeWorkspaceMissing))
}

func TestDestroy_CallsHandleDestroy(t *testing.T) {
	h := &fakeHandle{}
	o := newTestOrchestrator(h)

	err := o.Destroy("sess-6", storage.SessionMetadata{})
	require.NoError(t, err)
	require.True(t, h.destroyed)
}
