package repoclone

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedCommand struct {
	workdir string
	env     map[string]string
	name    string
	args    []string
}

type fakeRunner struct {
	commands []recordedCommand
	fail     map[string]bool
	output   string
}

func (f *fakeRunner) Run(_ context.Context, workdir string, env map[string]string, name string, args ...string) ([]byte, error) {
	f.commands = append(f.commands, recordedCommand{workdir, env, name, args})
	key := name + " " + strings.Join(args, " ")
	if f.fail[key] {
		return nil, assertFailure
	}
	return []byte(f.output), nil
}

var assertFailure = &fakeErr{"command failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func TestCloneGitHubRepo_EmbedsTokenAndSetsAuthor(t *testing.T) {
	runner := &fakeRunner{}
	err := CloneGitHubRepo(context.Background(), runner, "/workspace", "acme/repo", "tok123",
		map[string]string{"GIT_AUTHOR_NAME": "Bot", "GIT_AUTHOR_EMAIL": "bot@example.com"}, true)
	require.NoError(t, err)
	require.Len(t, runner.commands, 3)

	cloneArgs := runner.commands[0].args
	require.Contains(t, strings.Join(cloneArgs, " "), "x-access-token:tok123@github.com/acme/repo.git")
	require.Contains(t, cloneArgs, "--depth")
}

func TestCloneGitRepo_PlainURLWithoutToken(t *testing.T) {
	runner := &fakeRunner{}
	err := CloneGitRepo(context.Background(), runner, "/workspace", "https://git.example.com/acme/repo.git", "", false)
	require.NoError(t, err)
	require.Equal(t, "https://git.example.com/acme/repo.git", runner.commands[0].args[len(runner.commands[0].args)-2])
}

func TestManageBranch_MissingRemoteBranchFails(t *testing.T) {
	runner := &fakeRunner{output: ""}
	err := ManageBranch(context.Background(), runner, "/workspace", "feature/x")
	require.Error(t, err)
}

func TestManageBranch_ExistingRemoteBranchChecksOut(t *testing.T) {
	runner := &fakeRunner{output: "abc123\trefs/heads/feature/x\n"}
	err := ManageBranch(context.Background(), runner, "/workspace", "feature/x")
	require.NoError(t, err)
	require.Equal(t, "git", runner.commands[2].name)
	require.Equal(t, []string{"checkout", "feature/x"}, runner.commands[2].args)
}

func TestCreateSessionBranch_UsesSessionPrefix(t *testing.T) {
	runner := &fakeRunner{}
	require.NoError(t, CreateSessionBranch(context.Background(), runner, "/workspace", "sess-1"))
	require.Equal(t, []string{"checkout", "-b", "session/sess-1"}, runner.commands[0].args)
}
