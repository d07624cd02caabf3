// Package repoclone provisions a session's workspace repository inside the
// sandbox: cloning via GitHub or a raw git URL, and establishing the
// session's working branch. Every git invocation runs as a command inside
// the sandbox (through a CommandRunner), never on the host.
package repoclone

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
)

// CommandRunner executes one command inside a provisioned sandbox, returning
// its output (the sandbox runtime's Run returns standard output only). It is
// satisfied structurally by a sandbox runtime's
// Run method; this package never imports the runtime directly.
type CommandRunner interface {
	Run(ctx context.Context, workdir string, env map[string]string, name string, args ...string) ([]byte, error)
}

// CloneGitHubRepo clones owner/repo into workspace over HTTPS, authenticating
// with token when set. When shallow is true, a depth-1 clone is requested.
func CloneGitHubRepo(ctx context.Context, runner CommandRunner, workspace, repo, token string, authorEnv map[string]string, shallow bool) error {
	url := fmt.Sprintf("https://github.com/%s.git", strings.TrimSuffix(repo, ".git"))
	if token != "" {
		url = fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, strings.TrimSuffix(repo, ".git"))
	}
	return cloneInto(ctx, runner, workspace, url, authorEnv, shallow)
}

// CloneGitRepo clones an arbitrary git URL into workspace, authenticating
// with token when set and the URL uses HTTPS.
func CloneGitRepo(ctx context.Context, runner CommandRunner, workspace, gitURL, token string, shallow bool) error {
	url := gitURL
	if token != "" && strings.HasPrefix(gitURL, "https://") {
		url = "https://" + token + "@" + strings.TrimPrefix(gitURL, "https://")
	}
	return cloneInto(ctx, runner, workspace, url, nil, shallow)
}

func cloneInto(ctx context.Context, runner CommandRunner, workspace, url string, authorEnv map[string]string, shallow bool) error {
	args := []string{"clone"}
	if shallow {
		args = append(args, "--depth", "1")
	}
	args = append(args, url, workspace)

	if _, err := runner.Run(ctx, "", nil, "git", args...); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "git clone into %s failed", workspace)
	}

	if name := authorEnv["GIT_AUTHOR_NAME"]; name != "" {
		if _, err := runner.Run(ctx, workspace, nil, "git", "config", "user.name", name); err != nil {
			return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "set git author name failed")
		}
	}
	if email := authorEnv["GIT_AUTHOR_EMAIL"]; email != "" {
		if _, err := runner.Run(ctx, workspace, nil, "git", "config", "user.email", email); err != nil {
			return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "set git author email failed")
		}
	}
	return nil
}

// ManageBranch verifies upstreamBranch exists on origin, fetches it, and
// checks it out. Used when metadata names an existing upstream branch to
// resume work on, rather than starting a fresh session branch.
func ManageBranch(ctx context.Context, runner CommandRunner, workspace, upstreamBranch string) error {
	out, err := runner.Run(ctx, workspace, nil, "git", "ls-remote", "--heads", "origin", upstreamBranch)
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "check remote branch %s failed", upstreamBranch)
	}
	if strings.TrimSpace(string(out)) == "" {
		return apperrors.BadRequest(fmt.Sprintf("upstream branch %q does not exist on origin", upstreamBranch))
	}

	if _, err := runner.Run(ctx, workspace, nil, "git", "fetch", "origin", upstreamBranch); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "fetch upstream branch %s failed", upstreamBranch)
	}
	if _, err := runner.Run(ctx, workspace, nil, "git", "checkout", upstreamBranch); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "checkout upstream branch %s failed", upstreamBranch)
	}
	return nil
}

// CreateSessionBranch creates and checks out a fresh local branch named
// session/<sessionID>, used when no upstream branch was specified.
func CreateSessionBranch(ctx context.Context, runner CommandRunner, workspace, sessionID string) error {
	branch := "session/" + sessionID
	if _, err := runner.Run(ctx, workspace, nil, "git", "checkout", "-b", branch); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "create session branch %s failed", branch)
	}
	return nil
}

// WorkspaceHasGit reports whether workspace already contains a .git
// directory, used by the Resume flow to decide whether to re-clone.
func WorkspaceHasGit(ctx context.Context, runner CommandRunner, workspace string) bool {
	_, err := runner.Run(ctx, workspace, nil, "test", "-d", ".git")
	return err == nil
}
