// Package sandbox is the sandbox orchestrator: it provisions, resumes, and
// tears down the remote sandbox instance backing one session, producing a
// PreparedSession ready for a wrapper process to run inside.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/sandbox/mcpsettings"
	"github.com/kilocode/sessioncore/internal/sandbox/repoclone"
	"github.com/kilocode/sessioncore/internal/storage"
)

// PreparedSession is a fully-provisioned sandbox ready to host a wrapper
// process: its workspace and session-home paths, its sandbox id, and the
// environment the wrapper should be launched with.
type PreparedSession struct {
	SandboxID   string
	Workspace   string
	SessionHome string
	Env         map[string]string
	Handle      sandboxHandle
}

// sandboxHandle is the subset of *Handle the orchestrator depends on. It
// exists so tests can substitute a fake sandbox without a live runtime.
type sandboxHandle interface {
	Run(ctx context.Context, workdir string, env map[string]string, name string, args ...string) ([]byte, error)
	Destroy() error
}

// Orchestrator is the Sandbox Orchestrator component (C5).
type Orchestrator struct {
	newHandle func(sandboxID string) sandboxHandle
	masterKey []byte
	cfg       config.SandboxConfig
	logger    *logger.Logger
}

// New builds an Orchestrator bound to one sandbox account token.
func New(token string, masterKey []byte, cfg config.SandboxConfig, log *logger.Logger) *Orchestrator {
	runtime := NewRuntime(token)
	return &Orchestrator{
		newHandle: func(sandboxID string) sandboxHandle { return runtime.Handle(sandboxID) },
		masterKey: masterKey,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "sandbox-orchestrator")),
	}
}

const (
	workspaceDir   = "workspace"
	sessionHomeDir = "home"
)

// sessionPaths derives the per-session workspace and session-home paths:
// /workspace/<orgId|_userId>/sessions/<sessionId> and /home/<sessionId>.
// Scoping by sessionID (not just org/user/bot, which generateSandboxId uses
// for sandbox identity) keeps two concurrent sessions under the same
// identity from clobbering each other's checkout and $HOME when they
// land on the same sandbox.
func sessionPaths(sessionID string, meta storage.SessionMetadata) (workspace, sessionHome string) {
	owner := meta.OrgID
	if owner == "" {
		owner = "_" + meta.UserID
	}
	workspace = fmt.Sprintf("/%s/%s/sessions/%s", workspaceDir, owner, sessionID)
	sessionHome = fmt.Sprintf("/%s/%s", sessionHomeDir, sessionID)
	return workspace, sessionHome
}

// Initialize provisions a brand-new sandbox for sessionID per meta,
// following the specification's initialize sequence in order.
func (o *Orchestrator) Initialize(ctx context.Context, sessionID string, meta storage.SessionMetadata) (*PreparedSession, error) {
	sandboxID := GenerateSandboxID(meta.OrgID, meta.UserID, meta.BotID)
	log := o.logger.WithSessionID(sessionID)

	var prepared *PreparedSession
	err := o.withRetry(ctx, log, func(attemptCtx context.Context) error {
		handle := o.newHandle(sandboxID)
		workspace, sessionHome := sessionPaths(sessionID, meta)

		if err := o.makeDirectories(attemptCtx, handle, workspace, sessionHome); err != nil {
			return err
		}

		env, err := BuildEnvironment(meta, sessionID, sessionHome, o.kiloPlatform(), o.masterKey)
		if err != nil {
			return err
		}

		o.probeDiskSpace(attemptCtx, handle, workspace, log)

		if err := o.cloneRepository(attemptCtx, handle, workspace, meta, env); err != nil {
			return err
		}

		if err := o.establishBranch(attemptCtx, handle, workspace, sessionID, meta.UpstreamBranch); err != nil {
			return err
		}

		if err := o.runSetupCommands(attemptCtx, handle, workspace, meta.SetupCommands, true); err != nil {
			return err
		}

		if err := mcpsettings.Write(attemptCtx, handle, sessionHome, meta.McpServers); err != nil {
			return err
		}

		prepared = &PreparedSession{SandboxID: sandboxID, Workspace: workspace, SessionHome: sessionHome, Env: env, Handle: handle}
		return nil
	}, func(cleanupCtx context.Context) {
		handle := o.newHandle(sandboxID)
		workspace, sessionHome := sessionPaths(sessionID, meta)
		if _, err := handle.Run(cleanupCtx, "", nil, "rm", "-rf", workspace, sessionHome); err != nil {
			log.Warn("cleanup after failed initialize attempt failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// Resume recreates or reattaches to a previously-provisioned sandbox.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, meta storage.SessionMetadata) (*PreparedSession, error) {
	sandboxID := GenerateSandboxID(meta.OrgID, meta.UserID, meta.BotID)
	log := o.logger.WithSessionID(sessionID)

	var prepared *PreparedSession
	err := o.withRetry(ctx, log, func(attemptCtx context.Context) error {
		handle := o.newHandle(sandboxID)
		workspace, sessionHome := sessionPaths(sessionID, meta)

		if err := o.makeDirectories(attemptCtx, handle, workspace, sessionHome); err != nil {
			return err
		}

		env, err := BuildEnvironment(meta, sessionID, sessionHome, o.kiloPlatform(), o.masterKey)
		if err != nil {
			return err
		}

		workspaceExists := repoclone.WorkspaceHasGit(attemptCtx, handle, workspace)
		if !workspaceExists {
			hasSource := meta.Source.IsGitHub() || meta.Source.IsRawGit()
			if !hasSource {
				return apperrors.WorkspaceMissing(sessionID)
			}
			if err := o.cloneRepository(attemptCtx, handle, workspace, meta, env); err != nil {
				return err
			}
			if err := o.runSetupCommands(attemptCtx, handle, workspace, meta.SetupCommands, false); err != nil {
				return err
			}
			if err := mcpsettings.Write(attemptCtx, handle, sessionHome, meta.McpServers); err != nil {
				return err
			}
		}

		prepared = &PreparedSession{SandboxID: sandboxID, Workspace: workspace, SessionHome: sessionHome, Env: env, Handle: handle}
		return nil
	}, func(cleanupCtx context.Context) {
		handle := o.newHandle(sandboxID)
		if _, err := handle.Run(cleanupCtx, "", nil, "true"); err != nil {
			log.Warn("resume cleanup no-op failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// Destroy tears down the sandbox instance backing sessionID.
func (o *Orchestrator) Destroy(sessionID string, meta storage.SessionMetadata) error {
	sandboxID := GenerateSandboxID(meta.OrgID, meta.UserID, meta.BotID)
	handle := o.newHandle(sandboxID)
	if err := handle.Destroy(); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "destroy sandbox for session %s", sessionID)
	}
	return nil
}

func (o *Orchestrator) kiloPlatform() string {
	if o.cfg.KiloPlatform == "" {
		return "cloud-agent"
	}
	return o.cfg.KiloPlatform
}

func (o *Orchestrator) makeDirectories(ctx context.Context, handle sandboxHandle, workspace, sessionHome string) error {
	if _, err := handle.Run(ctx, "", nil, "mkdir", "-p", workspace, sessionHome); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxRetryable, err, "create workspace/session-home directories")
	}
	kilocodeDirs := []string{
		sessionHome + "/.kilocode/cli/global/settings",
		sessionHome + "/.kilocode/cli/global/tasks",
		sessionHome + "/.kilocode/cli/logs",
	}
	args := append([]string{"-p"}, kilocodeDirs...)
	if _, err := handle.Run(ctx, "", nil, "mkdir", args...); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxRetryable, err, "create kilocode cli subdirectories")
	}
	return nil
}

func (o *Orchestrator) probeDiskSpace(ctx context.Context, handle sandboxHandle, workspace string, log *logger.Logger) {
	if _, err := handle.Run(ctx, "", nil, "df", "-h", workspace); err != nil {
		log.Warn("disk space probe failed, continuing", zap.Error(err))
	}
}

func (o *Orchestrator) cloneRepository(ctx context.Context, handle sandboxHandle, workspace string, meta storage.SessionMetadata, env map[string]string) error {
	authorEnv := map[string]string{}
	switch {
	case meta.Source.IsGitHub():
		token := env["GH_TOKEN"]
		if err := repoclone.CloneGitHubRepo(ctx, handle, workspace, meta.Source.GitHubRepo, token, authorEnv, true); err != nil {
			return err
		}
	case meta.Source.IsRawGit():
		token := env["GITLAB_TOKEN"]
		if token == "" {
			token = meta.Source.GitToken
		}
		if err := repoclone.CloneGitRepo(ctx, handle, workspace, meta.Source.GitURL, token, true); err != nil {
			return err
		}
	default:
		return apperrors.BadRequest("session metadata has no usable git source")
	}
	return nil
}

func (o *Orchestrator) establishBranch(ctx context.Context, handle sandboxHandle, workspace, sessionID, upstreamBranch string) error {
	if upstreamBranch != "" {
		return repoclone.ManageBranch(ctx, handle, workspace, upstreamBranch)
	}
	return repoclone.CreateSessionBranch(ctx, handle, workspace, sessionID)
}

func (o *Orchestrator) runSetupCommands(ctx context.Context, handle sandboxHandle, workspace string, commands []string, failFast bool) error {
	timeout := time.Duration(o.cfg.SetupCommandTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	for _, cmd := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := handle.Run(cmdCtx, workspace, nil, "sh", "-c", cmd)
		cancel()
		if err != nil {
			if failFast {
				return apperrors.SetupCommandFailed(cmd, fmt.Errorf("%w: %s", err, string(out)))
			}
			o.logger.Warn("setup command failed, continuing (lenient)", zap.String("command", cmd), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) withRetry(ctx context.Context, log *logger.Logger, op func(context.Context) error, cleanup func(context.Context)) error {
	attempts := o.cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := time.Duration(o.cfg.RetryBaseDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := time.Duration(o.cfg.RetryMaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return withSandboxRetry(ctx, log, attempts, baseDelay, maxDelay, cleanup, op)
}
