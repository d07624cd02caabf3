// Package authority implements the Session Authority: the single-writer
// owner of one session's metadata, active execution pointer, and dispatch
// queue. Every exported operation runs under the session's own lock and
// completes before the next begins, matching the single-threaded-per-session
// model the rest of the system assumes.
package authority

import (
	"context"

	"github.com/kilocode/sessioncore/internal/storage"
)

// Kind distinguishes the three ways a caller may start an execution.
type Kind string

const (
	KindInitiate         Kind = "initiate"
	KindInitiatePrepared Kind = "initiatePrepared"
	KindResume           Kind = "resume"
)

// PrepareInput is the full session configuration submitted by prepare().
type PrepareInput struct {
	UserID           string
	OrgID            string
	BotID            string
	KilocodeToken    string
	Source           storage.GitSource
	EnvVars          map[string]string
	EncryptedSecrets map[string]storage.EncryptedSecretRef
	SetupCommands    []string
	McpServers       map[string]storage.McpServerConfig
	UpstreamBranch   string
	CallbackTarget   *storage.CallbackTarget
	storage.PreparedExecutionFields
}

// MetadataPatch carries tryUpdate's partial changes. A nil pointer leaves
// the field unchanged; a non-nil pointer to the zero value clears it. Map
// fields follow the same convention via a nil vs. non-nil map pointer.
type MetadataPatch struct {
	Prompt             *string
	Mode               *string
	Model              *string
	AppendSystemPrompt *string
	AutoCommit         *bool
	CondenseOnComplete *bool
	UpstreamBranch     *string
	EnvVars            *map[string]string
	McpServers         *map[string]storage.McpServerConfig
	CallbackTarget     **storage.CallbackTarget
}

// StartExecutionRequest is the input to StartExecution.
type StartExecutionRequest struct {
	Kind Kind

	// Prepare is required when Kind is KindInitiate and the session has
	// never been prepared (the "legacy" one-shot initiate path).
	Prepare *PrepareInput

	GitHubTokenOverride   string
	GitTokenOverride      string
	KilocodeTokenOverride string
}

// WrapperLaunchPlan is the payload handed to the external queue: everything
// a dispatch consumer needs to provision a sandbox and launch a wrapper
// process, without re-reading session metadata.
type WrapperLaunchPlan struct {
	Kind          Kind   `json:"kind"`
	SessionID     string `json:"sessionId"`
	ExecutionID   string `json:"executionId"`
	SandboxID     string `json:"sandboxId"`
	IngestToken   string `json:"ingestToken"`
	UserID        string `json:"userId"`
	OrgID         string `json:"orgId,omitempty"`
	BotID         string `json:"botId,omitempty"`
	KilocodeToken string `json:"kilocodeToken"`

	Source         storage.GitSource              `json:"source"`
	SetupCommands  []string                        `json:"setupCommands,omitempty"`
	McpServers     map[string]storage.McpServerConfig `json:"mcpServers,omitempty"`
	UpstreamBranch string                          `json:"upstreamBranch,omitempty"`
	EnvVars        map[string]string               `json:"envVars,omitempty"`

	Prompt             string `json:"prompt"`
	Mode               string `json:"mode"`
	Model              string `json:"model"`
	AutoCommit         bool   `json:"autoCommit"`
	CondenseOnComplete bool   `json:"condenseOnComplete"`
	AppendSystemPrompt string `json:"appendSystemPrompt,omitempty"`
}

// WrapperCommand is a message sent from the Authority to a running wrapper
// over its ingest connection.
type WrapperCommand struct {
	Type   string `json:"type"`
	Signal string `json:"signal,omitempty"`
}

// Sender delivers a dispatch message to the external queue. Implementations
// wrap *extqueue.Sender's Send method.
type Sender interface {
	Send(ctx context.Context, sessionID, executionID, messageJSON string) error
}

// StatusNotifier is informed whenever an execution's terminal status is
// recorded, so it can fire the session's callback target. Implementations
// must not block the session lock for long; they should hand off async.
type StatusNotifier interface {
	NotifyExecutionStatus(ctx context.Context, meta storage.SessionMetadata, executionID string, status storage.ExecutionStatus, errMsg string)
}

// Commander pushes a command to a running execution's wrapper over its
// ingest connection.
type Commander interface {
	Send(executionID string, cmd WrapperCommand) error
}

// dispatchResult is returned by tryAdvanceQueueInternal when it dispatched
// an execution.
type dispatchResult struct {
	ExecutionID string
}

const maxQueueDepth = 3
