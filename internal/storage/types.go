package storage

import "time"

// ExecutionStatus is the lifecycle status of a single agent invocation.
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "pending"
	StatusRunning     ExecutionStatus = "running"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusInterrupted ExecutionStatus = "interrupted"
)

// IsTerminal reports whether status is one of the terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// Execution is one agent invocation within a session.
type Execution struct {
	ExecutionID   string
	SessionID     string
	Mode          string
	Status        ExecutionStatus
	StartedAt     time.Time
	LastHeartbeat *time.Time
	CompletedAt   *time.Time
	Error         string
	IngestToken   string
	ProcessID     string
}

// QueueEntry is a FIFO row holding an execution message not yet dispatched.
type QueueEntry struct {
	ID          int64
	SessionID   string
	ExecutionID string
	MessageJSON string
	CreatedAt   time.Time
}

// Lease guards at-most-one consumer processing an enqueued message.
type Lease struct {
	ExecutionID string
	LeaseID     string
	ExpiresAt   time.Time
	MessageID   string
}

// StoredEvent is one append-only wrapper-emitted event.
type StoredEvent struct {
	ID              int64
	ExecutionID     string
	SessionID       string
	StreamEventType string
	PayloadJSON     string
	Timestamp       time.Time
}

// GitSource is exactly one of a GitHub-hosted repo or a raw git URL.
type GitSource struct {
	GitHubRepo  string `json:"githubRepo,omitempty"`
	GitHubToken string `json:"githubToken,omitempty"`
	GitURL      string `json:"gitUrl,omitempty"`
	GitToken    string `json:"gitToken,omitempty"`
}

// IsGitHub reports whether the source names a GitHub repo.
func (s GitSource) IsGitHub() bool { return s.GitHubRepo != "" }

// IsRawGit reports whether the source names a raw git URL.
func (s GitSource) IsRawGit() bool { return s.GitURL != "" }

// CallbackTarget is the HTTP destination notified on terminal execution status.
type CallbackTarget struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// McpServerConfig is a tagged union over stdio/sse/streamable-http transports.
type McpServerConfig struct {
	Type    string            `json:"type"` // "stdio" | "sse" | "streamable-http"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PreparedExecutionFields are the fixed parameters of a prepared session.
type PreparedExecutionFields struct {
	Prompt              string `json:"prompt,omitempty"`
	Mode                string `json:"mode,omitempty"`
	Model               string `json:"model,omitempty"`
	AutoCommit          bool   `json:"autoCommit,omitempty"`
	CondenseOnComplete  bool   `json:"condenseOnComplete,omitempty"`
	AppendSystemPrompt  string `json:"appendSystemPrompt,omitempty"`
}

// SessionMetadata is the full per-session record owned exclusively by the
// Session Authority.
type SessionMetadata struct {
	SessionID        string          `json:"sessionId"`
	UserID           string          `json:"userId"`
	OrgID            string          `json:"orgId,omitempty"`
	BotID            string          `json:"botId,omitempty"`
	KilocodeToken    string          `json:"kilocodeToken,omitempty"`
	Source           GitSource       `json:"source"`
	EnvVars          map[string]string `json:"envVars,omitempty"`
	EncryptedSecrets map[string]EncryptedSecretRef `json:"encryptedSecrets,omitempty"`
	SetupCommands    []string        `json:"setupCommands,omitempty"`
	McpServers       map[string]McpServerConfig `json:"mcpServers,omitempty"`
	UpstreamBranch   string          `json:"upstreamBranch,omitempty"`
	KiloSessionID    string          `json:"kiloSessionId,omitempty"`

	PreparedExecutionFields

	PreparedAt  *time.Time `json:"preparedAt,omitempty"`
	InitiatedAt *time.Time `json:"initiatedAt,omitempty"`

	CallbackTarget *CallbackTarget `json:"callbackTarget,omitempty"`

	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// EncryptedSecretRef is the envelope-encrypted form of one named secret, as
// stored in session metadata JSON (base64 ciphertext/nonce).
type EncryptedSecretRef struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}
