// Package callback implements the callback dispatcher: on a terminal
// execution status it builds a notification payload and submits it to a
// durable delivery queue, then a background consumer delivers it with
// bounded exponential backoff.
package callback

// Payload is the body posted to a session's configured callback target.
type Payload struct {
	SessionID          string `json:"sessionId"`
	CloudAgentSessionID string `json:"cloudAgentSessionId"`
	ExecutionID        string `json:"executionId"`
	Status             string `json:"status"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	LastSeenBranch     string `json:"lastSeenBranch,omitempty"`
	KiloSessionID      string `json:"kiloSessionId,omitempty"`
}
