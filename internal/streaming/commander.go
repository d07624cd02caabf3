package streaming

import (
	"encoding/json"

	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/common/apperrors"
)

// Commander satisfies authority.Commander by pushing a command frame to
// every /ingest socket tagged with the target execution id.
type Commander struct {
	hub *Hub
}

// NewCommander builds a Commander over hub.
func NewCommander(hub *Hub) *Commander {
	return &Commander{hub: hub}
}

// Send pushes cmd to executionID's wrapper connection(s). Returns NotFound
// if no wrapper is currently connected for that execution.
func (c *Commander) Send(executionID string, cmd authority.WrapperCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return apperrors.Internal("marshal wrapper command", err)
	}
	if n := c.hub.sendToExecution(executionID, payload); n == 0 {
		return apperrors.NotFound("ingest connection", executionID)
	}
	return nil
}
