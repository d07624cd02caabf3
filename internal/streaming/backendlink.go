package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
)

// linkCloudAgentRequest is the body posted to the analytics backend when a
// wrapper reports its kiloSessionId.
type linkCloudAgentRequest struct {
	KiloSessionID    string `json:"kilo_session_id"`
	CloudAgentSessID string `json:"cloud_agent_session_id"`
}

type linkCloudAgentResponse struct {
	Result struct {
		Data struct {
			Success bool `json:"success"`
		} `json:"data"`
	} `json:"result"`
}

// linkBackend posts a fire-and-forget cliSessions.linkCloudAgent call; any
// failure is logged and never propagated, matching the ingest handler's
// "side effects never fail the write" policy.
func linkBackend(ctx context.Context, cfg config.BackendConfig, kilocodeToken, kiloSessionID, sessionID string, log *logger.Logger) {
	if cfg.BaseURL == "" {
		return
	}
	body, err := json.Marshal(linkCloudAgentRequest{KiloSessionID: kiloSessionID, CloudAgentSessID: sessionID})
	if err != nil {
		log.WithError(err).Warn("failed to marshal backend link request")
		return
	}

	url := fmt.Sprintf("%s/api/trpc/cliSessions.linkCloudAgent", cfg.BaseURL)
	reqCtx, cancel := context.WithTimeout(ctx, cfg.LinkTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("failed to build backend link request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+kilocodeToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("backend link call failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Warn("backend link call returned non-200", zap.Int("status", resp.StatusCode))
		return
	}
	var parsed linkCloudAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.WithError(err).Warn("failed to decode backend link response")
		return
	}
	if !parsed.Result.Data.Success {
		log.Warn("backend link call reported failure")
	}
}
