// Package ops exposes an operational HTTP surface over the sandbox runtime
// account: inspecting, testing, and tearing down sprite instances outside
// the lifecycle of any one session.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/logger"
)

const (
	spritesAPIBase  = "https://api.sprites.dev/v1"
	sessionPrefix   = "casc-"
	requestTimeout  = 30 * time.Second
	testStepTimeout = 60 * time.Second
)

// TokenProvider resolves the sprites API token used for the operational
// surface, independent of any one session's secrets.
type TokenProvider func(ctx context.Context) (string, error)

// Handler provides the HTTP handlers for sandbox runtime account management.
type Handler struct {
	token  TokenProvider
	logger *logger.Logger
}

// NewHandler creates a new ops handler.
func NewHandler(token TokenProvider, log *logger.Logger) *Handler {
	return &Handler{
		token:  token,
		logger: log.WithFields(zap.String("component", "sandbox-ops")),
	}
}

// RegisterRoutes mounts the operational surface on router.
func RegisterRoutes(router *gin.Engine, token TokenProvider, log *logger.Logger) {
	h := NewHandler(token, log)
	api := router.Group("/api/v1/sandbox")
	api.GET("/status", h.httpStatus)
	api.GET("/instances", h.httpListInstances)
	api.DELETE("/instances/:name", h.httpDestroyInstance)
	api.DELETE("/instances", h.httpDestroyAll)
	api.POST("/test", h.httpTest)
}

// --- Response types ---

// Status is the runtime account status response.
type Status struct {
	Connected       bool   `json:"connected"`
	TokenConfigured bool   `json:"token_configured"`
	InstanceCount   int    `json:"instance_count"`
	Error           string `json:"error,omitempty"`
}

// Instance represents one running sprite belonging to this deployment.
type Instance struct {
	Name          string `json:"name"`
	HealthStatus  string `json:"health_status"`
	CreatedAt     string `json:"created_at"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// TestResult is the end-to-end connectivity test result.
type TestResult struct {
	Success         bool       `json:"success"`
	Steps           []TestStep `json:"steps"`
	TotalDurationMs int64      `json:"total_duration_ms"`
	SpriteName      string     `json:"sprite_name"`
	Error           string     `json:"error,omitempty"`
}

// TestStep is a single step in the connectivity test.
type TestStep struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// --- HTTP handlers ---

func (h *Handler) httpStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.getStatus(c.Request.Context()))
}

func (h *Handler) httpListInstances(c *gin.Context) {
	instances, err := h.listInstances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *Handler) httpDestroyInstance(c *gin.Context) {
	name := c.Param("name")
	if err := h.destroyInstance(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) httpDestroyAll(c *gin.Context) {
	count, err := h.destroyAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "destroyed": count})
}

func (h *Handler) httpTest(c *gin.Context) {
	c.JSON(http.StatusOK, h.testConnection(c.Request.Context()))
}

// --- Business logic ---

func (h *Handler) getToken(ctx context.Context) (string, error) {
	if h.token == nil {
		return "", fmt.Errorf("sandbox token provider not configured")
	}
	return h.token(ctx)
}

func (h *Handler) getStatus(ctx context.Context) *Status {
	token, err := h.getToken(ctx)
	if err != nil || token == "" {
		return &Status{TokenConfigured: false}
	}

	instances, err := h.listInstances(ctx)
	if err != nil {
		return &Status{TokenConfigured: true, Connected: false, Error: err.Error()}
	}
	return &Status{TokenConfigured: true, Connected: true, InstanceCount: len(instances)}
}

func (h *Handler) listInstances(ctx context.Context) ([]*Instance, error) {
	token, err := h.getToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox API token not configured: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, spritesAPIBase+"/sprites", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox API returned %d: %s", resp.StatusCode, string(body))
	}

	var apiSprites []struct {
		Name      string `json:"name"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiSprites); err != nil {
		return nil, fmt.Errorf("decode sandbox API response: %w", err)
	}

	var result []*Instance
	for _, sp := range apiSprites {
		if !strings.HasPrefix(sp.Name, sessionPrefix) {
			continue
		}
		result = append(result, &Instance{
			Name:          sp.Name,
			HealthStatus:  "unknown",
			CreatedAt:     sp.CreatedAt,
			UptimeSeconds: computeUptime(sp.CreatedAt),
		})
	}
	return result, nil
}

func (h *Handler) destroyInstance(ctx context.Context, name string) error {
	token, err := h.getToken(ctx)
	if err != nil {
		return fmt.Errorf("sandbox API token not configured: %w", err)
	}

	client := sprites.New(token)
	sprite := client.Sprite(name)
	if err := sprite.Destroy(); err != nil {
		return fmt.Errorf("destroy sprite %q: %w", name, err)
	}
	h.logger.Info("destroyed sprite", zap.String("name", name))
	return nil
}

func (h *Handler) destroyAll(ctx context.Context) (int, error) {
	instances, err := h.listInstances(ctx)
	if err != nil {
		return 0, err
	}

	token, err := h.getToken(ctx)
	if err != nil {
		return 0, err
	}

	destroyed := 0
	client := sprites.New(token)
	for _, inst := range instances {
		sprite := client.Sprite(inst.Name)
		if err := sprite.Destroy(); err != nil {
			h.logger.Warn("failed to destroy sprite", zap.String("name", inst.Name), zap.Error(err))
			continue
		}
		destroyed++
	}
	h.logger.Info("destroyed all session sprites", zap.Int("count", destroyed))
	return destroyed, nil
}

func (h *Handler) testConnection(ctx context.Context) *TestResult {
	start := time.Now()
	spriteName := fmt.Sprintf("%stest-%d", sessionPrefix, time.Now().UnixMilli())
	result := &TestResult{SpriteName: spriteName}

	tokenStep := h.runTestStep("Get API token", func() error {
		_, err := h.getToken(ctx)
		return err
	})
	result.Steps = append(result.Steps, tokenStep)
	if !tokenStep.Success {
		result.Error = tokenStep.Error
		result.TotalDurationMs = time.Since(start).Milliseconds()
		return result
	}

	token, _ := h.getToken(ctx)
	client := sprites.New(token)
	sprite := client.Sprite(spriteName)

	createStep := h.runTestStep("Create sprite", func() error {
		stepCtx, cancel := context.WithTimeout(ctx, testStepTimeout)
		defer cancel()
		out, err := sprite.CommandContext(stepCtx, "echo", "hello-session-core").Output()
		if err != nil {
			return err
		}
		if !strings.Contains(string(out), "hello-session-core") {
			return fmt.Errorf("unexpected output: %s", string(out))
		}
		return nil
	})
	result.Steps = append(result.Steps, createStep)

	destroyStep := h.runTestStep("Destroy sprite", func() error {
		return sprite.Destroy()
	})
	result.Steps = append(result.Steps, destroyStep)

	result.Success = tokenStep.Success && createStep.Success && destroyStep.Success
	if !result.Success {
		for _, s := range result.Steps {
			if s.Error != "" {
				result.Error = s.Error
				break
			}
		}
	}
	result.TotalDurationMs = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) runTestStep(name string, fn func() error) TestStep {
	start := time.Now()
	err := fn()
	step := TestStep{Name: name, DurationMs: time.Since(start).Milliseconds(), Success: err == nil}
	if err != nil {
		step.Error = err.Error()
	}
	return step
}

func computeUptime(createdAt string) int64 {
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0
	}
	return int64(time.Since(t).Seconds())
}
