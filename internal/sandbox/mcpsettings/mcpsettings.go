// Package mcpsettings writes a session's MCP server configuration into the
// sandbox workspace in the shape the agent CLI expects to find it. The
// session home lives inside the remote sandbox, so the file is written by
// issuing shell commands through a CommandRunner rather than the local
// filesystem.
package mcpsettings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/sandbox/repoclone"
	"github.com/kilocode/sessioncore/internal/storage"
)

// RelativePath is the path, relative to the session home, where MCP
// settings are written.
const RelativePath = ".kilocode/cli/global/settings/mcp_settings.json"

type document struct {
	McpServers map[string]storage.McpServerConfig `json:"mcpServers"`
}

// Write renders servers as pretty JSON to <sessionHome>/RelativePath inside
// the sandbox, creating intermediate directories as needed. A nil/empty map
// is a no-op.
func Write(ctx context.Context, runner repoclone.CommandRunner, sessionHome string, servers map[string]storage.McpServerConfig) error {
	if len(servers) == 0 {
		return nil
	}

	payload, err := json.MarshalIndent(document{McpServers: servers}, "", "  ")
	if err != nil {
		return apperrors.Internal("marshal mcp settings", err)
	}

	target := path.Join(sessionHome, RelativePath)
	encoded := base64.StdEncoding.EncodeToString(payload)

	if _, err := runner.Run(ctx, "", nil, "mkdir", "-p", path.Dir(target)); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "create mcp settings directory")
	}

	script := fmt.Sprintf("echo %s | base64 -d > %s", encoded, shellQuote(target))
	if _, err := runner.Run(ctx, "", nil, "sh", "-c", script); err != nil {
		return apperrors.Wrapf(apperrors.CodeSandboxFatal, err, "write mcp settings file")
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
