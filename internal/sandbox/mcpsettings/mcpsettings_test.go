package mcpsettings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/storage"
)

type recordedCommand struct {
	workdir string
	name    string
	args    []string
}

type fakeRunner struct {
	commands []recordedCommand
}

func (f *fakeRunner) Run(_ context.Context, workdir string, _ map[string]string, name string, args ...string) ([]byte, error) {
	f.commands = append(f.commands, recordedCommand{workdir, name, args})
	return nil, nil
}

func TestWrite_EncodesServersAsBase64Payload(t *testing.T) {
	runner := &fakeRunner{}
	servers := map[string]storage.McpServerConfig{
		"fs": {Type: "stdio", Command: "mcp-fs", Args: []string{"--root", "/workspace"}},
	}

	require.NoError(t, Write(context.Background(), runner, "/home/session", servers))
	require.Len(t, runner.commands, 2)
	require.Equal(t, "mkdir", runner.commands[0].name)

	script := runner.commands[1].args[1]
	parts := strings.SplitN(script, "|", 2)
	encoded := strings.TrimSpace(strings.TrimPrefix(parts[0], "echo"))
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var doc document
	require.NoError(t, json.Unmarshal(decoded, &doc))
	require.Equal(t, "mcp-fs", doc.McpServers["fs"].Command)
}

func TestWrite_EmptyMapIsNoOp(t *testing.T) {
	runner := &fakeRunner{}
	require.NoError(t, Write(context.Background(), runner, "/home/session", nil))
	require.Empty(t, runner.commands)
}
