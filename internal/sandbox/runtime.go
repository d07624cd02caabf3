package sandbox

import (
	"context"
	"fmt"

	sprites "github.com/superfly/sprites-go"
)

// Runtime is the sandbox runtime client: one per deployment, scoped to the
// account token. Sprite creates (lazily, on first command) and returns a
// handle bound to one sandbox instance.
type Runtime struct {
	client *sprites.Client
}

// NewRuntime constructs a Runtime authenticated with token.
func NewRuntime(token string) *Runtime {
	return &Runtime{client: sprites.New(token)}
}

// Handle returns a handle to the sandbox instance named sandboxID, creating
// it lazily on first use.
func (r *Runtime) Handle(sandboxID string) *Handle {
	return &Handle{sprite: r.client.Sprite(sandboxID)}
}

// Handle wraps one sandbox instance, satisfying repoclone.CommandRunner and
// mcpsettings's runner requirement via its Run method.
type Handle struct {
	sprite *sprites.Sprite
}

// Run executes name(args...) inside the sandbox with the given working
// directory and environment overlay, returning its standard output; standard
// error is not included.
func (h *Handle) Run(ctx context.Context, workdir string, env map[string]string, name string, args ...string) ([]byte, error) {
	cmd := h.sprite.CommandContext(ctx, name, args...)
	if workdir != "" {
		cmd.Dir = workdir
	}
	if len(env) > 0 {
		cmd.Env = mergeEnv(cmd.Env, env)
	}
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("sandbox command %q failed: %w", name, err)
	}
	return out, nil
}

// Destroy tears down the sandbox instance.
func (h *Handle) Destroy() error {
	return h.sprite.Destroy()
}

func mergeEnv(base []string, overlay map[string]string) []string {
	merged := append([]string{}, base...)
	for k, v := range overlay {
		merged = append(merged, k+"="+v)
	}
	return merged
}
