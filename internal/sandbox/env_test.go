package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/sandbox/secrets"
	"github.com/kilocode/sessioncore/internal/storage"
)

func TestBuildEnvironment_ReservedKeysOverrideUserVars(t *testing.T) {
	meta := storage.SessionMetadata{
		KilocodeToken: "kctoken",
		OrgID:         "org-1",
		EnvVars: map[string]string{
			"HOME":       "/user/attempt",
			"SESSION_ID": "user-supplied",
			"CUSTOM_VAR": "keepme",
		},
	}

	env, err := BuildEnvironment(meta, "sess-1", "/home/sess-1", "cloud-agent", nil)
	require.NoError(t, err)
	require.Equal(t, "/home/sess-1", env["HOME"])
	require.Equal(t, "sess-1", env["SESSION_ID"])
	require.Equal(t, "keepme", env["CUSTOM_VAR"])
	require.Equal(t, "kctoken", env["KILOCODE_TOKEN"])
	require.Equal(t, "org-1", env["KILOCODE_ORGANIZATION_ID"])
}

func TestBuildEnvironment_GitHubTokenSetWhenRepoPresentAndNoOverride(t *testing.T) {
	meta := storage.SessionMetadata{
		Source: storage.GitSource{GitHubRepo: "acme/repo", GitHubToken: "ghtok"},
	}
	env, err := BuildEnvironment(meta, "sess-1", "/home/sess-1", "cloud-agent", nil)
	require.NoError(t, err)
	require.Equal(t, "ghtok", env["GH_TOKEN"])
}

func TestBuildEnvironment_GitLabVariablesDerivedFromHost(t *testing.T) {
	meta := storage.SessionMetadata{
		Source: storage.GitSource{GitURL: "https://gitlab.example.com/acme/repo.git", GitToken: "gltok"},
	}
	env, err := BuildEnvironment(meta, "sess-1", "/home/sess-1", "cloud-agent", nil)
	require.NoError(t, err)
	require.Equal(t, "gltok", env["GITLAB_TOKEN"])
	require.Equal(t, "true", env["GLAB_IS_OAUTH2"])
	require.Equal(t, "gitlab.example.com", env["GITLAB_HOST"])
}

func TestBuildEnvironment_DecryptsSecretsBeforeReservedMerge(t *testing.T) {
	key := make([]byte, secrets.MasterKeySize)
	ct, err := secrets.Encrypt("secret-value", key)
	require.NoError(t, err)

	meta := storage.SessionMetadata{
		EncryptedSecrets: map[string]storage.EncryptedSecretRef{
			"API_KEY": {Ciphertext: ct.Ciphertext, Nonce: ct.Nonce},
		},
	}
	env, err := BuildEnvironment(meta, "sess-1", "/home/sess-1", "cloud-agent", key)
	require.NoError(t, err)
	require.Equal(t, "secret-value", env["API_KEY"])
}
