package sandbox

import (
	"strings"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/sandbox/secrets"
	"github.com/kilocode/sessioncore/internal/storage"
)

// BuildEnvironment assembles the environment map a wrapper process runs
// with: decrypted secrets and user-supplied vars merged first, then the
// reserved keys overwrite them unconditionally, matching the precedence
// rule in the specification (reserved > user-supplied, decrypt-before-merge).
func BuildEnvironment(meta storage.SessionMetadata, sessionID, sessionHome, kiloPlatform string, masterKey []byte) (map[string]string, error) {
	env := map[string]string{}

	if len(meta.EncryptedSecrets) > 0 {
		toDecrypt := make(map[string]secrets.Ciphertext, len(meta.EncryptedSecrets))
		for name, ref := range meta.EncryptedSecrets {
			toDecrypt[name] = secrets.Ciphertext{Ciphertext: ref.Ciphertext, Nonce: ref.Nonce}
		}
		decrypted, err := secrets.DecryptAll(toDecrypt, masterKey)
		if err != nil {
			return nil, apperrors.Internal("decrypt session secrets", err)
		}
		for name, value := range decrypted {
			env[name] = value
		}
	}

	for key, value := range meta.EnvVars {
		env[key] = value
	}

	if meta.Source.IsGitHub() && env["GH_TOKEN"] == "" && meta.Source.GitHubToken != "" {
		env["GH_TOKEN"] = meta.Source.GitHubToken
	}
	if meta.Source.IsRawGit() && strings.Contains(meta.Source.GitURL, "gitlab") && env["GITLAB_TOKEN"] == "" && meta.Source.GitToken != "" {
		env["GITLAB_TOKEN"] = meta.Source.GitToken
		env["GLAB_IS_OAUTH2"] = "true"
		env["GITLAB_HOST"] = gitlabHost(meta.Source.GitURL)
	}

	env["HOME"] = sessionHome
	env["SESSION_ID"] = sessionID
	env["SESSION_HOME"] = sessionHome
	env["KILO_PLATFORM"] = kiloPlatform
	env["KILOCODE_TOKEN"] = meta.KilocodeToken
	if meta.OrgID != "" {
		env["KILOCODE_ORGANIZATION_ID"] = meta.OrgID
	}

	return env, nil
}

func gitlabHost(gitURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(gitURL, "https://"), "http://")
	if idx := strings.IndexAny(trimmed, "/:"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
