package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
)

// GenerateSandboxID deterministically derives a 52-character sandbox
// identifier `<prefix>-<48 lowercase hex>` from the caller's org/user/bot
// identity. The prefix distinguishes the four identity shapes the
// specification recognizes: org-owned, org+bot, personal, and personal+bot.
func GenerateSandboxID(orgID, userID, botID string) string {
	prefix := "usr"
	switch {
	case orgID != "" && botID != "":
		prefix = "bot"
	case orgID != "":
		prefix = "org"
	case botID != "":
		prefix = "ubt"
	}

	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write([]byte{0})
	h.Write([]byte(orgID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(botID))
	sum := h.Sum(nil)

	return prefix + "-" + hex.EncodeToString(sum)[:48]
}
