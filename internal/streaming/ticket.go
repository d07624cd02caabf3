package streaming

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ticketTTL bounds how long a signed /stream ticket remains usable after
// issuance.
const ticketTTL = 2 * time.Minute

// ticketClaims binds a signed ticket to a single session id, so a leaked
// ticket is useless against any other session's stream.
type ticketClaims struct {
	SessionID string `json:"cloudAgentSessionId"`
	jwt.RegisteredClaims
}

// TicketIssuer signs and validates short-lived /stream tickets with an
// HMAC key shared across session-core instances.
type TicketIssuer struct {
	signingKey []byte
}

// NewTicketIssuer builds a TicketIssuer over the configured signing key.
func NewTicketIssuer(signingKey string) *TicketIssuer {
	return &TicketIssuer{signingKey: []byte(signingKey)}
}

// Issue mints a ticket bound to sessionID, valid for ticketTTL.
func (t *TicketIssuer) Issue(sessionID string) (string, error) {
	now := time.Now()
	claims := ticketClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ticketTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.signingKey)
}

// Validate parses raw and confirms it is unexpired and bound to sessionID.
func (t *TicketIssuer) Validate(raw, sessionID string) error {
	token, err := jwt.ParseWithClaims(raw, &ticketClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}
	claims, ok := token.Claims.(*ticketClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid ticket claims")
	}
	if claims.SessionID != sessionID {
		return fmt.Errorf("ticket session mismatch")
	}
	return nil
}
