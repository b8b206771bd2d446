// Package auth issues and verifies the HMAC tokens that authenticate
// gateway connections to private channels.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Token verification errors.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
)

var (
	agentIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// ValidAgentID reports whether the agent id is well-formed.
func ValidAgentID(id string) bool { return agentIDPattern.MatchString(id) }

// ValidSessionID reports whether the session id is well-formed.
func ValidSessionID(id string) bool { return sessionIDPattern.MatchString(id) }

// Claims is the signed token payload.
type Claims struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// TokenIssuer signs and verifies gateway tokens with a shared secret.
// Tokens are base64url(payload) + "." + hex(HMAC-SHA256(payload)).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer. A non-positive ttl falls back to one hour.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// TTL returns the configured token lifetime.
func (i *TokenIssuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the agent, optionally bound to a session.
func (i *TokenIssuer) Issue(agentID, sessionID string, now time.Time) (string, error) {
	if !ValidAgentID(agentID) {
		return "", fmt.Errorf("invalid agent id %q", agentID)
	}
	if sessionID != "" && !ValidSessionID(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}

	claims := Claims{
		AgentID:   agentID,
		SessionID: sessionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + i.sign(payload), nil
}

// Verify checks the signature and expiry and returns the claims.
func (i *TokenIssuer) Verify(token string, now time.Time) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, ErrMalformedToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal([]byte(i.sign(payload)), []byte(sig)) {
		return nil, ErrBadSignature
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedToken
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if !ValidAgentID(claims.AgentID) {
		return nil, ErrMalformedToken
	}
	return &claims, nil
}

func (i *TokenIssuer) sign(payload []byte) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
