package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Tyrowin/ifschat/internal/auth"
)

// Handshake rejection reasons.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
)

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (*auth.Claims, error)
}

// HandshakeError is a refused WebSocket handshake.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TokenFromRequest extracts the bearer token of a handshake. The
// Authorization header wins over the auth payload, which wins over the token
// query parameter.
func TokenFromRequest(r *http.Request) string {
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}

	q := r.URL.Query()
	if raw := q.Get("auth"); raw != "" {
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			if tok := stripBearer(payload.Token); tok != "" {
				return tok
			}
		}
	}

	return stripBearer(q.Get("token"))
}

func bearerToken(header string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func stripBearer(tok string) string {
	tok = strings.TrimSpace(tok)
	if b := bearerToken(tok); b != "" {
		return b
	}
	return tok
}

// authenticateHandshake verifies the handshake token and returns its claims.
func authenticateHandshake(tokens TokenVerifier, r *http.Request) (*auth.Claims, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return nil, &HandshakeError{Reason: ReasonMissingToken, Err: auth.ErrMissingToken}
	}

	claims, err := tokens.Verify(raw)
	if err != nil {
		reason := ReasonInvalidToken
		if errors.Is(err, auth.ErrMissingToken) {
			reason = ReasonMissingToken
		}
		return nil, &HandshakeError{Reason: reason, Err: err}
	}
	return claims, nil
}
