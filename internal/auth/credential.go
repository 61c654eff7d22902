package auth

import (
	"net/http"
	"strings"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	DisplayName string
	JTI         string
	ExpiresAt   int64
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.Sub, DisplayName: c.Name, JTI: c.JTI, ExpiresAt: c.Exp}
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}

// CredentialFromRequest reads the access token for a socket handshake.
// Browsers cannot set headers on a WebSocket upgrade, so the token query
// parameter is accepted ahead of the Authorization header.
func CredentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return BearerToken(r)
}
