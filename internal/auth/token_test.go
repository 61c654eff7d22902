package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "usr_1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	identity := claims.Identity()
	if identity.UserID != "usr_1" || identity.DisplayName != "Avery" || identity.JTI != "jti-1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "usr_1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Claims{Sub: "usr_1", Name: "A", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	cases := map[string]string{
		"wrong secret": issued,
		"no dot":       "abc",
		"extra part":   issued + ".x",
		"empty":        "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseToken([]byte("other"), token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestCredentialFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/ws?token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	if got := CredentialFromRequest(req); got != "query-token" {
		t.Fatalf("CredentialFromRequest() = %q", got)
	}

	req = httptest.NewRequest("GET", "/api/ws", nil)
	req.Header.Set("Authorization", "bearer header-token")
	if got := CredentialFromRequest(req); got != "header-token" {
		t.Fatalf("CredentialFromRequest() = %q", got)
	}

	req = httptest.NewRequest("GET", "/api/ws", nil)
	if got := CredentialFromRequest(req); got != "" {
		t.Fatalf("expected empty credential, got %q", got)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") || HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken must be deterministic and distinguish inputs")
	}
}

func TestParseTokenRejectsUnknownVersion(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{Sub: "usr_1", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	rewritten := "cc0" + strings.TrimPrefix(issued, tokenVersion)
	if _, err := ParseToken(secret, rewritten); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestNewRefreshTokenIsUnique(t *testing.T) {
	first, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	second, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	if first == second || len(first) < 40 {
		t.Fatalf("unexpected refresh tokens %q %q", first, second)
	}
}
