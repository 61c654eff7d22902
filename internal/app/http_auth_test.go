package app

import (
	"context"
	"net/http"
	"testing"

	"codecollab/api/internal/authpw"
	"codecollab/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// usersByEmail backs GetUserByEmail, CreateUser and GetUserByID with one map.
func usersByEmail(users map[string]store.User) *fakeStore {
	return &fakeStore{
		getUserByEmailFn: func(_ context.Context, addr string) (store.User, error) {
			u, ok := users[addr]
			if !ok {
				return store.User{}, store.ErrNotFound
			}
			return u, nil
		},
		createUserFn: func(_ context.Context, u store.User) (store.User, error) {
			users[u.Email] = u
			return u, nil
		},
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			for _, u := range users {
				if u.ID == id {
					return u, nil
				}
			}
			return store.User{}, store.ErrNotFound
		},
	}
}

func newFastPasswords(svc *Service) *authpw.Service {
	return authpw.NewServiceWithCost(svc.store, bcrypt.MinCost)
}

func TestSignUpIssuesSession(t *testing.T) {
	users := map[string]store.User{}
	svc, _ := newTestService(usersByEmail(users))
	svc.passwords = newFastPasswords(svc)
	server := NewHTTPServer(svc, "*")

	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name":     "  Ada  ",
		"email":    "Ada@Example.com",
		"password": "hunter22",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if token, _ := payload["accessToken"].(string); token == "" {
		t.Fatalf("expected accessToken")
	}
	if refresh, _ := payload["refreshToken"].(string); refresh == "" {
		t.Fatalf("expected refreshToken")
	}
	if payload["userName"] != "Ada" || payload["email"] != "ada@example.com" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := users["ada@example.com"]; !ok {
		t.Fatalf("expected user stored under normalized email")
	}
}

func TestSignUpErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "short password", body: map[string]string{"name": "Ada", "email": "ada@example.com", "password": "123"}, wantCode: http.StatusBadRequest, wantErr: "INVALID_INPUT"},
		{name: "duplicate email", body: map[string]string{"name": "Ada", "email": "taken@example.com", "password": "hunter22"}, wantCode: http.StatusConflict, wantErr: "EMAIL_EXISTS"},
		{name: "bad json", body: `{"name":`, wantCode: http.StatusBadRequest, wantErr: "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := map[string]store.User{"taken@example.com": {ID: "usr_taken", Email: "taken@example.com"}}
			svc, _ := newTestService(usersByEmail(users))
			svc.passwords = newFastPasswords(svc)
			server := NewHTTPServer(svc, "*")

			rr := doJSON(t, server.Handler(), http.MethodPost, "/api/auth/signup", "", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if code := decodeMap(t, rr)["code"]; code != tt.wantErr {
				t.Fatalf("expected code %s, got %v", tt.wantErr, code)
			}
		})
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := map[string]store.User{"ada@example.com": {ID: "usr_1", DisplayName: "Ada", Email: "ada@example.com", PasswordHash: string(hash)}}
	svc, _ := newTestService(usersByEmail(users))
	server := NewHTTPServer(svc, "*")

	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "wrong-pass"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeMap(t, rr)["code"]; code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", code)
	}

	rr = doJSON(t, server.Handler(), http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ADA@example.com", "password": "hunter22"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if id := decodeMap(t, rr)["userId"]; id != "usr_1" {
		t.Fatalf("expected usr_1, got %v", id)
	}
}

func TestSessionEndpointReportsAuthentication(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")
	session := sessionFor(t, svc, "usr_1", "Ada")

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/session", session.Token, nil)
	payload := decodeMap(t, rr)
	if payload["authenticated"] != true || payload["userId"] != "usr_1" {
		t.Fatalf("expected authenticated session, got %v", payload)
	}

	rr = doJSON(t, server.Handler(), http.MethodGet, "/api/session", "garbage", nil)
	if decodeMap(t, rr)["authenticated"] != false {
		t.Fatalf("expected unauthenticated for invalid token")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")
	session := sessionFor(t, svc, "usr_1", "Ada")

	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	next, _ := decodeMap(t, rr)["refreshToken"].(string)
	if next == "" || next == session.RefreshToken {
		t.Fatalf("expected a new refresh token, got %q", next)
	}

	rr = doJSON(t, server.Handler(), http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected reused refresh token to be rejected, got %d", rr.Code)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")
	session := sessionFor(t, svc, "usr_1", "Ada")

	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/session/logout", session.Token, map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server.Handler(), http.MethodGet, "/api/projects", session.Token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to get 401, got %d", rr.Code)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/projects", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
