package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"codecollab/api/internal/auth"
	"codecollab/api/internal/authpw"
	"codecollab/api/internal/autosave"
	"codecollab/api/internal/config"
	"codecollab/api/internal/email"
	"codecollab/api/internal/execproxy"
	"codecollab/api/internal/gitrepo"
	"codecollab/api/internal/logx"
	"codecollab/api/internal/rbac"
	"codecollab/api/internal/search"
	"codecollab/api/internal/store"
	"codecollab/api/internal/util"

	"pkt.systems/pslog"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) (store.User, error)
	CreateProject(context.Context, store.Project) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	LoadProject(context.Context, string) (store.Project, error)
	UpdateProjectMeta(context.Context, string, store.ProjectPatch) error
	UpsertCollaborator(context.Context, string, string, string) error
	RemoveCollaborator(context.Context, string, string) error
	Ping(context.Context) error
}

// sessionStore keeps refresh tokens and revoked access tokens. Both the
// Postgres store and the Redis session store satisfy it.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type codeSaver interface {
	SaveNow(ctx context.Context, req autosave.Request) error
	Latest(projectID string) (code, language string, ok bool)
}

type executor interface {
	Execute(ctx context.Context, req execproxy.Request) (execproxy.Result, error)
}

type revisionArchive interface {
	EnsureProjectRepo(projectID string, initial gitrepo.Content, author string) error
	CommitSnapshot(projectID string, content gitrepo.Content, author, message string) (gitrepo.Revision, bool, error)
	History(projectID string, limit int) ([]gitrepo.Revision, error)
	Snapshot(projectID, hash string) (gitrepo.Content, gitrepo.Revision, error)
}

type projectSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	Reindex(projectIDs ...string)
}

type roleRefresher interface {
	RefreshRoles(projectID string, resolve func(userID string) rbac.Role) int
}

type inviter interface {
	SendInvitation(ctx context.Context, inv email.Invitation) error
}

// Deps are the collaborators the service is wired to. Archive and Search
// may be left nil; the related endpoints then report empty results.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Saves    codeSaver
	Executor executor
	Archive  revisionArchive
	Search   projectSearch
	Live     roleRefresher
	Mailer   inviter
	Logger   pslog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	saves     codeSaver
	exec      executor
	archive   revisionArchive
	search    projectSearch
	live      roleRefresher
	mailer    inviter
	logger    pslog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		passwords: authpw.NewService(deps.Store),
		saves:     deps.Saves,
		exec:      deps.Executor,
		archive:   deps.Archive,
		search:    deps.Search,
		live:      deps.Live,
		mailer:    deps.Mailer,
		logger:    logx.Component(deps.Logger, "app"),
	}
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return Session{}, domainError(http.StatusBadRequest, "INVALID_INPUT", inputMessage(err), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case err != nil:
		return Session{}, err
	}
	pslog.Ctx(ctx).Info("auth.signup", "user_id", user.ID)
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, emailAddr, password)
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return Session{}, domainError(http.StatusBadRequest, "INVALID_INPUT", inputMessage(err), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case err != nil:
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	holder, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, holder.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Authenticate resolves a socket handshake credential.
func (s *Service) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{
		UserID:      session.UserID,
		DisplayName: session.UserName,
		JTI:         session.JTI,
		ExpiresAt:   session.ExpiresAt.Unix(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// inputMessage strips the sentinel prefix from a validation error.
func inputMessage(err error) string {
	return strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": ")
}
