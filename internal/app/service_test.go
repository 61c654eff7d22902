package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"codecollab/api/internal/autosave"
	"codecollab/api/internal/config"
	"codecollab/api/internal/email"
	"codecollab/api/internal/execproxy"
	"codecollab/api/internal/gitrepo"
	"codecollab/api/internal/rbac"
	"codecollab/api/internal/search"
	"codecollab/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn         func(context.Context, string) (store.User, error)
	getUserByEmailFn      func(context.Context, string) (store.User, error)
	createUserFn          func(context.Context, store.User) (store.User, error)
	createProjectFn       func(context.Context, store.Project) (store.Project, error)
	listProjectsForUserFn func(context.Context, string) ([]store.Project, error)
	loadProjectFn         func(context.Context, string) (store.Project, error)
	updateProjectMetaFn   func(context.Context, string, store.ProjectPatch) error
	upsertCollaboratorFn  func(context.Context, string, string, string) error
	removeCollaboratorFn  func(context.Context, string, string) error
	pingFn                func(context.Context) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User " + userID}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, addr string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, addr)
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return user, nil
}
func (f *fakeStore) CreateProject(ctx context.Context, project store.Project) (store.Project, error) {
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, project)
	}
	return project, nil
}
func (f *fakeStore) ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error) {
	if f.listProjectsForUserFn != nil {
		return f.listProjectsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) LoadProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.loadProjectFn != nil {
		return f.loadProjectFn(ctx, projectID)
	}
	return store.Project{}, store.ErrNotFound
}
func (f *fakeStore) UpdateProjectMeta(ctx context.Context, projectID string, patch store.ProjectPatch) error {
	if f.updateProjectMetaFn != nil {
		return f.updateProjectMetaFn(ctx, projectID, patch)
	}
	return nil
}
func (f *fakeStore) UpsertCollaborator(ctx context.Context, projectID, userID, role string) error {
	if f.upsertCollaboratorFn != nil {
		return f.upsertCollaboratorFn(ctx, projectID, userID, role)
	}
	return nil
}
func (f *fakeStore) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	if f.removeCollaboratorFn != nil {
		return f.removeCollaboratorFn(ctx, projectID, userID)
	}
	return nil
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// memorySessions is an in-memory sessionStore.
type memorySessions struct {
	mu      sync.Mutex
	refresh map[string]string
	revoked map[string]bool
}

func newMemorySessions() *memorySessions {
	return &memorySessions{refresh: map[string]string{}, revoked: map[string]bool{}}
}

func (m *memorySessions) SaveRefreshSession(_ context.Context, hash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[hash] = userID
	return nil
}
func (m *memorySessions) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.refresh[hash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return store.User{ID: userID}, nil
}
func (m *memorySessions) RevokeRefreshSession(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, hash)
	return nil
}
func (m *memorySessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}
func (m *memorySessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

type fakeSaves struct {
	saveNowFn func(context.Context, autosave.Request) error
	latest    map[string][2]string
	saved     []autosave.Request
}

func (f *fakeSaves) SaveNow(ctx context.Context, req autosave.Request) error {
	f.saved = append(f.saved, req)
	if f.saveNowFn != nil {
		return f.saveNowFn(ctx, req)
	}
	return nil
}
func (f *fakeSaves) Latest(projectID string) (string, string, bool) {
	v, ok := f.latest[projectID]
	return v[0], v[1], ok
}

type fakeExecutor struct {
	executeFn func(context.Context, execproxy.Request) (execproxy.Result, error)
	calls     int
}

func (f *fakeExecutor) Execute(ctx context.Context, req execproxy.Request) (execproxy.Result, error) {
	f.calls++
	if f.executeFn != nil {
		return f.executeFn(ctx, req)
	}
	return execproxy.Result{}, nil
}

type fakeArchive struct {
	ensured    []string
	historyFn  func(string, int) ([]gitrepo.Revision, error)
	snapshotFn func(string, string) (gitrepo.Content, gitrepo.Revision, error)
}

func (f *fakeArchive) EnsureProjectRepo(projectID string, _ gitrepo.Content, _ string) error {
	f.ensured = append(f.ensured, projectID)
	return nil
}
func (f *fakeArchive) CommitSnapshot(string, gitrepo.Content, string, string) (gitrepo.Revision, bool, error) {
	return gitrepo.Revision{}, true, nil
}
func (f *fakeArchive) History(projectID string, limit int) ([]gitrepo.Revision, error) {
	if f.historyFn != nil {
		return f.historyFn(projectID, limit)
	}
	return nil, gitrepo.ErrNoHistory
}
func (f *fakeArchive) Snapshot(projectID, hash string) (gitrepo.Content, gitrepo.Revision, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(projectID, hash)
	}
	return gitrepo.Content{}, gitrepo.Revision{}, gitrepo.ErrRevisionNotFound
}

type fakeSearch struct {
	mu        sync.Mutex
	queries   []search.Query
	reindexed []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{ID: "prj_1", Name: "Kata"}}, Total: 1, Query: q.Text}
}
func (f *fakeSearch) Reindex(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexed = append(f.reindexed, ids...)
}

type fakeLive struct {
	projectID string
	resolve   func(string) rbac.Role
}

func (f *fakeLive) RefreshRoles(projectID string, resolve func(string) rbac.Role) int {
	f.projectID = projectID
	f.resolve = resolve
	return 1
}

type fakeMailer struct {
	sent []email.Invitation
	err  error
}

func (f *fakeMailer) SendInvitation(_ context.Context, inv email.Invitation) error {
	f.sent = append(f.sent, inv)
	return f.err
}

type testDeps struct {
	store    *fakeStore
	sessions *memorySessions
	saves    *fakeSaves
	exec     *fakeExecutor
	archive  *fakeArchive
	search   *fakeSearch
	live     *fakeLive
	mailer   *fakeMailer
}

func newTestService(fs *fakeStore) (*Service, *testDeps) {
	deps := &testDeps{
		store:    fs,
		sessions: newMemorySessions(),
		saves:    &fakeSaves{latest: map[string][2]string{}},
		exec:     &fakeExecutor{},
		archive:  &fakeArchive{},
		search:   &fakeSearch{},
		live:     &fakeLive{},
		mailer:   &fakeMailer{},
	}
	cfg := config.Config{
		JWTSecret:  "test-secret-0123456789",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		AppBaseURL: "http://localhost:3000/",
	}
	svc := New(cfg, Deps{
		Store:    fs,
		Sessions: deps.sessions,
		Saves:    deps.saves,
		Executor: deps.exec,
		Archive:  deps.archive,
		Search:   deps.search,
		Live:     deps.live,
		Mailer:   deps.mailer,
	})
	return svc, deps
}

// sessionFor issues a real access token for userID through the service.
func sessionFor(t *testing.T, svc *Service, userID, name string) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), store.User{ID: userID, DisplayName: name})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			payload.WriteString(raw)
		} else if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func sampleProject() store.Project {
	return store.Project{
		ID:        "prj_1",
		Name:      "Kata",
		OwnerID:   "usr_owner",
		OwnerName: "Olive",
		Code:      "console.log(1)",
		Language:  "javascript",
		Collaborators: []store.Collaborator{
			{UserID: "usr_owner", Role: "editor"},
			{UserID: "usr_editor", DisplayName: "Eddie", Role: "editor"},
			{UserID: "usr_viewer", DisplayName: "Vera", Role: "viewer"},
		},
	}
}

func loadSample(_ context.Context, projectID string) (store.Project, error) {
	if projectID != "prj_1" {
		return store.Project{}, store.ErrNotFound
	}
	return sampleProject(), nil
}

func TestAccessProjectHidesProjectsWithoutRole(t *testing.T) {
	svc, _ := newTestService(&fakeStore{loadProjectFn: loadSample})

	tests := []struct {
		name     string
		userID   string
		project  string
		wantRole rbac.Role
		wantErr  bool
	}{
		{name: "owner", userID: "usr_owner", project: "prj_1", wantRole: rbac.RoleOwner},
		{name: "editor", userID: "usr_editor", project: "prj_1", wantRole: rbac.RoleEditor},
		{name: "viewer", userID: "usr_viewer", project: "prj_1", wantRole: rbac.RoleViewer},
		{name: "stranger", userID: "usr_stranger", project: "prj_1", wantErr: true},
		{name: "missing", userID: "usr_owner", project: "prj_missing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, role, err := svc.accessProject(context.Background(), Session{UserID: tt.userID}, tt.project)
			if tt.wantErr {
				var domainErr *DomainError
				if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotFound {
					t.Fatalf("expected 404 domain error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if role != tt.wantRole {
				t.Fatalf("expected role %q, got %q", tt.wantRole, role)
			}
		})
	}
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	session := sessionFor(t, svc, "usr_1", "Ada")

	identity, err := svc.Authenticate(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != "usr_1" || identity.JTI != session.JTI {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if err := svc.Logout(context.Background(), session, ""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), session.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
	if _, err := svc.Authenticate(context.Background(), ""); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
}

func TestArchiveOnSaveCommitsWithAuthor(t *testing.T) {
	var gotAuthor, gotMessage string
	archive := &recordingArchive{commitFn: func(_ string, content gitrepo.Content, author, message string) {
		gotAuthor, gotMessage = author, message
		if content.Code != "x := 1" || content.Language != "go" {
			t.Errorf("unexpected content %+v", content)
		}
	}}
	hook := ArchiveOnSave(archive, nil)
	hook(context.Background(), autosave.Saved{ProjectID: "prj_1", Code: "x := 1", Language: "go", Author: "Eddie"})

	if gotAuthor != "Eddie" || gotMessage != "Save by Eddie" {
		t.Fatalf("unexpected commit author=%q message=%q", gotAuthor, gotMessage)
	}
}

func TestIndexOnSaveReindexesProject(t *testing.T) {
	index := &fakeSearch{}
	IndexOnSave(index)(context.Background(), autosave.Saved{ProjectID: "prj_9"})
	if len(index.reindexed) != 1 || index.reindexed[0] != "prj_9" {
		t.Fatalf("expected prj_9 reindexed, got %v", index.reindexed)
	}
}

type recordingArchive struct {
	fakeArchive
	commitFn func(string, gitrepo.Content, string, string)
}

func (r *recordingArchive) CommitSnapshot(projectID string, content gitrepo.Content, author, message string) (gitrepo.Revision, bool, error) {
	r.commitFn(projectID, content, author, message)
	return gitrepo.Revision{Hash: "abc1234"}, true, nil
}
