package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"codecollab/api/internal/autosave"
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

type CreateProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	IsPublic    bool   `json:"isPublic"`
}

// UpdateProjectInput is a partial update; absent fields are left alone.
type UpdateProjectInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsPublic    *bool   `json:"isPublic"`
	Code        *string `json:"code"`
	Language    *string `json:"language"`
}

type AddCollaboratorInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type CollaboratorView struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	AddedAt     time.Time `json:"addedAt"`
}

type ProjectView struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Language      string             `json:"language"`
	Code          string             `json:"code,omitempty"`
	IsPublic      bool               `json:"isPublic"`
	OwnerID       string             `json:"ownerId"`
	OwnerName     string             `json:"ownerName"`
	Role          string             `json:"role"`
	Collaborators []CollaboratorView `json:"collaborators,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func projectView(p store.Project, role rbac.Role) ProjectView {
	view := ProjectView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Language:    p.Language,
		Code:        p.Code,
		IsPublic:    p.IsPublic,
		OwnerID:     p.OwnerID,
		OwnerName:   p.OwnerName,
		Role:        role.String(),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	for _, c := range p.Collaborators {
		view.Collaborators = append(view.Collaborators, CollaboratorView{
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			Email:       c.Email,
			Role:        c.Role,
			AddedAt:     c.AddedAt,
		})
	}
	return view
}

// accessProject loads the project and resolves the caller's role. Callers
// without any role get the same 404 as a missing project.
func (s *Service) accessProject(ctx context.Context, session Session, projectID string) (store.Project, rbac.Role, error) {
	project, err := s.store.LoadProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, rbac.RoleNone, errProjectNotFound
	}
	if err != nil {
		return store.Project{}, rbac.RoleNone, err
	}
	role := project.RoleFor(session.UserID)
	if !role.HasAccess() {
		return store.Project{}, rbac.RoleNone, errProjectNotFound
	}
	return project, role, nil
}

func (s *Service) requireAction(ctx context.Context, session Session, projectID string, action rbac.Action) (store.Project, rbac.Role, error) {
	project, role, err := s.accessProject(ctx, session, projectID)
	if err != nil {
		return store.Project{}, role, err
	}
	if rbac.Authorize(role, action) == rbac.Denied {
		pslog.Ctx(ctx).Info("rbac.denied", "project_id", projectID, "user_id", session.UserID, "role", role.String(), "action", string(action))
		return store.Project{}, role, forbidden(role)
	}
	return project, role, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (ProjectView, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return ProjectView{}, validationError("Project name is required")
	}
	created, err := s.store.CreateProject(ctx, store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		OwnerID:     session.UserID,
		Language:    strings.TrimSpace(input.Language),
		IsPublic:    input.IsPublic,
	})
	if err != nil {
		return ProjectView{}, err
	}
	created.OwnerName = session.UserName

	if s.archive != nil {
		initial := gitrepo.Content{Code: created.Code, Language: created.Language}
		if err := s.archive.EnsureProjectRepo(created.ID, initial, session.UserName); err != nil {
			pslog.Ctx(ctx).Warn("history.init.failed", "project_id", created.ID, "err", err)
		}
	}
	s.reindex(created.ID)
	pslog.Ctx(ctx).Info("project.created", "project_id", created.ID, "owner_id", created.OwnerID)
	return projectView(created, rbac.RoleOwner), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]ProjectView, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		view := projectView(p, p.RoleFor(session.UserID))
		view.Collaborators = nil
		out = append(out, view)
	}
	return out, nil
}

// GetProject returns the project with the live buffer when an edit is still
// inside its debounce window.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (ProjectView, error) {
	project, role, err := s.accessProject(ctx, session, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	if code, language, ok := s.saves.Latest(projectID); ok {
		project.Code = code
		if language != "" {
			project.Language = language
		}
	}
	return projectView(project, role), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (ProjectView, error) {
	project, role, err := s.requireAction(ctx, session, projectID, rbac.ActionEdit)
	if err != nil {
		return ProjectView{}, err
	}

	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return ProjectView{}, validationError("Project name cannot be empty")
	}
	if input.Name != nil || input.Description != nil || input.IsPublic != nil {
		patch := store.ProjectPatch{Name: input.Name, Description: input.Description, IsPublic: input.IsPublic}
		if patch.Name != nil {
			trimmed := strings.TrimSpace(*patch.Name)
			patch.Name = &trimmed
		}
		if err := s.store.UpdateProjectMeta(ctx, projectID, patch); err != nil {
			return ProjectView{}, err
		}
	}

	if input.Code != nil || input.Language != nil {
		code, language := project.Code, project.Language
		if pending, pendingLang, ok := s.saves.Latest(projectID); ok {
			code = pending
			if pendingLang != "" {
				language = pendingLang
			}
		}
		if input.Code != nil {
			code = *input.Code
		}
		if input.Language != nil && strings.TrimSpace(*input.Language) != "" {
			language = strings.TrimSpace(*input.Language)
		}
		err := s.saves.SaveNow(ctx, autosave.Request{
			ProjectID: projectID,
			Code:      code,
			Language:  language,
			Role:      role,
			Author:    session.UserName,
		})
		if err != nil {
			pslog.Ctx(ctx).Warn("project.save.failed", "project_id", projectID, "err", err)
			return ProjectView{}, domainError(http.StatusInternalServerError, "PERSISTENCE_FAILED", "Could not save project code", nil)
		}
	}

	updated, err := s.store.LoadProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	s.reindex(projectID)
	return projectView(updated, role), nil
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, projectID string, input AddCollaboratorInput) (ProjectView, error) {
	project, _, err := s.requireAction(ctx, session, projectID, rbac.ActionShare)
	if err != nil {
		return ProjectView{}, err
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if role == "" {
		role = string(rbac.RoleEditor)
	}
	if !rbac.Assignable(role) {
		return ProjectView{}, domainError(http.StatusBadRequest, "INVALID_ROLE", "Role must be editor or viewer", map[string]any{"role": input.Role})
	}
	addr := strings.ToLower(strings.TrimSpace(input.Email))
	if addr == "" {
		return ProjectView{}, validationError("Email is required")
	}

	user, err := s.store.GetUserByEmail(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return ProjectView{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user with that email", nil)
	}
	if err != nil {
		return ProjectView{}, err
	}
	if user.ID == project.OwnerID {
		return ProjectView{}, domainError(http.StatusConflict, "OWNER_ENTRY", "The project owner cannot be reassigned", nil)
	}

	if err := s.store.UpsertCollaborator(ctx, projectID, user.ID, role); err != nil {
		return ProjectView{}, err
	}
	pslog.Ctx(ctx).Info("project.collaborator.added", "project_id", projectID, "user_id", user.ID, "role", role)

	if s.mailer != nil {
		inv := email.Invitation{
			To:          user.Email,
			InviterName: session.UserName,
			ProjectName: project.Name,
			ProjectURL:  strings.TrimRight(s.cfg.AppBaseURL, "/") + "/editor/" + projectID,
			Role:        role,
		}
		if err := s.mailer.SendInvitation(ctx, inv); err != nil {
			pslog.Ctx(ctx).Warn("project.invite.failed", "project_id", projectID, "to", user.Email, "err", err)
		}
	}
	return s.afterMembershipChange(ctx, projectID)
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, projectID, userID string) (ProjectView, error) {
	project, _, err := s.requireAction(ctx, session, projectID, rbac.ActionShare)
	if err != nil {
		return ProjectView{}, err
	}
	if userID == project.OwnerID {
		return ProjectView{}, domainError(http.StatusConflict, "OWNER_ENTRY", "The project owner cannot be removed", nil)
	}
	err = s.store.RemoveCollaborator(ctx, projectID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ProjectView{}, notFound("Collaborator not found")
	}
	if err != nil {
		return ProjectView{}, err
	}
	pslog.Ctx(ctx).Info("project.collaborator.removed", "project_id", projectID, "user_id", userID)
	return s.afterMembershipChange(ctx, projectID)
}

// afterMembershipChange reloads the project and pushes the new roles to
// everyone connected to its room.
func (s *Service) afterMembershipChange(ctx context.Context, projectID string) (ProjectView, error) {
	updated, err := s.store.LoadProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	if s.live != nil {
		if changed := s.live.RefreshRoles(projectID, updated.RoleFor); changed > 0 {
			pslog.Ctx(ctx).Info("room.roles.refreshed", "project_id", projectID, "changed", changed)
		}
	}
	s.reindex(projectID)
	return projectView(updated, rbac.RoleOwner), nil
}

type ExecuteInput struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

func (s *Service) Execute(ctx context.Context, session Session, projectID string, input ExecuteInput) (execproxy.Result, error) {
	if _, _, err := s.requireAction(ctx, session, projectID, rbac.ActionExecute); err != nil {
		return execproxy.Result{}, err
	}
	return s.exec.Execute(ctx, execproxy.Request{
		ProjectID: projectID,
		Language:  strings.TrimSpace(input.Language),
		Source:    input.Code,
	})
}

func (s *Service) History(ctx context.Context, session Session, projectID string, limit int) ([]gitrepo.Revision, error) {
	if _, _, err := s.accessProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []gitrepo.Revision{}, nil
	}
	revisions, err := s.archive.History(projectID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.Revision{}, nil
	}
	if err != nil {
		return nil, err
	}
	return revisions, nil
}

func (s *Service) Revision(ctx context.Context, session Session, projectID, hash string) (map[string]any, error) {
	if _, _, err := s.accessProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, errRevisionNotFound
	}
	content, rev, err := s.archive.Snapshot(projectID, hash)
	if errors.Is(err, gitrepo.ErrNoHistory) || errors.Is(err, gitrepo.ErrRevisionNotFound) {
		return nil, errRevisionNotFound
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"revision": rev,
		"code":     content.Code,
		"language": content.Language,
	}, nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	q.UserID = session.UserID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) reindex(projectIDs ...string) {
	if s.search != nil {
		s.search.Reindex(projectIDs...)
	}
}

// ArchiveOnSave commits every durable save to the project's revision history.
func ArchiveOnSave(archive revisionArchive, logger pslog.Logger) autosave.Hook {
	logger = logx.Component(logger, "history")
	return func(_ context.Context, saved autosave.Saved) {
		content := gitrepo.Content{Code: saved.Code, Language: saved.Language}
		message := fmt.Sprintf("Save by %s", saved.Author)
		if saved.Author == "" {
			message = "Save"
		}
		rev, changed, err := archive.CommitSnapshot(saved.ProjectID, content, saved.Author, message)
		if err != nil {
			logger.Warn("history.commit.failed", "project_id", saved.ProjectID, "err", err)
			return
		}
		if changed {
			logger.Debug("history.committed", "project_id", saved.ProjectID, "hash", rev.Hash)
		}
	}
}

// IndexOnSave pushes the saved project to the search index.
func IndexOnSave(index projectSearch) autosave.Hook {
	return func(_ context.Context, saved autosave.Saved) {
		index.Reindex(saved.ProjectID)
	}
}
