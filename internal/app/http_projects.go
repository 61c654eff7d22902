package app

import (
	"net/http"
	"strconv"
	"strings"

	"codecollab/api/internal/search"
)

// handleProjects routes everything under /api/projects. rest is the path
// after "projects".
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			projects, err := s.service.ListProjects(ctx, session)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
		case http.MethodPost:
			var body CreateProjectInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, err := s.service.CreateProject(ctx, session, body)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"project": project})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if rest[0] == "search" && len(rest) == 1 && r.Method == http.MethodGet {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(ctx, session, search.Query{
			Text:     strings.TrimSpace(query.Get("q")),
			Language: strings.TrimSpace(query.Get("language")),
			Limit:    limit,
			Offset:   max(offset, 0),
		}))
		return
	}

	projectID := rest[0]
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		project, err := s.service.GetProject(ctx, session, projectID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body UpdateProjectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.UpdateProject(ctx, session, projectID, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})

	case len(rest) == 2 && rest[1] == "collaborators" && r.Method == http.MethodPost:
		var body AddCollaboratorInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.AddCollaborator(ctx, session, projectID, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})

	case len(rest) == 3 && rest[1] == "collaborators" && r.Method == http.MethodDelete:
		project, err := s.service.RemoveCollaborator(ctx, session, projectID, rest[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})

	case len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		revisions, err := s.service.History(ctx, session, projectID, limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})

	case len(rest) == 3 && rest[1] == "history" && r.Method == http.MethodGet:
		snapshot, err := s.service.Revision(ctx, session, projectID, rest[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	var body ExecuteInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Execute(r.Context(), session, projectID, body)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
