package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"codecollab/api/internal/rbac"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestLoadProjectWithCollaborators(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT p.id, p.name, p.description, p.owner_id`).
		WithArgs("prj_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "owner_id", "display_name", "code", "language", "is_public", "created_at", "updated_at"}).
			AddRow("prj_1", "Demo", "", "usr_owner", "Owner", "print(1)", "python", false, now, now))
	mock.ExpectQuery(`FROM project_collaborators pc`).
		WithArgs("prj_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "display_name", "email", "role", "added_at"}).
			AddRow("usr_owner", "Owner", "owner@example.com", "editor", now).
			AddRow("usr_view", "Viewer", "view@example.com", "viewer", now))

	project, err := s.LoadProject(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, "usr_owner", project.OwnerID)
	assert.Equal(t, "print(1)", project.Code)
	require.Len(t, project.Collaborators, 2)
	assert.Equal(t, "viewer", project.Collaborators[1].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadProjectNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM projects p`).WithArgs("prj_missing").WillReturnError(sql.ErrNoRows)

	_, err := s.LoadProject(context.Background(), "prj_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProjectCode(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE projects`).
		WithArgs("prj_1", "x = 1", "python").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveProjectCode(context.Background(), "prj_1", "x = 1", "python"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProjectCodeMissingProject(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE projects`).
		WithArgs("prj_gone", "x", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveProjectCode(context.Background(), "prj_gone", "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveProjectCodePropagatesDriverError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE projects`).WillReturnError(errors.New("conn reset"))

	err := s.SaveProjectCode(context.Background(), "prj_1", "x", "python")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save project code")
}

func TestCreateProjectAddsOwnerAsEditor(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO projects`).
		WithArgs("prj_1", "Demo", "desc", "usr_1", DefaultCode, DefaultLanguage, false).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec(`INSERT INTO project_collaborators`).
		WithArgs("prj_1", "usr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	project, err := s.CreateProject(context.Background(), Project{ID: "prj_1", Name: "Demo", Description: "desc", OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultCode, project.Code)
	assert.Equal(t, DefaultLanguage, project.Language)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProjectRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO projects`).WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := s.CreateProject(context.Background(), Project{ID: "prj_1", Name: "Demo", OwnerID: "usr_1"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM users WHERE LOWER`).WithArgs("nobody@example.com").WillReturnError(sql.ErrNoRows)

	_, err := s.GetUserByEmail(context.Background(), " nobody@example.com ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveCollaboratorMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM project_collaborators`).
		WithArgs("prj_1", "usr_x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.RemoveCollaborator(context.Background(), "prj_1", "usr_x"), ErrNotFound)
}

func TestListProjectsForUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`ORDER BY p.updated_at DESC`).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "owner_id", "display_name", "language", "is_public", "created_at", "updated_at", "member_role"}).
			AddRow("prj_2", "Newer", "", "usr_2", "Other", "python", false, now, now, "viewer").
			AddRow("prj_1", "Older", "", "usr_1", "Me", "javascript", true, now, now, "editor"))

	items, err := s.ListProjectsForUser(context.Background(), "usr_1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "prj_2", items[0].ID)
	assert.Equal(t, "Other", items[0].OwnerName)
	assert.Equal(t, rbac.RoleViewer, items[0].RoleFor("usr_1"))
	assert.Equal(t, rbac.RoleOwner, items[1].RoleFor("usr_1"))
}
