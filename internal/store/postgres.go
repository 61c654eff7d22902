package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
		RETURNING created_at, updated_at
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.Email = strings.ToLower(user.Email)
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, strings.TrimSpace(email)))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// CreateProject inserts the project and records the owner as an editor
// collaborator in the same transaction.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	if project.Code == "" {
		project.Code = DefaultCode
	}
	if project.Language == "" {
		project.Language = DefaultLanguage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, code, language, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, project.ID, project.Name, project.Description, project.OwnerID, project.Code, project.Language, project.IsPublic).
		Scan(&project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_collaborators (project_id, user_id, role)
		VALUES ($1, $2, 'editor')
	`, project.ID, project.OwnerID); err != nil {
		return Project{}, fmt.Errorf("insert owner collaborator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit create project: %w", err)
	}
	return project, nil
}

// ListProjectsForUser returns projects the user owns or collaborates on,
// most recently updated first. Each Collaborators list holds only the
// user's own entry, which is enough for Project.RoleFor.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.owner_id, u.display_name, p.language, p.is_public, p.created_at, p.updated_at,
			COALESCE((
				SELECT pc.role FROM project_collaborators pc
				WHERE pc.project_id = p.id AND pc.user_id = $1
				ORDER BY CASE pc.role WHEN 'viewer' THEN 0 ELSE 1 END
				LIMIT 1
			), '') AS member_role
		FROM projects p
		JOIN users u ON u.id = p.owner_id
		WHERE p.owner_id = $1
			OR EXISTS (SELECT 1 FROM project_collaborators pc WHERE pc.project_id = p.id AND pc.user_id = $1)
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var (
			p          Project
			memberRole string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.OwnerName, &p.Language, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt, &memberRole); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if memberRole != "" {
			p.Collaborators = []Collaborator{{UserID: userID, Role: memberRole}}
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// LoadProject returns the project snapshot including collaborators.
func (s *PostgresStore) LoadProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.description, p.owner_id, u.display_name, p.code, p.language, p.is_public, p.created_at, p.updated_at
		FROM projects p
		JOIN users u ON u.id = p.owner_id
		WHERE p.id = $1
	`, projectID).Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.OwnerName, &p.Code, &p.Language, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("load project: %w", err)
	}

	collaborators, err := s.LoadCollaborators(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	p.Collaborators = collaborators
	return p, nil
}

func (s *PostgresStore) LoadCollaborators(ctx context.Context, projectID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.user_id, u.display_name, u.email, pc.role, pc.added_at
		FROM project_collaborators pc
		JOIN users u ON u.id = pc.user_id
		WHERE pc.project_id = $1
		ORDER BY pc.added_at ASC, pc.user_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("load collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.DisplayName, &c.Email, &c.Role, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProjectMeta(ctx context.Context, projectID string, patch ProjectPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = COALESCE($2, name),
			description = COALESCE($3, description),
			is_public = COALESCE($4, is_public),
			updated_at = NOW()
		WHERE id = $1
	`, projectID, patch.Name, patch.Description, patch.IsPublic)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return expectRow(res)
}

// SaveProjectCode overwrites the code buffer. An empty language keeps the
// stored one. There is no version check: the last write wins.
func (s *PostgresStore) SaveProjectCode(ctx context.Context, projectID, code, language string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET code = $2,
			language = COALESCE(NULLIF($3, ''), language),
			updated_at = NOW()
		WHERE id = $1
	`, projectID, code, language)
	if err != nil {
		return fmt.Errorf("save project code: %w", err)
	}
	return expectRow(res)
}

// UpsertCollaborator adds the user to the project or changes their role.
func (s *PostgresStore) UpsertCollaborator(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_collaborators (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, projectID); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM project_collaborators WHERE project_id = $1 AND user_id = $2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
