package store

import (
	"errors"
	"time"

	"codecollab/api/internal/rbac"
)

var ErrNotFound = errors.New("store: not found")

const (
	DefaultCode     = "// Write your code here"
	DefaultLanguage = "javascript"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project is a snapshot of one project row with its collaborator list.
type Project struct {
	ID            string
	Name          string
	Description   string
	OwnerID       string
	OwnerName     string
	Code          string
	Language      string
	IsPublic      bool
	Collaborators []Collaborator
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Collaborator struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
	AddedAt     time.Time
}

// ProjectPatch carries the metadata fields of an update. Nil fields are left
// unchanged.
type ProjectPatch struct {
	Name        *string
	Description *string
	IsPublic    *bool
}

// Members lists the collaborator entries in resolver form.
func (p Project) Members() []rbac.Member {
	members := make([]rbac.Member, 0, len(p.Collaborators))
	for _, c := range p.Collaborators {
		members = append(members, rbac.Member{UserID: c.UserID, Role: rbac.Role(c.Role)})
	}
	return members
}

// RoleFor resolves userID against this snapshot.
func (p Project) RoleFor(userID string) rbac.Role {
	return rbac.Resolve(p.OwnerID, p.Members(), userID)
}
