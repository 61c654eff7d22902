// Package search finds projects visible to a user, through Meilisearch when
// it is reachable and Postgres full-text search otherwise.
package search

import "context"

type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Snippet   string `json:"snippet"`
	Language  string `json:"language"`
	OwnerID   string `json:"ownerId"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type Query struct {
	Text     string
	UserID   string
	Language string
	Limit    int
	Offset   int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ProjectRecord is the indexed shape of a project. MemberIDs holds the owner
// and every collaborator so hits can be filtered by visibility.
type ProjectRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Code        string   `json:"code"`
	OwnerID     string   `json:"ownerId"`
	MemberIDs   []string `json:"memberIds"`
	IsPublic    bool     `json:"isPublic"`
	UpdatedAt   string   `json:"updatedAt"`
}

const defaultLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return defaultLimit
	}
	return limit
}
