package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS searches the generated projects.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always reports true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.UserID == "" {
		return nil, 0, nil
	}
	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.UserID}
	where := "p.fts @@ " + tsQuery + ` AND (p.owner_id = $2 OR EXISTS (
			SELECT 1 FROM project_collaborators c WHERE c.project_id = p.id AND c.user_id = $2))`
	if q.Language != "" {
		args = append(args, q.Language)
		where += fmt.Sprintf(" AND p.language = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM projects p WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT p.id, p.name,
			ts_headline('simple', p.description || ' ' || p.code, %s, 'MaxFragments=1,MaxWords=30'),
			p.language, p.owner_id, p.updated_at
		FROM projects p
		WHERE %s
		ORDER BY ts_rank(p.fts, %s) DESC, p.updated_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, normalizeLimit(q.Limit), max(q.Offset, 0))
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var updatedAt time.Time
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.Language, &r.OwnerID, &updatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadProjectRecords returns every project shaped for indexing, optionally
// limited to ids.
func (p *PgFTS) LoadProjectRecords(ctx context.Context, ids ...string) ([]ProjectRecord, error) {
	query := `
		SELECT p.id, p.name, p.description, p.language, p.code, p.owner_id, p.is_public, p.updated_at,
			coalesce(string_agg(c.user_id, ',' ORDER BY c.user_id), '')
		FROM projects p
		LEFT JOIN project_collaborators c ON c.project_id = p.id`
	args := []any{}
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query += " WHERE p.id IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " GROUP BY p.id ORDER BY p.id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	defer rows.Close()

	records := make([]ProjectRecord, 0)
	for rows.Next() {
		var rec ProjectRecord
		var updatedAt time.Time
		var members string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Language, &rec.Code, &rec.OwnerID, &rec.IsPublic, &updatedAt, &members); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		rec.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
		rec.MemberIDs = memberIDs(rec.OwnerID, members)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return records, nil
}

func memberIDs(ownerID, joined string) []string {
	ids := []string{ownerID}
	for _, id := range strings.Split(joined, ",") {
		if id != "" && id != ownerID {
			ids = append(ids, id)
		}
	}
	return ids
}
