package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across projects and client_projects
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
// The match expression mirrors the GIN indexes on both tables.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Portfolio projects sub-query
	if q.FilterType == "" || q.FilterType == ResultProject {
		projWhere := fmt.Sprintf("to_tsvector('english', p.title || ' ' || p.description) @@ %s", tsQuery)
		if q.FilterOwnerID != "" {
			projWhere += fmt.Sprintf(" AND p.owner_id = $%d", argN)
			args = append(args, q.FilterOwnerID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.title,
				ts_headline('english', coalesce(p.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.owner_id, p.sparks,
				ts_rank(to_tsvector('english', p.title || ' ' || p.description), %s) AS rank
			FROM projects p
			WHERE %s`, tsQuery, tsQuery, projWhere))
	}

	// Job postings sub-query
	if q.FilterType == "" || q.FilterType == ResultJob {
		jobWhere := fmt.Sprintf("to_tsvector('english', cp.title || ' ' || cp.description) @@ %s", tsQuery)
		if q.FilterOwnerID != "" {
			jobWhere += fmt.Sprintf(" AND cp.client_id = $%d", argN)
			args = append(args, q.FilterOwnerID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'job'::text AS type, cp.id, cp.title,
				ts_headline('english', coalesce(cp.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				cp.client_id AS owner_id, 0 AS sparks,
				ts_rank(to_tsvector('english', cp.title || ' ' || cp.description), %s) AS rank
			FROM client_projects cp
			WHERE %s`, tsQuery, tsQuery, jobWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, owner_id, sparks
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.OwnerID, &r.Sparks); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []JobRecord, error) {
	projRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, owner_id, sparks
		FROM projects
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projRows.Close()

	projects := make([]ProjectRecord, 0)
	for projRows.Next() {
		var pr ProjectRecord
		if err := projRows.Scan(&pr.ID, &pr.Title, &pr.Description, &pr.OwnerID, &pr.Sparks); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	if err := projRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	jobRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, client_id, required_slots
		FROM client_projects
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load jobs: %w", err)
	}
	defer jobRows.Close()

	jobs := make([]JobRecord, 0)
	for jobRows.Next() {
		var jr JobRecord
		if err := jobRows.Scan(&jr.ID, &jr.Title, &jr.Description, &jr.OwnerID, &jr.Slots); err != nil {
			return nil, nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, jr)
	}
	if err := jobRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return projects, jobs, nil
}
