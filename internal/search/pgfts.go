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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across components and forum_threads using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	// Components sub-query
	if q.FilterType == "" || q.FilterType == ResultComponent {
		componentWhere := "c.fts @@ " + tsQuery
		if q.FilterCategory != "" {
			componentWhere += fmt.Sprintf(" AND c.category = $%d", argN)
			args = append(args, q.FilterCategory)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'component'::text AS type, c.id, c.name AS title,
				ts_headline('english', coalesce(NULLIF(c.brief, ''), c.description), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.category,
				ts_rank(c.fts, %s) AS rank
			FROM components c
			WHERE %s`, tsQuery, tsQuery, componentWhere))
	}

	// Forum threads sub-query
	if q.FilterType == "" || q.FilterType == ResultThread {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thread'::text AS type, t.thread_id AS id, t.title,
				ts_headline('english', coalesce(t.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS category,
				ts_rank(t.fts, %s) AS rank
			FROM forum_threads t
			WHERE t.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, category
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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Category); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ComponentRecord, []ThreadRecord, error) {
	componentRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, category, brief, description
		FROM components
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load components: %w", err)
	}
	defer componentRows.Close()

	components := make([]ComponentRecord, 0)
	for componentRows.Next() {
		var c ComponentRecord
		if err := componentRows.Scan(&c.ID, &c.Name, &c.Category, &c.Brief, &c.Description); err != nil {
			return nil, nil, fmt.Errorf("scan component: %w", err)
		}
		components = append(components, c)
	}
	if err := componentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate components: %w", err)
	}

	threadRows, err := p.db.QueryContext(ctx, `
		SELECT t.thread_id, t.title, t.content, u.username
		FROM forum_threads t
		JOIN users u ON u.user_id = t.user_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load threads: %w", err)
	}
	defer threadRows.Close()

	threads := make([]ThreadRecord, 0)
	for threadRows.Next() {
		var t ThreadRecord
		if err := threadRows.Scan(&t.ID, &t.Title, &t.Content, &t.Author); err != nil {
			return nil, nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := threadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate threads: %w", err)
	}

	return components, threads, nil
}
