package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath       string       `json:"db_path"`
	DBSizeBytes  int64        `json:"db_size_bytes"`
	TotalNodes   int          `json:"total_nodes"`
	ActiveNodes  int          `json:"active_nodes"`
	ExpiredNodes int          `json:"expired_nodes"`
	Superseded   int          `json:"superseded_nodes"`
	Documents    int          `json:"documents"`
	Links        int          `json:"links"`
	Scopes       []GroupCount `json:"scopes"`
	SourceTypes  []GroupCount `json:"source_types"`
}

// GroupCount is a per-value node count.
type GroupCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	// DB file size
	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM memory_nodes`, &st.TotalNodes},
		{`SELECT COUNT(*) FROM memory_nodes WHERE expired_at IS NULL`, &st.ActiveNodes},
		{`SELECT COUNT(*) FROM memory_nodes WHERE expired_at IS NOT NULL`, &st.ExpiredNodes},
		{`SELECT COUNT(*) FROM memory_nodes WHERE superseded_by IS NOT NULL`, &st.Superseded},
		{`SELECT COUNT(*) FROM turn_documents`, &st.Documents},
		{`SELECT COUNT(*) FROM node_links`, &st.Links},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return st, err
		}
	}

	var err error
	if st.Scopes, err = s.groupCount(ctx, "scope"); err != nil {
		return st, err
	}
	if st.SourceTypes, err = s.groupCount(ctx, "source_type"); err != nil {
		return st, err
	}
	return st, nil
}

// groupCount counts live nodes by column, which must be a trusted name.
func (s *SQLiteStore) groupCount(ctx context.Context, column string) ([]GroupCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`, COUNT(*) AS cnt
		FROM memory_nodes WHERE expired_at IS NULL
		GROUP BY `+column+` ORDER BY cnt DESC, `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		var g GroupCount
		if err := rows.Scan(&g.Value, &g.Count); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
