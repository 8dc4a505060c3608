package store

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rcliao/agent-turns/internal/model"
)

// SearchIndex finds nodes matching the structured filters in q. Free text is
// matched through the FTS5 index with OR semantics; ranking is left to the
// caller.
func (s *SQLiteStore) SearchIndex(ctx context.Context, q NodeQuery) ([]model.MemoryNode, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var where []string
	var args []interface{}

	if !q.IncludeExpired {
		where = append(where, "m.expired_at IS NULL", "(m.expires_at IS NULL OR m.expires_at > ?)")
		args = append(args, formatTime(now))
	}
	if q.UserID != "" {
		where = append(where, "(m.user_id = ? OR m.user_id = '' OR m.scope = ?)")
		args = append(args, q.UserID, string(model.ScopeGlobal))
	}
	if prefix := strings.Trim(strings.TrimSpace(q.TopicPrefix), "."); prefix != "" {
		where = append(where, `(m.topic = ? OR m.topic LIKE ? ESCAPE '\')`)
		args = append(args, prefix, escapeLike(prefix)+".%")
	}
	if len(q.SourceTypes) > 0 {
		where = append(where, "m.source_type IN ("+placeholders(len(q.SourceTypes))+")")
		for _, st := range q.SourceTypes {
			args = append(args, string(st))
		}
	}
	if len(q.Scopes) > 0 {
		where = append(where, "m.scope IN ("+placeholders(len(q.Scopes))+")")
		for _, sc := range q.Scopes {
			args = append(args, string(sc))
		}
	}
	if q.MinQuality > 0 {
		where = append(where, "m.quality >= ?")
		args = append(args, q.MinQuality)
	}
	if match := ftsQuery(q.Text); match != "" {
		where = append(where, "m.rowid IN (SELECT rowid FROM nodes_fts WHERE nodes_fts MATCH ?)")
		args = append(args, match)
	}

	query := `SELECT ` + prefixed("m.", nodeColumns) + ` FROM memory_nodes m`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY m.last_verified_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	nodes, err := s.queryNodes(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return nodes, nil
}

// Topics returns the distinct topics of live nodes with their counts.
func (s *SQLiteStore) Topics(ctx context.Context, userID string) ([]TopicCount, error) {
	query := `SELECT topic, COUNT(*) FROM memory_nodes WHERE expired_at IS NULL`
	var args []interface{}
	if userID != "" {
		query += ` AND (user_id = ? OR user_id = '' OR scope = ?)`
		args = append(args, userID, string(model.ScopeGlobal))
	}
	query += ` GROUP BY topic ORDER BY topic`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// TopicCount is one row of Topics.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms.
func ftsQuery(text string) string {
	var terms []string
	seen := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func prefixed(p, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
