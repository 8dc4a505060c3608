package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/agent-turns/internal/model"
)

// ExportNodes returns nodes for backup, optionally filtered by user.
func (s *SQLiteStore) ExportNodes(ctx context.Context, userID string, includeExpired bool) ([]model.MemoryNode, error) {
	var where []string
	var args []interface{}

	if !includeExpired {
		where = append(where, "expired_at IS NULL")
	}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}

	query := `SELECT ` + nodeColumns + ` FROM memory_nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	return s.queryNodes(ctx, query, args...)
}

// ImportNodes stores exported nodes, keeping their ids and counters. Nodes
// whose id already exists are skipped.
func (s *SQLiteStore) ImportNodes(ctx context.Context, nodes []model.MemoryNode) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	imported := 0
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			n.ID = s.NewID()
		}
		if !model.ValidSourceTypes[n.SourceType] {
			return imported, fmt.Errorf("import node %s: invalid source type %q", n.ID, n.SourceType)
		}
		if n.ContentType == "" {
			n.ContentType = model.ContentDefault
		}
		if n.Scope == "" {
			n.Scope = model.ScopeNew
		}
		if n.Version <= 0 {
			n.Version = 1
		}
		if n.LastVerifiedAt.IsZero() {
			n.LastVerifiedAt = n.CreatedAt
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_nodes WHERE id = ?`, n.ID).Scan(&exists); err != nil {
			return imported, err
		}
		if exists > 0 {
			continue
		}
		if err := s.insertNode(ctx, tx, &n); err != nil {
			return imported, err
		}
		imported++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return imported, nil
}
