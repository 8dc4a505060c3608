package store

import (
	"context"
	"fmt"
	"time"
)

// Relations between nodes.
const (
	RelSupersedes  = "supersedes"
	RelContradicts = "contradicts"
	RelRefines     = "refines"
	RelRelatesTo   = "relates_to"
)

// LinkParams holds parameters for creating/removing a link.
type LinkParams struct {
	FromID string
	ToID   string
	Rel    string
	Remove bool
}

// Link represents a relation between two nodes.
type Link struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Rel       string `json:"rel"`
	CreatedAt string `json:"created_at"`
}

var validRels = map[string]bool{
	RelSupersedes:  true,
	RelContradicts: true,
	RelRefines:     true,
	RelRelatesTo:   true,
}

// Link creates or removes a relation between two nodes. Both must exist.
func (s *SQLiteStore) Link(ctx context.Context, p LinkParams) (*Link, error) {
	if !validRels[p.Rel] {
		return nil, fmt.Errorf("invalid relation %q (valid: supersedes, contradicts, refines, relates_to)", p.Rel)
	}
	if p.FromID == p.ToID {
		return nil, fmt.Errorf("cannot link node %s to itself", p.FromID)
	}
	for _, id := range []string{p.FromID, p.ToID} {
		if _, err := s.GetNode(ctx, id); err != nil {
			return nil, fmt.Errorf("link: %w", err)
		}
	}

	if p.Remove {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM node_links WHERE from_id = ? AND to_id = ? AND rel = ?`,
			p.FromID, p.ToID, p.Rel)
		if err != nil {
			return nil, fmt.Errorf("remove link: %w", err)
		}
		return &Link{FromID: p.FromID, ToID: p.ToID, Rel: p.Rel}, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO node_links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		p.FromID, p.ToID, p.Rel, now)
	if err != nil {
		return nil, fmt.Errorf("insert link: %w", err)
	}
	return &Link{FromID: p.FromID, ToID: p.ToID, Rel: p.Rel, CreatedAt: now}, nil
}

// Links returns all links from or to a node.
func (s *SQLiteStore) Links(ctx context.Context, id string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, rel, created_at FROM node_links
		 WHERE from_id = ? OR to_id = ?
		 ORDER BY created_at`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
