package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/logging"
	"github.com/rcliao/agent-turns/internal/model"
)

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// maxUpdateAttempts bounds the compare-and-swap loop in UpdateNode.
const maxUpdateAttempts = 8

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		path:    dbPath,
		logger:  logging.OrNop(logger).Named("store"),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewID returns a time-sortable ULID.
func (s *SQLiteStore) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_nodes (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL DEFAULT '',
		turn_id            TEXT NOT NULL DEFAULT '',
		topic              TEXT NOT NULL,
		source_type        TEXT NOT NULL,
		content_type       TEXT NOT NULL DEFAULT 'default',
		content            TEXT NOT NULL,
		keywords           TEXT,
		sources            TEXT,
		base_confidence    REAL NOT NULL,
		quality            REAL NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		last_verified_at   TEXT NOT NULL,
		scope              TEXT NOT NULL DEFAULT 'new',
		usage_count        INTEGER NOT NULL DEFAULT 0,
		validation_success INTEGER NOT NULL DEFAULT 0,
		validation_total   INTEGER NOT NULL DEFAULT 0,
		expires_at         TEXT,
		expired_at         TEXT,
		expire_reason      TEXT,
		superseded_by      TEXT,
		version            INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_topic ON memory_nodes(topic);
	CREATE INDEX IF NOT EXISTS idx_nodes_user ON memory_nodes(user_id, scope);
	CREATE INDEX IF NOT EXISTS idx_nodes_verified ON memory_nodes(last_verified_at DESC);
	CREATE INDEX IF NOT EXISTS idx_nodes_expired ON memory_nodes(expired_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_expires ON memory_nodes(expires_at);

	CREATE TABLE IF NOT EXISTS node_links (
		from_id    TEXT NOT NULL REFERENCES memory_nodes(id),
		to_id      TEXT NOT NULL REFERENCES memory_nodes(id),
		rel        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON node_links(to_id);

	CREATE TABLE IF NOT EXISTS turn_documents (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL DEFAULT '',
		query        TEXT NOT NULL,
		mode         TEXT,
		status       TEXT NOT NULL,
		revise_count INTEGER NOT NULL DEFAULT 0,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		content      TEXT NOT NULL,
		outcome      TEXT,
		intervention TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON turn_documents(created_at DESC);

	CREATE TABLE IF NOT EXISTS turn_sections (
		doc_id     TEXT NOT NULL REFERENCES turn_documents(id),
		stage      TEXT NOT NULL,
		attempt    INTEGER NOT NULL,
		revision   INTEGER NOT NULL,
		content    TEXT NOT NULL,
		budget     INTEGER NOT NULL,
		immutable  INTEGER NOT NULL DEFAULT 0,
		written_at TEXT NOT NULL,
		PRIMARY KEY (doc_id, stage, attempt, revision)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
		topic,
		keywords,
		content,
		content=memory_nodes,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS nodes_ai AFTER INSERT ON memory_nodes BEGIN
			INSERT INTO nodes_fts(rowid, topic, keywords, content) VALUES (new.rowid, new.topic, new.keywords, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS nodes_ad AFTER DELETE ON memory_nodes BEGIN
			INSERT INTO nodes_fts(nodes_fts, rowid, topic, keywords, content) VALUES('delete', old.rowid, old.topic, old.keywords, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS nodes_au AFTER UPDATE OF topic, keywords, content ON memory_nodes BEGIN
			INSERT INTO nodes_fts(nodes_fts, rowid, topic, keywords, content) VALUES('delete', old.rowid, old.topic, old.keywords, old.content);
			INSERT INTO nodes_fts(rowid, topic, keywords, content) VALUES (new.rowid, new.topic, new.keywords, new.content);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}

// PutNode stores a new node.
func (s *SQLiteStore) PutNode(ctx context.Context, p PutParams) (*model.MemoryNode, error) {
	if strings.TrimSpace(p.Topic) == "" {
		return nil, fmt.Errorf("put node: topic is required")
	}
	if !model.ValidSourceTypes[p.SourceType] {
		return nil, fmt.Errorf("put node: invalid source type %q", p.SourceType)
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = model.ContentDefault
	}
	if !model.ValidContentTypes[contentType] {
		return nil, fmt.Errorf("put node: invalid content type %q", contentType)
	}
	scope := p.Scope
	if scope == "" {
		scope = model.ScopeNew
	}
	if !model.ValidScopes[scope] {
		return nil, fmt.Errorf("put node: invalid scope %q", scope)
	}

	now := time.Now().UTC()
	verified := p.VerifiedAt.UTC()
	if p.VerifiedAt.IsZero() {
		verified = now
	}

	n := &model.MemoryNode{
		ID:             s.NewID(),
		UserID:         p.UserID,
		TurnID:         p.TurnID,
		Topic:          strings.TrimSpace(p.Topic),
		SourceType:     p.SourceType,
		ContentType:    contentType,
		Content:        p.Content,
		Keywords:       p.Keywords,
		Sources:        p.Sources,
		BaseConfidence: model.Clamp01(p.BaseConfidence),
		Quality:        model.Clamp01(p.Quality),
		CreatedAt:      now,
		LastVerifiedAt: verified,
		Scope:          scope,
		Version:        1,
	}
	if p.TTL != "" {
		d, err := parseTTL(p.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl: %w", err)
		}
		exp := verified.Add(d)
		n.ExpiresAt = &exp
	}

	if err := s.insertNode(ctx, s.db, n); err != nil {
		return nil, err
	}
	s.logger.Debug("node stored", zap.String("id", n.ID), zap.String("topic", n.Topic), zap.String("source_type", string(n.SourceType)))
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const nodeColumns = `id, user_id, turn_id, topic, source_type, content_type, content, keywords, sources,
	base_confidence, quality, created_at, last_verified_at, scope, usage_count,
	validation_success, validation_total, expires_at, expired_at, expire_reason, superseded_by, version`

func (s *SQLiteStore) insertNode(ctx context.Context, db execer, n *model.MemoryNode) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO memory_nodes (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.TurnID, n.Topic, string(n.SourceType), string(n.ContentType), n.Content,
		jsonList(n.Keywords), jsonList(n.Sources),
		n.BaseConfidence, n.Quality, formatTime(n.CreatedAt), formatTime(n.LastVerifiedAt),
		string(n.Scope), n.UsageCount, n.ValidationSuccess, n.ValidationTotal,
		formatTimePtr(n.ExpiresAt), formatTimePtr(n.ExpiredAt), nullString(n.ExpireReason),
		nullString(n.SupersededBy), n.Version)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// GetNode returns a node by id, expired or not.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*model.MemoryNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM memory_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindRetrievalMiss, "GetNode", "node not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return &n, nil
}

// UpdateNode reads the node, applies mutate and writes it back only if no
// other writer bumped the version in between.
func (s *SQLiteStore) UpdateNode(ctx context.Context, id string, mutate func(*model.MemoryNode) error) (*model.MemoryNode, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := n.Version
		if err := mutate(n); err != nil {
			return nil, err
		}
		n.ID = id
		n.Version = prev + 1
		n.BaseConfidence = model.Clamp01(n.BaseConfidence)
		n.Quality = model.Clamp01(n.Quality)

		res, err := s.db.ExecContext(ctx,
			`UPDATE memory_nodes SET
				topic = ?, content_type = ?, content = ?, keywords = ?, sources = ?,
				base_confidence = ?, quality = ?, last_verified_at = ?, scope = ?,
				usage_count = ?, validation_success = ?, validation_total = ?,
				expires_at = ?, expired_at = ?, expire_reason = ?, superseded_by = ?, version = ?
			 WHERE id = ? AND version = ?`,
			n.Topic, string(n.ContentType), n.Content, jsonList(n.Keywords), jsonList(n.Sources),
			n.BaseConfidence, n.Quality, formatTime(n.LastVerifiedAt), string(n.Scope),
			n.UsageCount, n.ValidationSuccess, n.ValidationTotal,
			formatTimePtr(n.ExpiresAt), formatTimePtr(n.ExpiredAt), nullString(n.ExpireReason),
			nullString(n.SupersededBy), n.Version,
			id, prev)
		if err != nil {
			return nil, fmt.Errorf("update node: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 1 {
			return n, nil
		}
		s.logger.Debug("node update lost race, retrying", zap.String("id", id), zap.Int("attempt", attempt))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update node %s: %w", id, ErrConflict)
}

// MarkExpired soft-expires a node. Expiring an already expired node is a no-op.
func (s *SQLiteStore) MarkExpired(ctx context.Context, id, reason string, at time.Time) error {
	_, err := s.UpdateNode(ctx, id, func(n *model.MemoryNode) error {
		if n.ExpiredAt != nil {
			return nil
		}
		t := at.UTC()
		n.ExpiredAt = &t
		n.ExpireReason = reason
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	s.logger.Info("node expired", zap.String("id", id), zap.String("reason", reason))
	return nil
}

// AllNodes returns every node, optionally including expired ones.
func (s *SQLiteStore) AllNodes(ctx context.Context, includeExpired bool) ([]model.MemoryNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM memory_nodes`
	if !includeExpired {
		query += ` WHERE expired_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	return s.queryNodes(ctx, query)
}

func (s *SQLiteStore) queryNodes(ctx context.Context, query string, args ...any) ([]model.MemoryNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.MemoryNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scanner) (model.MemoryNode, error) {
	var n model.MemoryNode
	var keywords, sources, expiresAt, expiredAt, reason, supersededBy sql.NullString
	var sourceType, contentType, scope, createdAt, verifiedAt string

	err := row.Scan(
		&n.ID, &n.UserID, &n.TurnID, &n.Topic, &sourceType, &contentType, &n.Content,
		&keywords, &sources, &n.BaseConfidence, &n.Quality, &createdAt, &verifiedAt,
		&scope, &n.UsageCount, &n.ValidationSuccess, &n.ValidationTotal,
		&expiresAt, &expiredAt, &reason, &supersededBy, &n.Version,
	)
	if err != nil {
		return n, err
	}

	n.SourceType = model.SourceType(sourceType)
	n.ContentType = model.ContentType(contentType)
	n.Scope = model.Scope(scope)
	n.CreatedAt = parseTime(createdAt)
	n.LastVerifiedAt = parseTime(verifiedAt)
	if keywords.Valid {
		json.Unmarshal([]byte(keywords.String), &n.Keywords)
	}
	if sources.Valid {
		json.Unmarshal([]byte(sources.String), &n.Sources)
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		n.ExpiresAt = &t
	}
	if expiredAt.Valid {
		t := parseTime(expiredAt.String)
		n.ExpiredAt = &t
	}
	n.ExpireReason = reason.String
	n.SupersededBy = supersededBy.String
	return n, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func jsonList(v []string) *string {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	s := string(b)
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// parseTTL parses a TTL string like "7d", "24h", "30m" into a time.Duration.
var ttlRegex = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseTTL is parseTTL for callers outside the package.
func ParseTTL(s string) (time.Duration, error) { return parseTTL(s) }

func parseTTL(s string) (time.Duration, error) {
	m := ttlRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid format %q (use e.g. 7d, 24h, 30m, 60s)", s)
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("unknown unit %q", m[2])
}
