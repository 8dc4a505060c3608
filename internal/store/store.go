// Package store provides the persistence interface and SQLite implementation
// for memory nodes and finished turn documents.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/model"
)

// ErrConflict is returned when an optimistic update keeps losing the race.
var ErrConflict = errors.New("version conflict")

// PutParams holds parameters for storing a new memory node.
type PutParams struct {
	UserID         string
	TurnID         string
	Topic          string
	SourceType     model.SourceType
	ContentType    model.ContentType
	Content        string
	Keywords       []string
	Sources        []string
	BaseConfidence float64
	Quality        float64
	Scope          model.Scope
	TTL            string    // e.g. "7d"; empty means no TTL
	VerifiedAt     time.Time // zero means now
}

// NodeQuery filters memory nodes. Empty fields do not filter.
type NodeQuery struct {
	UserID         string // also matches global and user-less nodes
	Text           string // any term matches (FTS5 over topic, keywords, content)
	TopicPrefix    string // hierarchical: "pet.hamster" matches "pet.hamster.syrian"
	SourceTypes    []model.SourceType
	Scopes         []model.Scope
	MinQuality     float64
	IncludeExpired bool
	Now            time.Time // zero means now
	Limit          int       // candidate cap; 0 means DefaultCandidateLimit
}

// DefaultCandidateLimit caps SearchIndex results when no limit is given.
const DefaultCandidateLimit = 200

// DocumentRecord is a persisted turn document.
type DocumentRecord struct {
	ID           string                   `json:"id"`
	UserID       string                   `json:"user_id"`
	Query        string                   `json:"query"`
	Mode         string                   `json:"mode,omitempty"`
	Status       model.Status             `json:"status"`
	ReviseCount  int                      `json:"revise_count"`
	RetryCount   int                      `json:"retry_count"`
	Content      string                   `json:"content"`
	Sections     []model.Section          `json:"sections"`
	Outcome      *model.ValidationOutcome `json:"outcome,omitempty"`
	Intervention *fault.Intervention      `json:"intervention,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// NodeStore persists memory nodes.
type NodeStore interface {
	// PutNode stores a new node and returns it with its id assigned.
	PutNode(ctx context.Context, p PutParams) (*model.MemoryNode, error)

	// GetNode returns a node by id. A missing node is a RetrievalMiss.
	GetNode(ctx context.Context, id string) (*model.MemoryNode, error)

	// UpdateNode applies mutate atomically using version compare-and-swap,
	// re-reading and retrying when another writer got there first.
	UpdateNode(ctx context.Context, id string, mutate func(*model.MemoryNode) error) (*model.MemoryNode, error)

	// MarkExpired soft-expires a node. The row is kept.
	MarkExpired(ctx context.Context, id, reason string, at time.Time) error

	// SearchIndex returns candidate nodes matching q, most recently verified first.
	SearchIndex(ctx context.Context, q NodeQuery) ([]model.MemoryNode, error)

	// AllNodes returns every node, optionally including expired ones.
	AllNodes(ctx context.Context, includeExpired bool) ([]model.MemoryNode, error)

	// Link records a relation between two nodes.
	Link(ctx context.Context, p LinkParams) (*Link, error)
}

// DocumentStore persists finished turn documents.
type DocumentStore interface {
	WriteDocument(ctx context.Context, rec *DocumentRecord) error

	// ReadDocument returns a document by id. A missing document is a RetrievalMiss.
	ReadDocument(ctx context.Context, id string) (*DocumentRecord, error)
}

// Store is the full persistence collaborator.
type Store interface {
	NodeStore
	DocumentStore

	// Close closes the store.
	Close() error
}
