// Package model defines the core memory and turn data types.
package model

import "time"

// SourceType says where a memory node came from.
type SourceType string

const (
	SourcePriorTurn  SourceType = "prior_turn_summary"
	SourcePreference SourceType = "preference"
	SourceFact       SourceType = "fact"
	SourceResearch   SourceType = "cached_research"
	SourcePageVisit  SourceType = "cached_page_visit"
)

// ContentType selects the decay rate applied to a node.
type ContentType string

const (
	ContentAvailability ContentType = "availability"
	ContentPrice        ContentType = "price"
	ContentSpec         ContentType = "spec"
	ContentPreference   ContentType = "preference"
	ContentDefault      ContentType = "default"
)

// Scope is the lifecycle tier of a node, reflecting accumulated trust.
type Scope string

const (
	ScopeNew    Scope = "new"
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// MemoryNode is one reusable piece of knowledge.
type MemoryNode struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id,omitempty"`
	TurnID            string      `json:"turn_id,omitempty"`
	Topic             string      `json:"topic"`
	SourceType        SourceType  `json:"source_type"`
	ContentType       ContentType `json:"content_type"`
	Content           string      `json:"content"`
	Keywords          []string    `json:"keywords,omitempty"`
	Sources           []string    `json:"sources,omitempty"`
	BaseConfidence    float64     `json:"base_confidence"`
	Quality           float64     `json:"quality"`
	CreatedAt         time.Time   `json:"created_at"`
	LastVerifiedAt    time.Time   `json:"last_verified_at"`
	Scope             Scope       `json:"scope"`
	UsageCount        int         `json:"usage_count"`
	ValidationSuccess int         `json:"validation_success"`
	ValidationTotal   int         `json:"validation_total"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	ExpiredAt         *time.Time  `json:"expired_at,omitempty"`
	ExpireReason      string      `json:"expire_reason,omitempty"`
	SupersededBy      string      `json:"superseded_by,omitempty"`
	Version           int         `json:"version"`
}

// TTLElapsed reports whether the node's TTL has run out at now.
func (n *MemoryNode) TTLElapsed(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// RemainingTTL is the time left before the TTL elapses. Nodes without a TTL
// report ok=false.
func (n *MemoryNode) RemainingTTL(now time.Time) (d time.Duration, ok bool) {
	if n.ExpiresAt == nil {
		return 0, false
	}
	return n.ExpiresAt.Sub(now), true
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ValidSourceTypes are the allowed node source types.
var ValidSourceTypes = map[SourceType]bool{
	SourcePriorTurn:  true,
	SourcePreference: true,
	SourceFact:       true,
	SourceResearch:   true,
	SourcePageVisit:  true,
}

// ValidContentTypes are the content types with a configured decay rate.
var ValidContentTypes = map[ContentType]bool{
	ContentAvailability: true,
	ContentPrice:        true,
	ContentSpec:         true,
	ContentPreference:   true,
	ContentDefault:      true,
}

// ValidScopes are the allowed scopes.
var ValidScopes = map[Scope]bool{
	ScopeNew:    true,
	ScopeUser:   true,
	ScopeGlobal: true,
}
