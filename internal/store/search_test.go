package store

import (
	"context"
	"testing"
	"time"

	"github.com/rcliao/agent-turns/internal/model"
)

func TestSearchIndex_Text(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putNode(t, s, PutParams{Topic: "pet.hamster", Content: "A silent wheel for hamsters"})
	putNode(t, s, PutParams{Topic: "pet.cat", Content: "Cat trees and scratching posts"})
	putNode(t, s, PutParams{Topic: "garden", Content: "Tomatoes", Keywords: []string{"wheel", "barrow"}})

	results, err := s.SearchIndex(ctx, NodeQuery{Text: "wheel"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (content and keyword match), got %d", len(results))
	}

	results, _ = s.SearchIndex(ctx, NodeQuery{Text: "javascript"})
	if len(results) != 0 {
		t.Fatalf("expected 0 results, got %d", len(results))
	}

	// Punctuation in free text must not break the FTS query
	results, err = s.SearchIndex(ctx, NodeQuery{Text: `"wheel" OR (cat*`})
	if err != nil {
		t.Fatalf("search with punctuation: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
}

func TestSearchIndex_TopicPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putNode(t, s, PutParams{Topic: "pet.hamster.syrian", Content: "a"})
	putNode(t, s, PutParams{Topic: "pet.hamster", Content: "b"})
	putNode(t, s, PutParams{Topic: "pet.hamsters_club", Content: "c"})
	putNode(t, s, PutParams{Topic: "pet.cat", Content: "d"})

	results, err := s.SearchIndex(ctx, NodeQuery{TopicPrefix: "pet.hamster"})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, n := range results {
		got[n.Topic] = true
	}
	if len(results) != 2 || !got["pet.hamster.syrian"] || !got["pet.hamster"] {
		t.Errorf("expected pet.hamster and pet.hamster.syrian, got %v", got)
	}
}

func TestSearchIndex_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putNode(t, s, PutParams{UserID: "u1", Topic: "a", SourceType: model.SourcePreference, Quality: 0.9})
	putNode(t, s, PutParams{UserID: "u1", Topic: "a", SourceType: model.SourceResearch, Quality: 0.2})
	putNode(t, s, PutParams{UserID: "u2", Topic: "a", SourceType: model.SourceResearch, Quality: 0.9})
	putNode(t, s, PutParams{UserID: "u2", Topic: "a", SourceType: model.SourceFact, Scope: model.ScopeGlobal, Quality: 0.9})

	tests := []struct {
		name string
		q    NodeQuery
		want int
	}{
		{"user sees own and global", NodeQuery{UserID: "u1"}, 3},
		{"source type", NodeQuery{SourceTypes: []model.SourceType{model.SourceResearch}}, 2},
		{"scope", NodeQuery{Scopes: []model.Scope{model.ScopeGlobal}}, 1},
		{"min quality", NodeQuery{MinQuality: 0.5}, 3},
		{"combined", NodeQuery{UserID: "u1", MinQuality: 0.5}, 2},
		{"limit", NodeQuery{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.SearchIndex(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != tt.want {
				t.Errorf("expected %d, got %d", tt.want, len(results))
			}
		})
	}
}

func TestSearchIndex_ExcludesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	putNode(t, s, PutParams{Topic: "a", Content: "ttl elapsed", TTL: "24h", VerifiedAt: old})
	b := putNode(t, s, PutParams{Topic: "a", Content: "marked expired"})
	putNode(t, s, PutParams{Topic: "a", Content: "live"})
	if err := s.MarkExpired(ctx, b.ID, "test", time.Now()); err != nil {
		t.Fatal(err)
	}

	results, _ := s.SearchIndex(ctx, NodeQuery{TopicPrefix: "a"})
	if len(results) != 1 || results[0].Content != "live" {
		t.Errorf("expected only the live node, got %d", len(results))
	}

	results, _ = s.SearchIndex(ctx, NodeQuery{TopicPrefix: "a", IncludeExpired: true})
	if len(results) != 3 {
		t.Errorf("expected 3 with include_expired, got %d", len(results))
	}
}

func TestSearchIndex_OrderedByVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	putNode(t, s, PutParams{Topic: "a", Content: "older", VerifiedAt: now.Add(-2 * time.Hour)})
	putNode(t, s, PutParams{Topic: "a", Content: "newer", VerifiedAt: now.Add(-time.Hour)})

	results, _ := s.SearchIndex(ctx, NodeQuery{})
	if len(results) != 2 || results[0].Content != "newer" {
		t.Errorf("expected most recently verified first, got %+v", results)
	}
}

func TestTopics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putNode(t, s, PutParams{Topic: "pet.cat"})
	putNode(t, s, PutParams{Topic: "pet.hamster"})
	putNode(t, s, PutParams{Topic: "pet.hamster"})

	topics, err := s.Topics(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 2 || topics[1].Topic != "pet.hamster" || topics[1].Count != 2 {
		t.Errorf("unexpected topics: %+v", topics)
	}
}
