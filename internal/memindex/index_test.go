package memindex

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/agent-turns/internal/decay"
	"github.com/rcliao/agent-turns/internal/embedding"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestIndex(t *testing.T, s store.NodeStore, options ...Option) *Index {
	t.Helper()
	options = append([]Option{WithLogger(zaptest.NewLogger(t))}, options...)
	return New(s, decay.Default(), DefaultOptions(), options...)
}

func put(t *testing.T, s *store.SQLiteStore, p store.PutParams) *model.MemoryNode {
	t.Helper()
	if p.SourceType == "" {
		p.SourceType = model.SourceFact
	}
	if p.BaseConfidence == 0 {
		p.BaseConfidence = 0.8
	}
	n, err := s.PutNode(context.Background(), p)
	if err != nil {
		t.Fatalf("put node: %v", err)
	}
	return n
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Node.ID
	}
	return out
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		prefix, topic string
		want          bool
	}{
		{"", "anything", true},
		{"pet.hamster", "pet.hamster", true},
		{"pet.hamster", "pet.hamster.syrian", true},
		{"pet.hamster", "pet.hamsters_club", false},
		{"pet.hamster.", "pet.hamster.dwarf", true},
		{"pet", "petrol", false},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.prefix, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.prefix, tt.topic, got, tt.want)
		}
	}
}

func TestSearchTopicPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	put(t, s, store.PutParams{Topic: "pet.hamster", Content: "hamsters need deep bedding"})
	put(t, s, store.PutParams{Topic: "pet.hamster.syrian", Content: "syrian hamsters need a large wheel"})
	put(t, s, store.PutParams{Topic: "pet.hamsters_club", Content: "club meets on fridays"})

	results, err := ix.Search(ctx, Query{TopicPrefix: "pet.hamster"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !MatchTopic("pet.hamster", r.Node.Topic) {
			t.Errorf("unexpected topic %q", r.Node.Topic)
		}
	}
}

func TestSearchRanksRelevantFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	off := put(t, s, store.PutParams{Topic: "pet.hamster", Content: "bedding should be paper based"})
	on := put(t, s, store.PutParams{Topic: "pet.hamster", Content: "a silent wheel of 28cm suits syrian hamsters", Keywords: []string{"wheel"}})

	results, err := ix.Search(ctx, Query{Text: "silent wheel", TopicPrefix: "pet"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || results[0].Node.ID != on.ID {
		t.Fatalf("expected %s first, got %v", on.ID, ids(results))
	}
	for _, r := range results {
		if r.Node.ID == off.ID && r.Score >= results[0].Score {
			t.Errorf("irrelevant node scored %f, top %f", r.Score, results[0].Score)
		}
	}
}

func TestSearchDropsDecayedAndElapsed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)
	now := time.Now()

	fresh := put(t, s, store.PutParams{Topic: "shop", Content: "wheel in stock", ContentType: model.ContentAvailability})
	stale := put(t, s, store.PutParams{
		Topic:       "shop",
		Content:     "cage in stock",
		ContentType: model.ContentAvailability,
		VerifiedAt:  now.Add(-30 * 24 * time.Hour),
	})
	put(t, s, store.PutParams{
		Topic:      "shop",
		Content:    "sale ends soon",
		TTL:        "1h",
		VerifiedAt: now.Add(-2 * time.Hour),
	})

	results, err := ix.Search(ctx, Query{TopicPrefix: "shop"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := ids(results); len(got) != 1 || got[0] != fresh.ID {
		t.Fatalf("expected only fresh node, got %v", got)
	}

	all, err := ix.Search(ctx, Query{TopicPrefix: "shop", IncludeExpired: true})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	found := false
	for _, r := range all {
		if r.Node.ID == stale.ID {
			found = true
			if r.Confidence >= DefaultOptions().MinConfidence {
				t.Errorf("expected decayed confidence, got %f", r.Confidence)
			}
		}
	}
	if !found {
		t.Error("IncludeExpired should return the decayed node")
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)
	for i := 0; i < 5; i++ {
		put(t, s, store.PutParams{Topic: "t", Content: "note"})
	}
	results, err := ix.Search(ctx, Query{TopicPrefix: "t", Limit: 3})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3, got %d", len(results))
	}
}

func TestRankTieBreak(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	results := []Result{
		{Node: model.MemoryNode{ID: "a", LastVerifiedAt: t0}, Score: 0.5},
		{Node: model.MemoryNode{ID: "b", LastVerifiedAt: t0.Add(time.Hour)}, Score: 0.5},
		{Node: model.MemoryNode{ID: "c", LastVerifiedAt: t0}, Score: 0.9},
		{Node: model.MemoryNode{ID: "d", LastVerifiedAt: t0}, Score: 0.5},
	}
	Rank(results)
	want := []string{"c", "b", "d", "a"}
	if got := ids(results); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

type fakeEmbedder struct {
	fail bool
}

// Embed maps text onto two axes: hamster-ish and everything else.
func (f fakeEmbedder) Embed(_ context.Context, text string) (embedding.Vector, error) {
	if f.fail {
		return nil, errors.New("embedder down")
	}
	if strings.Contains(text, "rodent") || strings.Contains(text, "hamster") {
		return embedding.Vector{1, 0}, nil
	}
	return embedding.Vector{0, 1}, nil
}

func (fakeEmbedder) Dims() int { return 2 }

func TestSearchSemanticRelevance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := put(t, s, store.PutParams{Topic: "pet", Content: "hamster wheels should be solid"})

	lexicalOnly := newTestIndex(t, s)
	res, err := lexicalOnly.Search(ctx, Query{Text: "rodent"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("lexical search should not match, got %v", ids(res))
	}

	// Without text the FTS filter is skipped, so ranking alone is compared.
	semantic := newTestIndex(t, s, WithEmbedder(fakeEmbedder{}))
	rel := semantic.relevance(ctx, "rodent", []model.MemoryNode{*n})
	if rel[0] != 1 {
		t.Errorf("expected semantic relevance 1, got %f", rel[0])
	}

	broken := newTestIndex(t, s, WithEmbedder(fakeEmbedder{fail: true}))
	rel = broken.relevance(ctx, "rodent", []model.MemoryNode{*n})
	if rel[0] != 0 {
		t.Errorf("expected lexical fallback 0, got %f", rel[0])
	}
}
