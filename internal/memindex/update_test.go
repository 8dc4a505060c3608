package memindex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

func TestAddExpiresOlderNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	old := put(t, s, store.PutParams{Topic: "shop.wheel", SourceType: model.SourceResearch, Content: "wheel costs $30", Quality: 0.6})

	res, err := ix.Add(ctx, store.PutParams{
		Topic:          "shop.wheel",
		SourceType:     model.SourceResearch,
		Content:        "wheel costs $34",
		BaseConfidence: 0.9,
		Quality:        0.6,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(res.Expired) != 1 || res.Expired[0] != old.ID {
		t.Fatalf("expected %s expired, got %v", old.ID, res.Expired)
	}
	if res.SupersededBy != "" {
		t.Errorf("new node should not be superseded, got %s", res.SupersededBy)
	}

	got, err := s.GetNode(ctx, old.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if got.ExpiredAt == nil || got.ExpireReason != ReasonSuperseded || got.SupersededBy != res.Node.ID {
		t.Errorf("old node not expired in favour of new: %+v", got)
	}

	links, err := s.Links(ctx, res.Node.ID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 1 || links[0].Rel != store.RelSupersedes || links[0].ToID != old.ID {
		t.Errorf("expected supersedes link to old node, got %+v", links)
	}
}

func TestAddOlderNodeKeepsPrecedence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	old := put(t, s, store.PutParams{Topic: "pet.hamster", SourceType: model.SourceResearch, Content: "wheel must be 28cm for syrian hamsters", Quality: 0.9})

	res, err := ix.Add(ctx, store.PutParams{
		Topic:          "pet.hamster",
		SourceType:     model.SourceResearch,
		Content:        "any wheel is fine for syrian hamsters",
		BaseConfidence: 0.8,
		Quality:        0.4,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.SupersededBy != old.ID || res.Node.SupersededBy != old.ID {
		t.Fatalf("expected new node superseded by %s, got %+v", old.ID, res)
	}
	if len(res.Expired) != 0 {
		t.Errorf("nothing should expire, got %v", res.Expired)
	}

	got, err := s.GetNode(ctx, old.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if got.ExpiredAt != nil {
		t.Error("older node should stay live")
	}

	results, err := ix.Search(ctx, Query{Text: "syrian wheel", TopicPrefix: "pet.hamster"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].Node.ID != old.ID {
		t.Errorf("expected older node ranked first, got %v", ids(results))
	}
}

func TestAddIgnoresOtherTopicsAndSources(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	child := put(t, s, store.PutParams{Topic: "pet.hamster.syrian", SourceType: model.SourceResearch, Content: "a"})
	other := put(t, s, store.PutParams{Topic: "pet.hamster", SourceType: model.SourcePriorTurn, Content: "b"})

	res, err := ix.Add(ctx, store.PutParams{Topic: "pet.hamster", SourceType: model.SourceResearch, Content: "c", BaseConfidence: 0.8})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(res.Expired) != 0 || res.SupersededBy != "" {
		t.Fatalf("expected no precedence change, got %+v", res)
	}
	for _, id := range []string{child.ID, other.ID} {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if n.ExpiredAt != nil {
			t.Errorf("node %s should be untouched", id)
		}
	}
}

func TestAddKeepsSiblingsAndOtherContentTypes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	first, err := ix.Add(ctx, store.PutParams{
		TurnID: "t1", Topic: "pet.hamster", SourceType: model.SourceResearch,
		ContentType: model.ContentPrice, Content: "wheel costs $34", BaseConfidence: 0.9, Quality: 0.6,
	})
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	sibling, err := ix.Add(ctx, store.PutParams{
		TurnID: "t1", Topic: "pet.hamster", SourceType: model.SourceResearch,
		ContentType: model.ContentPrice, Content: "bedding costs $12", BaseConfidence: 0.9, Quality: 0.6,
	})
	if err != nil {
		t.Fatalf("add sibling: %v", err)
	}
	spec, err := ix.Add(ctx, store.PutParams{
		TurnID: "t2", Topic: "pet.hamster", SourceType: model.SourceResearch,
		ContentType: model.ContentSpec, Content: "wheel is 28 cm wide", BaseConfidence: 0.9, Quality: 0.6,
	})
	if err != nil {
		t.Fatalf("add spec: %v", err)
	}
	for _, res := range []*AddResult{sibling, spec} {
		if len(res.Expired) != 0 || res.SupersededBy != "" {
			t.Errorf("expected no precedence change, got %+v", res)
		}
	}

	live, err := s.AllNodes(ctx, false)
	if err != nil {
		t.Fatalf("all nodes: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("expected 3 live nodes, got %d", len(live))
	}

	// A later turn with the same content type still supersedes.
	later, err := ix.Add(ctx, store.PutParams{
		TurnID: "t3", Topic: "pet.hamster", SourceType: model.SourceResearch,
		ContentType: model.ContentPrice, Content: "wheel costs $36", BaseConfidence: 0.9, Quality: 0.6,
	})
	if err != nil {
		t.Fatalf("add later: %v", err)
	}
	if len(later.Expired) != 2 {
		t.Errorf("expected both t1 price nodes expired, got %v", later.Expired)
	}
	got, err := s.GetNode(ctx, first.Node.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpireReason != ReasonSuperseded {
		t.Errorf("first node reason = %q", got.ExpireReason)
	}
}

func TestRetract(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)

	a := put(t, s, store.PutParams{Topic: "shop", Content: "a"})
	b := put(t, s, store.PutParams{Topic: "shop", Content: "b"})
	keep := put(t, s, store.PutParams{Topic: "shop", Content: "c"})

	if err := ix.Retract(ctx, []string{a.ID, b.ID}, ReasonTurnHalted); err != nil {
		t.Fatalf("retract: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if n.ExpiredAt == nil || n.ExpireReason != ReasonTurnHalted {
			t.Errorf("node %s not retracted: %+v", id, n)
		}
	}
	n, err := s.GetNode(ctx, keep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.ExpiredAt != nil {
		t.Error("unrelated node should stay live")
	}
}

func TestKeepsPrecedence(t *testing.T) {
	now := time.Now()
	ix := New(nil, nil, DefaultOptions())
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		old  model.MemoryNode
		new  model.MemoryNode
		want bool
	}{
		{"margin met, no ttl", model.MemoryNode{Quality: 0.9}, model.MemoryNode{Quality: 0.5}, true},
		{"margin met, ttl left", model.MemoryNode{Quality: 0.9, ExpiresAt: &future}, model.MemoryNode{Quality: 0.5}, true},
		{"margin met, ttl gone", model.MemoryNode{Quality: 0.9, ExpiresAt: &past}, model.MemoryNode{Quality: 0.5}, false},
		{"margin missed", model.MemoryNode{Quality: 0.6}, model.MemoryNode{Quality: 0.5}, false},
		{"equal quality", model.MemoryNode{Quality: 0.5}, model.MemoryNode{Quality: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ix.keepsPrecedence(&tt.old, &tt.new, now); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordValidationPromotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	ix := newTestIndex(t, s, WithClock(later))

	n := put(t, s, store.PutParams{Topic: "pet.hamster", Content: "solid wheel"})
	for i := 0; i < 3; i++ {
		if err := ix.RecordUsage(ctx, []string{n.ID}); err != nil {
			t.Fatalf("usage: %v", err)
		}
	}

	changes, err := ix.RecordValidation(ctx, []string{n.ID}, true)
	if err != nil {
		t.Fatalf("validation: %v", err)
	}
	if len(changes) != 1 || changes[0].From != model.ScopeNew || changes[0].To != model.ScopeUser {
		t.Fatalf("expected new->user, got %+v", changes)
	}

	got, err := s.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Scope != model.ScopeUser || got.UsageCount != 3 || got.ValidationSuccess != 1 || got.ValidationTotal != 1 {
		t.Errorf("unexpected node state: %+v", got)
	}

	// A failed validation drags trust below the user threshold.
	changes, err = ix.RecordValidation(ctx, []string{n.ID}, false)
	if err != nil {
		t.Fatalf("validation: %v", err)
	}
	if len(changes) != 1 || changes[0].To != model.ScopeNew {
		t.Errorf("expected demotion to new, got %+v", changes)
	}
}

func TestRecordUsageMissingNode(t *testing.T) {
	s := newTestStore(t)
	ix := newTestIndex(t, s)
	if err := ix.RecordUsage(context.Background(), []string{"nope"}); err == nil {
		t.Fatal("expected error for missing node")
	}
}

func TestRecordUsageConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)
	n := put(t, s, store.PutParams{Topic: "t", Content: "shared"})

	const turns = 6
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ix.RecordUsage(ctx, []string{n.ID})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("usage: %v", err)
		}
	}

	got, err := s.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsageCount != turns {
		t.Errorf("expected usage %d, got %d", turns, got.UsageCount)
	}
}

func TestMaintain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ix := newTestIndex(t, s)
	now := time.Now()

	elapsed := put(t, s, store.PutParams{Topic: "shop", Content: "sale", TTL: "1h", VerifiedAt: now.Add(-2 * time.Hour)})
	decayed := put(t, s, store.PutParams{
		Topic:       "shop",
		Content:     "in stock",
		ContentType: model.ContentAvailability,
		VerifiedAt:  now.Add(-30 * 24 * time.Hour),
	})
	fresh := put(t, s, store.PutParams{Topic: "shop", Content: "opening hours"})

	rep, err := ix.Maintain(ctx, now)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if rep.Scanned != 3 {
		t.Errorf("expected 3 scanned, got %d", rep.Scanned)
	}
	if len(rep.ExpiredTTL) != 1 || rep.ExpiredTTL[0] != elapsed.ID {
		t.Errorf("expected ttl expiry of %s, got %v", elapsed.ID, rep.ExpiredTTL)
	}
	if len(rep.ExpiredLowConfidence) != 1 || rep.ExpiredLowConfidence[0] != decayed.ID {
		t.Errorf("expected low confidence expiry of %s, got %v", decayed.ID, rep.ExpiredLowConfidence)
	}

	got, err := s.GetNode(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiredAt != nil {
		t.Error("fresh node should stay live")
	}
	gone, err := s.GetNode(ctx, decayed.ID)
	if err != nil {
		t.Fatalf("expired rows are kept: %v", err)
	}
	if gone.ExpireReason != ReasonLowConfidence {
		t.Errorf("expected reason %s, got %s", ReasonLowConfidence, gone.ExpireReason)
	}

	again, err := ix.Maintain(ctx, now)
	if err != nil {
		t.Fatalf("second maintain: %v", err)
	}
	if again.Scanned != 1 {
		t.Errorf("expected only the live node rescanned, got %d", again.Scanned)
	}
}
