package decay

import (
	"math"
	"testing"
	"time"

	"github.com/rcliao/agent-turns/internal/config"
	"github.com/rcliao/agent-turns/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestConfidencePriceThreeDays(t *testing.T) {
	e := Default()
	n := &model.MemoryNode{BaseConfidence: 0.9, ContentType: model.ContentPrice, LastVerifiedAt: t0}

	got := e.Confidence(n, t0.Add(3*day))
	want := 0.9 * math.Pow(0.9, 3) // 0.6561
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("confidence = %f, want %f", got, want)
	}
}

func TestConfidenceIdempotent(t *testing.T) {
	e := Default()
	n := &model.MemoryNode{BaseConfidence: 0.77, ContentType: model.ContentAvailability, LastVerifiedAt: t0}
	now := t0.Add(41 * time.Hour)

	first := e.Confidence(n, now)
	for i := 0; i < 100; i++ {
		if got := e.Confidence(n, now); got != first {
			t.Fatalf("call %d returned %v, first was %v", i, got, first)
		}
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	e := Default()
	for ct := range model.ValidContentTypes {
		n := &model.MemoryNode{BaseConfidence: 1, ContentType: ct, LastVerifiedAt: t0}
		prev := e.Confidence(n, t0)
		for h := 1; h <= 24*60; h += 7 {
			cur := e.Confidence(n, t0.Add(time.Duration(h)*time.Hour))
			if cur > prev {
				t.Fatalf("%s: confidence rose from %v to %v at %dh", ct, prev, cur, h)
			}
			prev = cur
		}
	}
}

func TestConfidenceClamped(t *testing.T) {
	e := Default()
	tests := []struct {
		name string
		base float64
		now  time.Time
	}{
		{"over one", 1.7, t0},
		{"negative", -0.3, t0.Add(day)},
		{"future verification", 0.5, t0.Add(-day)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &model.MemoryNode{BaseConfidence: tt.base, LastVerifiedAt: t0}
			got := e.Confidence(n, tt.now)
			if got < 0 || got > 1 {
				t.Errorf("confidence %v out of [0,1]", got)
			}
		})
	}
}

func TestUnknownContentTypeUsesDefaultRate(t *testing.T) {
	e := Default()
	n := &model.MemoryNode{BaseConfidence: 1, ContentType: "weather", LastVerifiedAt: t0}
	got := e.Confidence(n, t0.Add(day))
	if math.Abs(got-0.95) > 1e-9 {
		t.Errorf("expected default 0.05/day decay, got %v", got)
	}
}

func TestTrustZeroUsage(t *testing.T) {
	e := Default()
	n := &model.MemoryNode{UsageCount: 0, ValidationSuccess: 9, ValidationTotal: 9, CreatedAt: t0.Add(-30 * day)}
	if got := e.Trust(n, t0); got != 0 {
		t.Fatalf("expected zero trust for unused node, got %v", got)
	}
	if tr := e.EvaluateScope(n, t0); tr.To != model.ScopeNew {
		t.Fatalf("unused node promoted to %s", tr.To)
	}
}

func TestTrustMonotonic(t *testing.T) {
	e := Default()
	now := t0.Add(2 * day)

	prev := -1.0
	for usage := 1; usage <= 40; usage++ {
		n := &model.MemoryNode{UsageCount: usage, ValidationSuccess: 1, ValidationTotal: 2, CreatedAt: t0}
		tr := e.Trust(n, now)
		if tr < prev {
			t.Fatalf("trust fell from %v to %v when usage rose to %d", prev, tr, usage)
		}
		prev = tr
	}

	prev = -1.0
	for success := 0; success <= 10; success++ {
		n := &model.MemoryNode{UsageCount: 5, ValidationSuccess: success, ValidationTotal: 10, CreatedAt: t0}
		tr := e.Trust(n, now)
		if tr < prev {
			t.Fatalf("trust fell from %v to %v when success rose to %d", prev, tr, success)
		}
		prev = tr
	}
}

func TestPromotionBoundary(t *testing.T) {
	r := DefaultRules()
	tests := []struct {
		name string
		m    Metrics
		want model.Scope
	}{
		{"trust just below", Metrics{Trust: 0.49, Usage: 3, Age: 2 * time.Hour}, model.ScopeNew},
		{"exact threshold", Metrics{Trust: 0.50, Usage: 3, Age: time.Hour}, model.ScopeUser},
		{"too young", Metrics{Trust: 0.9, Usage: 3, Age: 59 * time.Minute}, model.ScopeNew},
		{"too few uses", Metrics{Trust: 0.9, Usage: 2, Age: 2 * time.Hour}, model.ScopeNew},
		{"zero usage", Metrics{Trust: 1, Usage: 0, Age: 100 * time.Hour}, model.ScopeNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextScope(model.ScopeNew, tt.m, r); got != tt.want {
				t.Errorf("NextScope = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScopeTransitions(t *testing.T) {
	r := DefaultRules()
	tests := []struct {
		name string
		from model.Scope
		m    Metrics
		want model.Scope
	}{
		{"user to global", model.ScopeUser, Metrics{Trust: 0.8, Usage: 10, Age: day}, model.ScopeGlobal},
		{"user stays", model.ScopeUser, Metrics{Trust: 0.7, Usage: 10, Age: day}, model.ScopeUser},
		{"user demotes", model.ScopeUser, Metrics{Trust: 0.3, Usage: 10, Age: day}, model.ScopeNew},
		{"global demotes one level", model.ScopeGlobal, Metrics{Trust: 0.1, Usage: 12, Age: 3 * day}, model.ScopeUser},
		{"global stays", model.ScopeGlobal, Metrics{Trust: 0.95, Usage: 12, Age: 3 * day}, model.ScopeGlobal},
		{"new never jumps to global", model.ScopeNew, Metrics{Trust: 1, Usage: 50, Age: 10 * day}, model.ScopeUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextScope(tt.from, tt.m, r); got != tt.want {
				t.Errorf("NextScope(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestFromConfigMatchesDefault(t *testing.T) {
	e := FromConfig(config.DefaultConfig())
	d := Default()
	n := &model.MemoryNode{
		BaseConfidence: 0.8, ContentType: model.ContentSpec, LastVerifiedAt: t0, CreatedAt: t0,
		UsageCount: 4, ValidationSuccess: 3, ValidationTotal: 4,
	}
	now := t0.Add(5 * day)
	if e.Confidence(n, now) != d.Confidence(n, now) {
		t.Error("config engine confidence differs from default")
	}
	if e.Trust(n, now) != d.Trust(n, now) {
		t.Error("config engine trust differs from default")
	}
}
