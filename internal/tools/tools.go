// Package tools holds the evidence collaborators the executor loop fans out
// to. A tool turns one sub-goal into zero or more claims.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
)

// Goal is one independent sub-goal handed to a tool.
type Goal struct {
	ID          string   `json:"id"`
	Tool        string   `json:"tool"`
	Description string   `json:"description"`
	Topic       string   `json:"topic,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	UserID      string   `json:"-"`
}

// Tool gathers evidence for a goal. Claims without a source are returned but
// are not citable.
type Tool interface {
	Run(ctx context.Context, g Goal) ([]model.Claim, error)
}

// Func adapts a function to Tool.
type Func func(ctx context.Context, g Goal) ([]model.Claim, error)

func (f Func) Run(ctx context.Context, g Goal) ([]model.Claim, error) { return f(ctx, g) }

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds or replaces a tool.
func (r *Registry) Register(name string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(name)] = t
}

// Get returns the named tool. An unknown name is a RetrievalMiss.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(name)]
	if !ok {
		return nil, fault.Newf(fault.KindRetrievalMiss, "tools.Get", "no tool named %q", name)
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names lists the registered tools in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MemoryTool answers goals from cached research and page visits in the
// memory index.
type MemoryTool struct {
	index *memindex.Index
	limit int
}

// NewMemoryTool creates a memory-backed tool.
func NewMemoryTool(ix *memindex.Index, limit int) *MemoryTool {
	if limit <= 0 {
		limit = 5
	}
	return &MemoryTool{index: ix, limit: limit}
}

func (m *MemoryTool) Run(ctx context.Context, g Goal) ([]model.Claim, error) {
	results, err := m.index.Search(ctx, memindex.Query{
		UserID:      g.UserID,
		Text:        g.Description,
		Keywords:    g.Keywords,
		TopicPrefix: g.Topic,
		SourceTypes: []model.SourceType{model.SourceResearch, model.SourcePageVisit},
		Limit:       m.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory tool: %w", err)
	}
	claims := make([]model.Claim, 0, len(results))
	for _, r := range results {
		c := model.Claim{Text: r.Node.Content, Confidence: r.Confidence}
		if len(r.Node.Sources) > 0 {
			c.Source = r.Node.Sources[0]
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// StaticTool returns fixed claims whose text shares a word with the goal.
// With no match it returns nothing.
type StaticTool struct {
	Claims []model.Claim
}

func (s StaticTool) Run(ctx context.Context, g Goal) ([]model.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(g.Description + " " + strings.Join(g.Keywords, " "))) {
		if len(w) >= 3 {
			want[strings.Trim(w, ".,;:!?\"'")] = true
		}
	}
	var out []model.Claim
	for _, c := range s.Claims {
		for _, w := range strings.Fields(strings.ToLower(c.Text)) {
			if want[strings.Trim(w, ".,;:!?\"'$")] {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}
