package memindex

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rcliao/agent-turns/internal/model"
)

// minExcerpt is the smallest remaining budget worth an excerpt.
const minExcerpt = 100

// PackedNode is a ranked node placed into a context pack.
type PackedNode struct {
	ID         string           `json:"id"`
	Topic      string           `json:"topic"`
	SourceType model.SourceType `json:"source_type"`
	Content    string           `json:"content"`
	Sources    []string         `json:"sources,omitempty"`
	Score      float64          `json:"score"`
	Confidence float64          `json:"confidence"`
	Excerpt    bool             `json:"excerpt,omitempty"`
}

// PackResult is the assembled context.
type PackResult struct {
	Budget int          `json:"budget"`
	Used   int          `json:"used"`
	Nodes  []PackedNode `json:"nodes"`
}

// IDs returns the ids of the packed nodes.
func (p *PackResult) IDs() []string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Pack greedily fills budget bytes of node content in rank order. The first
// node that does not fit is excerpted if enough room is left, and packing
// stops there.
func Pack(results []Result, budget int) *PackResult {
	res := &PackResult{Budget: budget, Nodes: []PackedNode{}}
	used := 0

	for _, r := range results {
		pn := PackedNode{
			ID:         r.Node.ID,
			Topic:      r.Node.Topic,
			SourceType: r.Node.SourceType,
			Content:    r.Node.Content,
			Sources:    r.Node.Sources,
			Score:      math.Round(r.Score*100) / 100,
			Confidence: math.Round(r.Confidence*100) / 100,
		}
		contentLen := len(pn.Content)
		if used+contentLen <= budget {
			res.Nodes = append(res.Nodes, pn)
			used += contentLen
			continue
		}
		if remaining := budget - used; remaining >= minExcerpt {
			pn.Content = truncate(pn.Content, remaining-len("..."))
			pn.Excerpt = true
			res.Nodes = append(res.Nodes, pn)
			used += len(pn.Content)
		}
		break
	}

	res.Used = used
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}

// Render formats the pack as a markdown evidence list for the context
// section. Sources stay on their own lines so compression keeps them.
func (p *PackResult) Render() string {
	if len(p.Nodes) == 0 {
		return "No prior knowledge found."
	}
	var b strings.Builder
	for _, n := range p.Nodes {
		fmt.Fprintf(&b, "- [%s] (%s, confidence %.2f) %s\n", n.Topic, n.SourceType, n.Confidence, n.Content)
		for _, src := range n.Sources {
			fmt.Fprintf(&b, "  Source: %s\n", src)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
