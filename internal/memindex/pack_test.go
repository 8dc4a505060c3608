package memindex

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-turns/internal/model"
)

func result(id, content string, score float64) Result {
	return Result{Node: model.MemoryNode{ID: id, Topic: "t", SourceType: model.SourceFact, Content: content}, Score: score}
}

func TestPackFitsInOrder(t *testing.T) {
	res := Pack([]Result{result("a", "alpha", 0.9), result("b", "beta", 0.5)}, 100)
	assert.Equal(t, []string{"a", "b"}, res.IDs())
	assert.Equal(t, 9, res.Used)
	for _, n := range res.Nodes {
		assert.False(t, n.Excerpt)
	}
}

func TestPackExcerptsThenStops(t *testing.T) {
	long := strings.Repeat("x", 500)
	res := Pack([]Result{
		result("a", strings.Repeat("a", 50), 0.9),
		result("b", long, 0.8),
		result("c", "tiny", 0.7),
	}, 200)

	require.Len(t, res.Nodes, 2)
	assert.True(t, res.Nodes[1].Excerpt)
	assert.True(t, strings.HasSuffix(res.Nodes[1].Content, "..."))
	assert.LessOrEqual(t, res.Used, res.Budget)
	assert.NotContains(t, res.IDs(), "c", "packing stops at the first node that does not fit")
}

func TestPackSkipsExcerptWhenLittleRoom(t *testing.T) {
	res := Pack([]Result{
		result("a", strings.Repeat("a", 150), 0.9),
		result("b", strings.Repeat("b", 300), 0.8),
	}, 200)
	assert.Equal(t, []string{"a"}, res.IDs())
	assert.Equal(t, 150, res.Used)
}

func TestPackRender(t *testing.T) {
	empty := Pack(nil, 100)
	assert.Equal(t, "No prior knowledge found.", empty.Render())

	r := result("a", "wheel costs $34", 0.9)
	r.Node.Sources = []string{"https://example.com/wheel"}
	r.Confidence = 0.756
	out := Pack([]Result{r}, 100).Render()

	want := "- [t] (fact, confidence 0.76) wheel costs $34\n  Source: https://example.com/wheel"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("render mismatch (-want +got):\n%s", diff)
	}
}
