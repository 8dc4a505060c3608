package tools

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-turns/internal/decay"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("Memory", StaticTool{})
	r.Register("web", StaticTool{})

	assert.Equal(t, []string{"memory", "web"}, r.Names())
	assert.True(t, r.Has("MEMORY"))

	_, err := r.Get("browser")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRetrievalMiss))
}

func TestStaticToolMatchesWords(t *testing.T) {
	tool := StaticTool{Claims: []model.Claim{
		{Text: "Silent Spinner wheel costs $34", Confidence: 0.9, Source: "https://example.com/spinner"},
		{Text: "Paper bedding is dust free", Confidence: 0.8},
	}}
	claims, err := tool.Run(context.Background(), Goal{Description: "price of a quiet wheel"})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.True(t, claims[0].Citable())

	claims, err = tool.Run(context.Background(), Goal{Description: "bedding"})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.False(t, claims[0].Citable(), "claims without a source are not citable")
}

func TestFunc(t *testing.T) {
	var got Goal
	f := Func(func(_ context.Context, g Goal) ([]model.Claim, error) {
		got = g
		return nil, nil
	})
	_, err := f.Run(context.Background(), Goal{ID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "g1", got.ID)
}

func TestMemoryToolReturnsCachedResearch(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.PutNode(ctx, store.PutParams{
		Topic: "shop.wheel", SourceType: model.SourceResearch, Content: "Silent Spinner wheel costs $34",
		Sources: []string{"https://example.com/spinner"}, BaseConfidence: 0.9, ContentType: model.ContentPrice,
	})
	require.NoError(t, err)
	_, err = s.PutNode(ctx, store.PutParams{
		Topic: "shop.wheel", SourceType: model.SourcePriorTurn, Content: "Q: wheel A: spinner", BaseConfidence: 0.9,
	})
	require.NoError(t, err)

	ix := memindex.New(s, decay.Default(), memindex.DefaultOptions())
	claims, err := NewMemoryTool(ix, 0).Run(ctx, Goal{Description: "spinner wheel", Topic: "shop"})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "https://example.com/spinner", claims[0].Source)
	assert.InDelta(t, 0.9, claims[0].Confidence, 0.01)
}
