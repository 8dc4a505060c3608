// Package memindex searches, ranks and maintains the shared memory node
// collection that feeds every turn's context.
//
// The index is shared by concurrent turns. Reads never block on writers and
// may miss nodes saved by a turn that is still finishing; per-node counters
// are updated through the store's versioned compare-and-swap so concurrent
// increments are never lost.
package memindex

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-turns/internal/config"
	"github.com/rcliao/agent-turns/internal/decay"
	"github.com/rcliao/agent-turns/internal/embedding"
	"github.com/rcliao/agent-turns/internal/logging"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

// Expiry reasons recorded on nodes.
const (
	ReasonTTL           = "ttl_elapsed"
	ReasonLowConfidence = "low_confidence"
	ReasonSuperseded    = "superseded"
	ReasonTurnHalted    = "turn_halted"
)

// Options tune ranking and expiry.
type Options struct {
	MinConfidence     float64
	RelevanceWeight   float64
	ConfidenceWeight  float64
	ScopeWeight       float64
	ScopeTrust        map[model.Scope]float64
	SupersedeMargin   float64
	SupersededPenalty float64
	DefaultLimit      int
}

// DefaultOptions mirror the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig reads the retrieval section.
func OptionsFromConfig(cfg *config.Config) Options {
	r := cfg.Retrieval
	o := Options{
		MinConfidence:     r.MinConfidence,
		RelevanceWeight:   r.RelevanceWeight,
		ConfidenceWeight:  r.ConfidenceWeight,
		ScopeWeight:       r.ScopeWeight,
		ScopeTrust:        map[model.Scope]float64{},
		SupersedeMargin:   r.SupersedeMargin,
		SupersededPenalty: model.Clamp01(r.SupersededPenalty),
		DefaultLimit:      r.DefaultLimit,
	}
	for sc, v := range r.ScopeTrust {
		o.ScopeTrust[model.Scope(sc)] = model.Clamp01(v)
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 20
	}
	return o
}

// Query selects and ranks nodes. Empty fields do not filter.
type Query struct {
	UserID         string
	Text           string
	Keywords       []string
	TopicPrefix    string
	SourceTypes    []model.SourceType
	Scopes         []model.Scope
	MinQuality     float64
	IncludeExpired bool
	Limit          int
	Now            time.Time
}

// Result is one ranked node.
type Result struct {
	Node       model.MemoryNode `json:"node"`
	Relevance  float64          `json:"relevance"`
	Confidence float64          `json:"confidence"`
	ScopeTrust float64          `json:"scope_trust"`
	Score      float64          `json:"score"`
}

// Index ranks and maintains memory nodes over a NodeStore.
type Index struct {
	store    store.NodeStore
	engine   *decay.Engine
	embedder embedding.Embedder
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	vectors map[string]embedding.Vector // node id@version -> vector
}

// Option configures an Index.
type Option func(*Index)

// WithEmbedder adds semantic relevance.
func WithEmbedder(e embedding.Embedder) Option { return func(ix *Index) { ix.embedder = e } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(ix *Index) { ix.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(ix *Index) { ix.now = now } }

// New creates an index.
func New(s store.NodeStore, engine *decay.Engine, opts Options, options ...Option) *Index {
	ix := &Index{
		store:   s,
		engine:  engine,
		opts:    opts,
		now:     time.Now,
		vectors: map[string]embedding.Vector{},
	}
	for _, o := range options {
		o(ix)
	}
	ix.logger = logging.OrNop(ix.logger).Named("memindex")
	return ix
}

// Engine returns the decay engine.
func (ix *Index) Engine() *decay.Engine { return ix.engine }

// MatchTopic reports whether topic sits at or under the dot-separated prefix.
func MatchTopic(prefix, topic string) bool {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return true
	}
	return topic == prefix || strings.HasPrefix(topic, prefix+".")
}

// Search returns nodes matching q, best first. Unless IncludeExpired is set,
// nodes whose TTL elapsed or whose decayed confidence fell below the minimum
// are left out.
func (ix *Index) Search(ctx context.Context, q Query) ([]Result, error) {
	now := q.Now
	if now.IsZero() {
		now = ix.now()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = ix.opts.DefaultLimit
	}
	text := strings.TrimSpace(strings.Join(append([]string{q.Text}, q.Keywords...), " "))

	candidates, err := ix.store.SearchIndex(ctx, store.NodeQuery{
		UserID:         q.UserID,
		Text:           text,
		TopicPrefix:    q.TopicPrefix,
		SourceTypes:    q.SourceTypes,
		Scopes:         q.Scopes,
		MinQuality:     q.MinQuality,
		IncludeExpired: q.IncludeExpired,
		Now:            now,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var kept []model.MemoryNode
	var confidences []float64
	for i := range candidates {
		n := &candidates[i]
		if !MatchTopic(q.TopicPrefix, n.Topic) {
			continue
		}
		c := ix.engine.Confidence(n, now)
		if !q.IncludeExpired && (n.TTLElapsed(now) || c < ix.opts.MinConfidence) {
			continue
		}
		kept = append(kept, *n)
		confidences = append(confidences, c)
	}

	relevance := ix.relevance(ctx, text, kept)
	results := make([]Result, len(kept))
	for i, n := range kept {
		st := ix.opts.ScopeTrust[n.Scope]
		score := ix.opts.RelevanceWeight*relevance[i] +
			ix.opts.ConfidenceWeight*confidences[i] +
			ix.opts.ScopeWeight*st
		if n.SupersededBy != "" {
			score *= 1 - ix.opts.SupersededPenalty
		}
		results[i] = Result{Node: n, Relevance: relevance[i], Confidence: confidences[i], ScopeTrust: st, Score: score}
	}
	Rank(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Rank orders results by score, breaking ties by most recent verification
// and then id.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Node.LastVerifiedAt.Equal(b.Node.LastVerifiedAt) {
			return a.Node.LastVerifiedAt.After(b.Node.LastVerifiedAt)
		}
		return a.Node.ID > b.Node.ID
	})
}

// relevance scores each node against the query text. Lexical overlap is
// always computed; with an embedder the semantic similarity is used when it
// is higher. Embedding failures fall back to lexical scores.
func (ix *Index) relevance(ctx context.Context, text string, nodes []model.MemoryNode) []float64 {
	out := make([]float64, len(nodes))
	q := queryTerms(text)
	if len(q) == 0 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i := range nodes {
		out[i] = lexical(q, &nodes[i])
	}
	if ix.embedder == nil || len(nodes) == 0 {
		return out
	}

	qv, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		ix.logger.Warn("query embedding failed, using lexical relevance", zap.Error(err))
		return out
	}
	vecs := make([]embedding.Vector, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range nodes {
		g.Go(func() error {
			v, err := ix.vector(gctx, &nodes[i])
			if err != nil {
				return err
			}
			vecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ix.logger.Warn("node embedding failed, using lexical relevance", zap.Error(err))
		return out
	}
	for i, v := range vecs {
		if sim := model.Clamp01(embedding.CosineSimilarity(qv, v)); sim > out[i] {
			out[i] = sim
		}
	}
	return out
}

func (ix *Index) vector(ctx context.Context, n *model.MemoryNode) (embedding.Vector, error) {
	key := fmt.Sprintf("%s@%d", n.ID, n.Version)
	ix.mu.Lock()
	v, ok := ix.vectors[key]
	ix.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := ix.embedder.Embed(ctx, n.Topic+"\n"+n.Content)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.vectors[key] = v
	ix.mu.Unlock()
	return v, nil
}

func queryTerms(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range words(s) {
		if len(w) >= 2 {
			out[w] = true
		}
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// lexical is the fraction of query terms found in the node's topic,
// keywords or content.
func lexical(q map[string]bool, n *model.MemoryNode) float64 {
	have := map[string]bool{}
	for _, w := range words(n.Topic + " " + strings.Join(n.Keywords, " ") + " " + n.Content) {
		have[w] = true
	}
	hit := 0
	for w := range q {
		if have[w] {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}
