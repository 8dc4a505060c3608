package memindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/decay"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

// AddResult reports what indexing one node did to its neighbours.
type AddResult struct {
	Node *model.MemoryNode `json:"node"`
	// Expired lists older nodes the new node took precedence over.
	Expired []string `json:"expired,omitempty"`
	// SupersededBy is set when an older node kept precedence over the new one.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Add stores a node and resolves precedence against live nodes on the same
// topic from the same source type and content type. Nodes written by the
// same turn never supersede each other. An older node is expired in favour of the
// new one unless its quality beats the new node's by at least the supersede
// margin and it still has remaining TTL; then the new node is marked as
// superseded instead. Nothing is deleted.
func (ix *Index) Add(ctx context.Context, p store.PutParams) (*AddResult, error) {
	n, err := ix.store.PutNode(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("add node: %w", err)
	}
	res := &AddResult{Node: n}
	now := ix.now()

	peers, err := ix.store.SearchIndex(ctx, store.NodeQuery{
		UserID:      n.UserID,
		TopicPrefix: n.Topic,
		SourceTypes: []model.SourceType{n.SourceType},
		Now:         now,
	})
	if err != nil {
		return res, fmt.Errorf("find overlapping nodes: %w", err)
	}

	for i := range peers {
		old := &peers[i]
		if old.ID == n.ID || old.Topic != n.Topic || old.UserID != n.UserID || old.SupersededBy != "" {
			continue
		}
		if old.ContentType != n.ContentType || (n.TurnID != "" && old.TurnID == n.TurnID) {
			continue
		}
		if ix.keepsPrecedence(old, n, now) {
			updated, err := ix.store.UpdateNode(ctx, n.ID, func(m *model.MemoryNode) error {
				m.SupersededBy = old.ID
				return nil
			})
			if err != nil {
				return res, fmt.Errorf("mark new node superseded: %w", err)
			}
			res.Node = updated
			res.SupersededBy = old.ID
			ix.link(ctx, old.ID, n.ID)
			ix.logger.Info("older node kept precedence",
				zap.String("kept", old.ID), zap.String("new", n.ID), zap.String("topic", n.Topic))
			break
		}

		_, err := ix.store.UpdateNode(ctx, old.ID, func(m *model.MemoryNode) error {
			if m.ExpiredAt != nil {
				return nil
			}
			t := now
			m.ExpiredAt = &t
			m.ExpireReason = ReasonSuperseded
			m.SupersededBy = n.ID
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("expire superseded node: %w", err)
		}
		res.Expired = append(res.Expired, old.ID)
		ix.link(ctx, n.ID, old.ID)
		ix.logger.Info("node superseded", zap.String("old", old.ID), zap.String("new", n.ID), zap.String("topic", n.Topic))
	}
	return res, nil
}

// Retract expires nodes written by a turn that did not complete, so no live
// node points at a turn that was never saved.
func (ix *Index) Retract(ctx context.Context, ids []string, reason string) error {
	now := ix.now()
	for _, id := range ids {
		if err := ix.store.MarkExpired(ctx, id, reason, now); err != nil {
			return fmt.Errorf("retract node %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		ix.logger.Info("nodes retracted", zap.Int("count", len(ids)), zap.String("reason", reason))
	}
	return nil
}

// keepsPrecedence reports whether old should stay in front of n: materially
// higher quality and validity left. Nodes without a TTL never run out.
func (ix *Index) keepsPrecedence(old, n *model.MemoryNode, now time.Time) bool {
	if old.Quality < n.Quality+ix.opts.SupersedeMargin {
		return false
	}
	if remaining, ok := old.RemainingTTL(now); ok && remaining <= 0 {
		return false
	}
	return true
}

func (ix *Index) link(ctx context.Context, from, to string) {
	if _, err := ix.store.Link(ctx, store.LinkParams{FromID: from, ToID: to, Rel: store.RelSupersedes}); err != nil {
		ix.logger.Warn("record supersedes link", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}

// RecordUsage increments the usage count of every node that fed a turn.
// A missing node is a RetrievalMiss and stops the update.
func (ix *Index) RecordUsage(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := ix.store.UpdateNode(ctx, id, func(m *model.MemoryNode) error {
			m.UsageCount++
			return nil
		})
		if err != nil {
			return fmt.Errorf("record usage %s: %w", id, err)
		}
	}
	return nil
}

// RecordValidation folds one validation outcome into the nodes that fed the
// turn and re-evaluates their scope. It returns the scope changes made.
func (ix *Index) RecordValidation(ctx context.Context, ids []string, success bool) ([]ScopeChange, error) {
	now := ix.now()
	var changes []ScopeChange
	for _, id := range ids {
		var tr decay.Transition
		_, err := ix.store.UpdateNode(ctx, id, func(m *model.MemoryNode) error {
			m.ValidationTotal++
			if success {
				m.ValidationSuccess++
			}
			tr = ix.engine.EvaluateScope(m, now)
			m.Scope = tr.To
			return nil
		})
		if err != nil {
			return changes, fmt.Errorf("record validation %s: %w", id, err)
		}
		if tr.Changed() {
			changes = append(changes, ScopeChange{ID: id, Transition: tr})
			ix.logScope(id, tr)
		}
	}
	return changes, nil
}

// ScopeChange is one applied scope transition.
type ScopeChange struct {
	ID string `json:"id"`
	decay.Transition
}

// MaintainReport summarizes a maintenance pass.
type MaintainReport struct {
	Scanned              int           `json:"scanned"`
	ExpiredTTL           []string      `json:"expired_ttl,omitempty"`
	ExpiredLowConfidence []string      `json:"expired_low_confidence,omitempty"`
	ScopeChanges         []ScopeChange `json:"scope_changes,omitempty"`
}

// Maintain expires nodes whose TTL elapsed or whose decayed confidence fell
// below the retrieval minimum, and applies pending scope transitions to the
// rest. Nodes that vanish or change concurrently are skipped.
func (ix *Index) Maintain(ctx context.Context, now time.Time) (*MaintainReport, error) {
	nodes, err := ix.store.AllNodes(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("maintain: %w", err)
	}
	rep := &MaintainReport{Scanned: len(nodes)}
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n := &nodes[i]
		switch {
		case n.TTLElapsed(now):
			if err := ix.store.MarkExpired(ctx, n.ID, ReasonTTL, now); err != nil {
				return rep, err
			}
			rep.ExpiredTTL = append(rep.ExpiredTTL, n.ID)
		case ix.engine.Confidence(n, now) < ix.opts.MinConfidence:
			if err := ix.store.MarkExpired(ctx, n.ID, ReasonLowConfidence, now); err != nil {
				return rep, err
			}
			rep.ExpiredLowConfidence = append(rep.ExpiredLowConfidence, n.ID)
		default:
			if tr := ix.engine.EvaluateScope(n, now); !tr.Changed() {
				continue
			}
			var tr decay.Transition
			_, err := ix.store.UpdateNode(ctx, n.ID, func(m *model.MemoryNode) error {
				tr = ix.engine.EvaluateScope(m, now)
				m.Scope = tr.To
				return nil
			})
			if errors.Is(err, fault.ErrRetrievalMiss) {
				continue
			}
			if err != nil {
				return rep, err
			}
			if tr.Changed() {
				rep.ScopeChanges = append(rep.ScopeChanges, ScopeChange{ID: n.ID, Transition: tr})
				ix.logScope(n.ID, tr)
			}
		}
	}
	return rep, nil
}

func (ix *Index) logScope(id string, tr decay.Transition) {
	ix.logger.Info("scope transition",
		zap.String("id", id),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Float64("trust", tr.Metrics.Trust),
		zap.Int("usage", tr.Metrics.Usage))
}
