package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
)

// save closes the loop and makes the turn durable: the document is fitted to
// its aggregate budget and its loop sections locked, derived nodes are
// indexed, the nodes that fed the turn get their usage and validation
// recorded, and only then is the document persisted as completed. If any
// step after indexing fails, the nodes this turn wrote are retracted.
func (c *Controller) save(ctx context.Context, t *turn) (Phase, error) {
	// Compression has to run while the loop sections are still mutable.
	if reports, err := t.doc.EnforceAggregate(c.cfg.Budgets.Document); err != nil {
		return PhaseDone, err
	} else if len(reports) > 0 {
		t.logger.Info("document compressed to aggregate budget",
			zap.Int("sections", len(reports)), zap.Int("size", t.doc.Size()))
	}

	t.doc.LockLoop()
	for _, stage := range []model.Stage{model.StageIntake, model.StageContext} {
		if t.doc.Content(stage) == "" {
			continue
		}
		if err := t.doc.MarkImmutable(stage); err != nil {
			return PhaseDone, err
		}
	}

	changes, err := c.commitMemory(ctx, t)
	if err == nil {
		err = c.writeDocument(ctx, t, model.StatusCompleted, nil)
		if err != nil {
			err = fmt.Errorf("save document: %w", err)
		}
	}
	if err == nil {
		err = t.doc.Finish(model.StatusCompleted)
	}
	if err != nil {
		c.retract(ctx, t)
		return PhaseDone, err
	}

	t.logger.Info("turn saved",
		zap.Int("indexed", len(t.indexed)),
		zap.Int("used", len(t.packIDs)),
		zap.Int("scope_changes", len(changes)))
	return PhaseDone, nil
}

// commitMemory indexes the nodes derived from the turn and records usage and
// a successful validation on the nodes that fed it.
func (c *Controller) commitMemory(ctx context.Context, t *turn) ([]memindex.ScopeChange, error) {
	conf := 0.0
	if t.outcome != nil {
		conf = t.outcome.Confidence
	}
	derived := memindex.Derive(memindex.TurnSummary{
		TurnID:      t.doc.ID(),
		UserID:      t.req.UserID,
		Query:       t.req.Query,
		Topic:       t.topic,
		Answer:      t.answer,
		Confidence:  conf,
		Preferences: t.preferences,
		Claims:      t.claims,
	})
	for _, p := range derived {
		res, err := c.index.Add(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("index derived node: %w", err)
		}
		t.indexed = append(t.indexed, res.Node.ID)
	}

	if err := c.index.RecordUsage(ctx, t.packIDs); err != nil {
		return nil, err
	}
	return c.index.RecordValidation(ctx, t.packIDs, true)
}

// retract expires whatever this turn indexed. It runs on the way to a halt,
// so it ignores cancellation of the turn context.
func (c *Controller) retract(ctx context.Context, t *turn) {
	if len(t.indexed) == 0 {
		return
	}
	if err := c.index.Retract(context.WithoutCancel(ctx), t.indexed, memindex.ReasonTurnHalted); err != nil {
		t.logger.Error("retract indexed nodes", zap.Strings("nodes", t.indexed), zap.Error(err))
		return
	}
	t.indexed = nil
}
