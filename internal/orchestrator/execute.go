package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/reasoning"
	"github.com/rcliao/agent-turns/internal/tools"
)

// goalResult is the joined outcome of one sub-goal.
type goalResult struct {
	goal    tools.Goal
	claims  []model.Claim
	err     error
	elapsed time.Duration
}

// execute is the executor/coordinator loop. Each iteration fans the pending
// goals out to their tools, joins every result, appends them to the
// execution section and asks the coordinator what to run next. It stops on a
// completion signal, when no goals remain, or at the iteration cap.
func (c *Controller) execute(ctx context.Context, t *turn) (Phase, error) {
	goals := t.goals
	maxIter := max(c.cfg.Loops.MaxExecutorIterations, 1)
	for iter := 1; iter <= maxIter && len(goals) > 0; iter++ {
		results := c.fanOut(ctx, goals)
		if err := ctx.Err(); err != nil {
			return PhaseDone, fault.New(fault.KindCancelled, "execute", err)
		}
		if err := c.appendResults(ctx, t, iter, results); err != nil {
			return PhaseDone, err
		}
		if iter == maxIter {
			t.logger.Info("executor iteration cap reached", zap.Int("iterations", iter))
			break
		}

		out, err := c.invoke(ctx, t, reasoning.TierFast, instructCoordinate, coordinateSchema(c.tools),
			model.StagePlan, model.StageExecution)
		if err != nil {
			return PhaseDone, stageErr(err, model.StageExecution)
		}
		if out.Get("done").Bool() {
			break
		}
		goals = goalsOf(out.Get("goals"), t.req.UserID, topicRoot(t.topic))
	}
	return PhaseRespond, nil
}

// fanOut runs goals concurrently with bounded parallelism and waits for all
// of them. A failing goal is recorded and never cancels its siblings; only
// the turn's own cancellation stops them.
func (c *Controller) fanOut(ctx context.Context, goals []tools.Goal) []goalResult {
	results := make([]goalResult, len(goals))
	var g errgroup.Group
	g.SetLimit(max(c.cfg.Loops.ExecutorParallelism, 1))
	timeout := c.cfg.ToolTimeout()
	for i, goal := range goals {
		g.Go(func() error {
			results[i] = c.runGoal(ctx, goal, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Controller) runGoal(ctx context.Context, goal tools.Goal, timeout time.Duration) goalResult {
	res := goalResult{goal: goal}
	tool, err := c.tools.Get(goal.Tool)
	if err != nil {
		res.err = err
		return res
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	res.claims, res.err = tool.Run(gctx, goal)
	res.elapsed = time.Since(start)
	if res.err != nil && ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		res.err = fault.Newf(fault.KindTimeout, "tool "+goal.Tool, "goal %s exceeded %s", goal.ID, timeout)
	}
	return res
}

// appendResults records one iteration in the execution section through a
// buffered writer, so a cancelled turn leaves the section untouched.
func (c *Controller) appendResults(ctx context.Context, t *turn, iter int, results []goalResult) error {
	w := t.doc.Appender(model.StageExecution)
	var b strings.Builder
	fmt.Fprintf(&b, "### iteration %d\n", iter)
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(&b, "- [%s] %s FAILED: %v\n", r.goal.ID, r.goal.Tool, r.err)
			t.logger.Warn("sub-goal failed", zap.String("goal", r.goal.ID), zap.String("tool", r.goal.Tool), zap.Error(r.err))
			continue
		}
		if len(r.claims) == 0 {
			fmt.Fprintf(&b, "- [%s] %s: no evidence\n", r.goal.ID, r.goal.Tool)
			continue
		}
		for _, cl := range r.claims {
			if cl.Citable() {
				fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n  Source: %s\n", r.goal.ID, cl.Text, cl.Confidence, cl.Source)
				t.addClaim(cl)
			} else {
				fmt.Fprintf(&b, "- [%s] %s (confidence %.2f, unsourced, not citable)\n", r.goal.ID, cl.Text, cl.Confidence)
			}
		}
	}
	if err := w.Write(b.String()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		w.Discard()
		return fault.New(fault.KindCancelled, "execute", err)
	}
	if _, err := w.Commit(); err != nil {
		return err
	}
	t.logger.Info("executor iteration", zap.Int("iteration", iter), zap.Int("goals", len(results)), zap.Int("failed", failed))
	return nil
}

func (t *turn) addClaim(cl model.Claim) {
	for _, have := range t.claims {
		if have.Text == cl.Text && have.Source == cl.Source {
			return
		}
	}
	t.claims = append(t.claims, cl)
	t.sources[cl.Source] = true
}
