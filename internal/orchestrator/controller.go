// Package orchestrator drives one turn through its stages: an explicit state
// machine over a turn document, with hard caps on every loop.
//
// Stages run strictly one after another. The executor loop may fan out
// independent sub-goals, but joins them before the turn moves on. Every fault
// raised by a component comes back here, and only here is it decided whether
// the turn retries, halts for a human, fails with an explicit
// insufficient-evidence answer, or aborts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/config"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/logging"
	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/reasoning"
	"github.com/rcliao/agent-turns/internal/store"
	"github.com/rcliao/agent-turns/internal/tools"
	"github.com/rcliao/agent-turns/internal/turndoc"
)

// maxSteps bounds phase transitions per turn. The loop caps already
// guarantee termination; reaching this is a defect.
const maxSteps = 64

// persistTimeout bounds the final document write of a cancelled turn.
const persistTimeout = 5 * time.Second

// Deps are the controller's collaborators.
type Deps struct {
	Config   *config.Config
	Store    store.DocumentStore
	Index    *memindex.Index
	Invoker  *reasoning.Invoker
	Tools    *tools.Registry
	Compress *compress.Service
	Logger   *zap.Logger
}

// Controller runs turns. One controller may run many turns concurrently;
// each turn has its own document and state.
type Controller struct {
	cfg      *config.Config
	store    store.DocumentStore
	index    *memindex.Index
	invoker  *reasoning.Invoker
	tools    *tools.Registry
	compress *compress.Service
	logger   *zap.Logger
	newID    func() string
}

// New creates a controller.
func New(d Deps) (*Controller, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("orchestrator: config is required")
	case d.Store == nil:
		return nil, errors.New("orchestrator: document store is required")
	case d.Index == nil:
		return nil, errors.New("orchestrator: memory index is required")
	case d.Invoker == nil:
		return nil, errors.New("orchestrator: invoker is required")
	}
	if d.Tools == nil {
		d.Tools = tools.NewRegistry()
	}
	if d.Compress == nil {
		d.Compress = compress.New(d.Logger)
	}
	return &Controller{
		cfg:      d.Config,
		store:    d.Store,
		index:    d.Index,
		invoker:  d.Invoker,
		tools:    d.Tools,
		compress: d.Compress,
		logger:   logging.OrNop(d.Logger).Named("controller"),
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

// turn is the mutable state of one run.
type turn struct {
	doc    *turndoc.Document
	req    model.TurnRequest
	logger *zap.Logger
	phase  Phase

	intakeRetries  int
	contextRetries int
	retryPath      bool // the plan is being redone after a RETRY
	refreshAllowed bool // one refresh_context per RETRY

	topic         string
	keywords      []string
	preferences   []string
	clarification string

	route Route // last routing decision, consumed by the next validate phase
	goals []tools.Goal

	packIDs []string
	claims  []model.Claim
	sources map[string]bool

	answer  string
	outcome *model.ValidationOutcome
	indexed []string
}

// Run processes one turn to a terminal status. Explicit failures (FAIL,
// clarification) return a result and no error. HALT and abort return the
// result together with the fault that stopped the turn.
func (c *Controller) Run(ctx context.Context, req model.TurnRequest) (*model.TurnResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fault.Newf(fault.KindSchemaValidation, "orchestrator.Run", "query is empty")
	}

	id := c.newID()
	t := &turn{
		req:     req,
		logger:  c.logger.With(zap.String("turn", id), zap.String("user", req.UserID)),
		sources: map[string]bool{},
	}
	t.doc = turndoc.New(id, req, c.compress,
		turndoc.WithLimits(turndoc.Limits{
			MaxRevise: c.cfg.Loops.MaxRevise,
			MaxRetry:  c.cfg.Loops.MaxRetry,
			MaxTotal:  c.cfg.Loops.MaxTotal,
		}),
		turndoc.WithLogger(c.logger))

	if err := c.open(t); err != nil {
		return c.conclude(ctx, t, err)
	}
	t.logger.Info("turn started", zap.String("query", req.Query), zap.String("mode", req.Mode))

	t.phase = PhaseIntake
	for steps := 0; t.phase != PhaseDone; steps++ {
		if steps >= maxSteps {
			return c.conclude(ctx, t, fault.Newf(fault.KindStateViolation, "orchestrator.Run",
				"turn did not terminate within %d transitions", maxSteps))
		}
		if err := ctx.Err(); err != nil {
			return c.conclude(ctx, t, fault.New(fault.KindCancelled, "orchestrator.Run", err))
		}

		next, err := c.step(ctx, t)
		if err != nil {
			return c.conclude(ctx, t, err)
		}
		if next != t.phase {
			t.logger.Debug("transition", zap.Stringer("from", t.phase), zap.Stringer("to", next))
		}
		t.phase = next
	}
	return c.result(t), nil
}

// open creates every section and commits the immutable request.
func (c *Controller) open(t *turn) error {
	for _, stage := range []model.Stage{
		model.StageRequest, model.StageIntake, model.StageContext, model.StagePlan,
		model.StageExecution, model.StageResponse, model.StageValidation,
	} {
		if err := t.doc.CreateSection(stage, c.cfg.SectionBudget(string(stage))); err != nil {
			return err
		}
	}
	content := t.req.Query
	if t.req.Mode != "" {
		content += "\n\nmode: " + t.req.Mode
	}
	if _, err := t.doc.WriteSection(model.StageRequest, content); err != nil {
		return err
	}
	return t.doc.MarkImmutable(model.StageRequest)
}

func (c *Controller) step(ctx context.Context, t *turn) (Phase, error) {
	switch t.phase {
	case PhaseIntake:
		return c.intake(ctx, t)
	case PhaseIntakeValidate:
		return c.intakeValidate(t)
	case PhaseContextGather:
		return c.contextGather(ctx, t)
	case PhaseContextValidate:
		return c.contextValidate(t)
	case PhasePlan:
		return c.plan(ctx, t)
	case PhaseExecute:
		return c.execute(ctx, t)
	case PhaseRespond:
		return c.respond(ctx, t)
	case PhaseQualityValidate:
		return c.qualityValidate(ctx, t)
	case PhaseSave:
		return c.save(ctx, t)
	case PhaseUserResponse:
		return c.userResponse(ctx, t)
	}
	return PhaseDone, fault.Newf(fault.KindStateViolation, "orchestrator.step", "no handler for %s", t.phase)
}

// conclude turns a fault into the terminal outcome its disposition demands.
func (c *Controller) conclude(ctx context.Context, t *turn, err error) (*model.TurnResult, error) {
	stage := t.phase.String()
	switch fault.DispositionOf(err) {
	case fault.Fail:
		t.logger.Warn("turn failed", zap.String("phase", stage), zap.Error(err))
		t.answer = insufficientEvidence(err)
		c.finishStatus(t, model.StatusFailed)
		c.persist(ctx, t, nil)
		if t.outcome != nil {
			if _, verr := c.index.RecordValidation(ctx, t.packIDs, false); verr != nil {
				t.logger.Warn("record failed validation", zap.Error(verr))
			}
		}
		return c.result(t), nil

	case fault.Abort:
		kind, _ := fault.KindOf(err)
		if kind == fault.KindStateViolation {
			t.logger.Error("turn aborted on state violation", zap.String("phase", stage), zap.Error(err))
		} else {
			t.logger.Warn("turn cancelled", zap.String("phase", stage), zap.Error(err))
		}
		c.finishStatus(t, model.StatusAborted)
		c.persist(ctx, t, nil)
		return c.result(t), err

	default:
		in := fault.InterventionFor(err, stage)
		if in.Stage == "" {
			cp := *in
			cp.Stage = stage
			in = &cp
		}
		t.logger.Error("turn halted", zap.String("phase", stage), zap.String("intervention", in.ID), zap.Error(err))
		c.finishStatus(t, model.StatusHalted)
		c.persist(ctx, t, in)
		res := c.result(t)
		res.Intervention = in
		return res, err
	}
}

func (c *Controller) finishStatus(t *turn, st model.Status) {
	if err := t.doc.Finish(st); err != nil {
		t.logger.Warn("finish", zap.String("status", string(st)), zap.Error(err))
	}
}

func insufficientEvidence(err error) string {
	var fe *fault.Error
	reason := err.Error()
	if errors.As(err, &fe) && fe.Err != nil {
		reason = fe.Err.Error()
	}
	return "Insufficient evidence to answer this request: " + reason
}

// persist writes the document. It runs even for cancelled turns, detached
// from the turn's cancellation but bounded in time.
func (c *Controller) persist(ctx context.Context, t *turn, in *fault.Intervention) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.writeDocument(pctx, t, t.doc.Status(), in); err != nil {
		t.logger.Error("persist turn document", zap.Error(err))
	}
}

func (c *Controller) writeDocument(ctx context.Context, t *turn, status model.Status, in *fault.Intervention) error {
	revise, retry := t.doc.Counters()
	now := time.Now().UTC()
	return c.store.WriteDocument(ctx, &store.DocumentRecord{
		ID:           t.doc.ID(),
		UserID:       t.req.UserID,
		Query:        t.req.Query,
		Mode:         t.req.Mode,
		Status:       status,
		ReviseCount:  revise,
		RetryCount:   retry,
		Content:      t.doc.Render(),
		Sections:     t.doc.Sections(),
		Outcome:      t.outcome,
		Intervention: in,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (c *Controller) result(t *turn) *model.TurnResult {
	revise, retry := t.doc.Counters()
	return &model.TurnResult{
		TurnID:       t.doc.ID(),
		Status:       t.doc.Status(),
		FinalAnswer:  t.answer,
		Outcome:      t.outcome,
		ReviseCount:  revise,
		RetryCount:   retry,
		NodesIndexed: t.indexed,
	}
}

// userResponse ends a turn that stops before Save: a clarification request.
func (c *Controller) userResponse(ctx context.Context, t *turn) (Phase, error) {
	t.answer = t.clarification
	if err := t.doc.Finish(model.StatusClarification); err != nil {
		return PhaseDone, err
	}
	c.persist(ctx, t, nil)
	t.logger.Info("turn needs clarification")
	return PhaseDone, nil
}

func stageErr(err error, stage model.Stage) error {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Stage == "" {
		return fe.WithStage(string(stage))
	}
	if err != nil && fe == nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return err
}
