package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/reasoning"
)

// parts builds an invocation payload from the request and the current
// content of the given sections, most relevant first.
func (c *Controller) parts(t *turn, stages ...model.Stage) []compress.Part {
	out := []compress.Part{{Name: string(model.StageRequest), Text: t.req.Query, Protected: true, Relevance: 1}}
	for i, stage := range stages {
		text := t.doc.Content(stage)
		if text == "" {
			continue
		}
		out = append(out, compress.Part{
			Name:      string(stage),
			Text:      text,
			Relevance: 1 - float64(i+1)/float64(len(stages)+1),
			Options:   compress.Options{Protected: []string{t.req.Query}, Query: t.req.Query},
		})
	}
	return out
}

func (c *Controller) invoke(ctx context.Context, t *turn, tier reasoning.Tier, instruction string, schema reasoning.Schema, stages ...model.Stage) (gjson.Result, error) {
	return c.invoker.Invoke(ctx, tier, reasoning.Pack{Instruction: instruction, Parts: c.parts(t, stages...)}, schema)
}

func (c *Controller) intake(ctx context.Context, t *turn) (Phase, error) {
	out, err := c.invoke(ctx, t, reasoning.TierFast, instructIntake, intakeSchema())
	if err != nil {
		return PhaseDone, stageErr(err, model.StageIntake)
	}

	t.topic = normalizeTopic(out.Get("topic").String())
	t.keywords = stringsOf(out.Get("keywords"))
	if len(t.keywords) == 0 {
		t.keywords = memindex.Keywords(t.req.Query)
	}
	t.preferences = stringsOf(out.Get("preferences"))
	t.clarification = strings.TrimSpace(out.Get("clarification").String())

	var b strings.Builder
	fmt.Fprintf(&b, "route: %s\ntopic: %s\nkeywords: %s\n", out.Get("route").String(), t.topic, strings.Join(t.keywords, ", "))
	for _, p := range t.preferences {
		fmt.Fprintf(&b, "preference: %s\n", p)
	}
	if s := strings.TrimSpace(out.Get("summary").String()); s != "" {
		fmt.Fprintf(&b, "\n%s\n", s)
	}
	if _, err := t.doc.WriteSection(model.StageIntake, b.String()); err != nil {
		return PhaseDone, err
	}
	t.route, _ = ParseRoute(out.Get("route").String(), RoutePass, RouteRetry, RouteClarify)
	return PhaseIntakeValidate, nil
}

// intakeValidate accepts the intake only with a usable topic. A retry beyond
// its cap is a terminal FAIL.
func (c *Controller) intakeValidate(t *turn) (Phase, error) {
	route := t.route
	if route == RoutePass && t.topic == "" {
		route = RouteRetry
	}
	switch route {
	case RoutePass:
		if err := t.doc.MarkImmutable(model.StageIntake); err != nil {
			return PhaseDone, err
		}
		return PhaseContextGather, nil
	case RouteClarify:
		return PhaseUserResponse, nil
	case RouteRetry:
		if t.intakeRetries >= c.cfg.Loops.MaxIntakeRetries {
			return PhaseDone, fault.Newf(fault.KindValidationFail, "intakeValidate",
				"request could not be understood after %d intake retries", t.intakeRetries).WithStage(string(model.StageIntake))
		}
		t.intakeRetries++
		return PhaseIntake, nil
	}
	return PhaseDone, fault.Newf(fault.KindStateViolation, "intakeValidate", "unexpected route %s", route)
}

// contextGather retrieves ranked memory, packs it into the budget and has it
// synthesized into the context section.
func (c *Controller) contextGather(ctx context.Context, t *turn) (Phase, error) {
	results, err := c.index.Search(ctx, memindex.Query{
		UserID:      t.req.UserID,
		Text:        t.req.Query,
		Keywords:    t.keywords,
		TopicPrefix: topicRoot(t.topic),
	})
	if err != nil {
		return PhaseDone, stageErr(err, model.StageContext)
	}
	pack := memindex.Pack(results, c.cfg.Retrieval.PackBudget)
	t.packIDs = pack.IDs()
	for _, n := range pack.Nodes {
		for _, src := range n.Sources {
			t.sources[src] = true
		}
	}
	evidence := pack.Render()
	t.logger.Info("context retrieved", zap.Int("candidates", len(results)), zap.Int("packed", len(pack.Nodes)), zap.Int("bytes", pack.Used))

	out, err := c.invoker.Invoke(ctx, reasoning.TierStandard, reasoning.Pack{
		Instruction: instructContext,
		Parts: append(c.parts(t, model.StageIntake), compress.Part{
			Name: "memory", Text: evidence, Relevance: 0.5,
			Options: compress.Options{Query: t.req.Query},
		}),
	}, contextSchema())
	if err != nil {
		return PhaseDone, stageErr(err, model.StageContext)
	}

	content := strings.TrimSpace(out.Get("summary").String()) + "\n\n### Memory\n" + evidence
	if gaps := stringsOf(out.Get("gaps")); len(gaps) > 0 {
		content += "\n\n### Gaps\n- " + strings.Join(gaps, "\n- ")
	}
	if _, err := t.doc.WriteSection(model.StageContext, content); err != nil {
		return PhaseDone, err
	}
	t.route, _ = ParseRoute(out.Get("route").String(), RoutePass, RouteRetry)
	return PhaseContextValidate, nil
}

func (c *Controller) contextValidate(t *turn) (Phase, error) {
	switch t.route {
	case RoutePass:
		return PhasePlan, nil
	case RouteRetry:
		if t.contextRetries >= c.cfg.Loops.MaxContextRetries {
			return PhaseDone, fault.Newf(fault.KindValidationFail, "contextValidate",
				"context still insufficient after %d retries", t.contextRetries).WithStage(string(model.StageContext))
		}
		t.contextRetries++
		return PhaseContextGather, nil
	}
	return PhaseDone, fault.Newf(fault.KindStateViolation, "contextValidate", "unexpected route %s", t.route)
}

func (c *Controller) plan(ctx context.Context, t *turn) (Phase, error) {
	stages := []model.Stage{model.StageIntake, model.StageContext}
	if t.retryPath {
		stages = append(stages, model.StageExecution)
	}
	parts := c.parts(t, stages...)
	if t.retryPath {
		// Validator issues and sub-goal failures of the last attempt feed the replan.
		parts = append(parts, compress.Part{Name: "previous validation", Text: lastAttemptContent(t, model.StageValidation), Relevance: 0.9})
	}
	parts = append(parts, compress.Part{Name: "tools", Text: strings.Join(c.tools.Names(), ", "), Protected: true})

	out, err := c.invoker.Invoke(ctx, reasoning.TierStandard, reasoning.Pack{Instruction: instructPlan, Parts: parts},
		planSchema(c.tools, t.refreshAllowed))
	if err != nil {
		return PhaseDone, stageErr(err, model.StagePlan)
	}
	route, err := ParseRoute(out.Get("route").String(), RouteSynthesize, RouteExecute, RouteClarify, RouteRefreshContext)
	if err != nil {
		return PhaseDone, fault.New(fault.KindSchemaValidation, "plan", err).WithStage(string(model.StagePlan))
	}
	t.goals = goalsOf(out.Get("goals"), t.req.UserID, topicRoot(t.topic))

	var b strings.Builder
	fmt.Fprintf(&b, "route: %s\n", route)
	if r := strings.TrimSpace(out.Get("rationale").String()); r != "" {
		fmt.Fprintf(&b, "rationale: %s\n", r)
	}
	for _, g := range t.goals {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", g.ID, g.Tool, g.Description)
	}
	if _, err := t.doc.WriteSection(model.StagePlan, b.String()); err != nil {
		return PhaseDone, err
	}

	switch route {
	case RouteSynthesize:
		return PhaseRespond, nil
	case RouteExecute:
		return PhaseExecute, nil
	case RouteClarify:
		t.clarification = strings.TrimSpace(out.Get("clarification").String())
		return PhaseUserResponse, nil
	case RouteRefreshContext:
		t.refreshAllowed = false
		t.logger.Info("refreshing context on retry path")
		return PhaseContextGather, nil
	}
	return PhaseDone, fault.Newf(fault.KindStateViolation, "plan", "unhandled route %s", route)
}

func (c *Controller) respond(ctx context.Context, t *turn) (Phase, error) {
	stages := []model.Stage{model.StageContext, model.StagePlan, model.StageExecution}
	parts := c.parts(t, stages...)
	if issues := lastAttemptContent(t, model.StageValidation); issues != "" && t.doc.Attempt(model.StageResponse) > 1 {
		parts = append(parts, compress.Part{Name: "revision notes", Text: issues, Relevance: 0.95})
	}
	out, err := c.invoker.Invoke(ctx, reasoning.TierDeep, reasoning.Pack{Instruction: instructRespond, Parts: parts},
		respondSchema(t.sources))
	if err != nil {
		return PhaseDone, stageErr(err, model.StageResponse)
	}

	t.answer = strings.TrimSpace(out.Get("answer").String())
	content := t.answer
	if cites := stringsOf(out.Get("citations")); len(cites) > 0 {
		content += "\n\nSources:\n- " + strings.Join(cites, "\n- ")
	}
	w := t.doc.Writer(model.StageResponse)
	if err := w.Write(content); err != nil {
		return PhaseDone, err
	}
	if ctx.Err() != nil {
		w.Discard()
		return PhaseDone, fault.New(fault.KindCancelled, "respond", ctx.Err())
	}
	if _, err := w.Commit(); err != nil {
		return PhaseDone, err
	}
	return PhaseQualityValidate, nil
}

// qualityValidate applies the validator's decision. Loop counters are
// checked before any attempt opens, so a cap can never be exceeded.
func (c *Controller) qualityValidate(ctx context.Context, t *turn) (Phase, error) {
	out, err := c.invoke(ctx, t, reasoning.TierStandard, instructValidate, validateSchema(),
		model.StageResponse, model.StageExecution, model.StageContext)
	if err != nil {
		return PhaseDone, stageErr(err, model.StageValidation)
	}
	decision, err := model.ParseDecision(out.Get("decision").String())
	if err != nil {
		return PhaseDone, fault.New(fault.KindSchemaValidation, "qualityValidate", err).WithStage(string(model.StageValidation))
	}
	oc := &model.ValidationOutcome{
		Decision:   decision,
		Confidence: model.Clamp01(out.Get("confidence").Float()),
		Issues:     stringsOf(out.Get("issues")),
		Attempt:    t.doc.Attempt(model.StageValidation),
	}
	if oc.Decision == model.DecisionApprove && oc.Confidence < c.cfg.Loops.ApproveFloor {
		oc.Decision = model.DecisionRevise
		oc.Issues = append(oc.Issues, fmt.Sprintf("approval confidence %.2f is below %.2f", oc.Confidence, c.cfg.Loops.ApproveFloor))
	}
	t.outcome = oc

	var b strings.Builder
	fmt.Fprintf(&b, "decision: %s\nconfidence: %.2f\n", oc.Decision, oc.Confidence)
	for _, is := range oc.Issues {
		fmt.Fprintf(&b, "- %s\n", is)
	}
	if _, err := t.doc.WriteSection(model.StageValidation, b.String()); err != nil {
		return PhaseDone, err
	}
	t.logger.Info("validated", zap.String("decision", string(oc.Decision)), zap.Float64("confidence", oc.Confidence), zap.Int("attempt", oc.Attempt))

	switch oc.Decision {
	case model.DecisionApprove:
		return PhaseSave, nil
	case model.DecisionRevise:
		if _, err := t.doc.RecordRevise(); err != nil {
			return PhaseDone, err
		}
		if err := openAttempts(t, model.StageResponse, model.StageValidation); err != nil {
			return PhaseDone, err
		}
		return PhaseRespond, nil
	case model.DecisionRetry:
		if _, err := t.doc.RecordRetry(); err != nil {
			return PhaseDone, err
		}
		if err := openAttempts(t, model.StagePlan, model.StageExecution, model.StageResponse, model.StageValidation); err != nil {
			return PhaseDone, err
		}
		t.retryPath = true
		t.refreshAllowed = true
		return PhasePlan, nil
	case model.DecisionFail:
		return PhaseDone, fault.Newf(fault.KindValidationFail, "qualityValidate",
			"validator rejected the answer: %s", strings.Join(oc.Issues, "; ")).WithStage(string(model.StageValidation))
	}
	return PhaseDone, fault.Newf(fault.KindStateViolation, "qualityValidate", "unhandled decision %s", oc.Decision)
}

func openAttempts(t *turn, stages ...model.Stage) error {
	for _, s := range stages {
		if _, err := t.doc.OpenAttempt(s); err != nil {
			return err
		}
	}
	return nil
}

// lastAttemptContent is the most recent committed value of stage, including
// values frozen by an earlier attempt.
func lastAttemptContent(t *turn, stage model.Stage) string {
	h := t.doc.History(stage)
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1].Content
}

func normalizeTopic(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.Trim(s, ".")
	if !topicPattern.MatchString(s) {
		return ""
	}
	return s
}

func topicRoot(topic string) string {
	if topic == "general" {
		return ""
	}
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
