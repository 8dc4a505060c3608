package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rcliao/agent-turns/internal/reasoning"
	"github.com/rcliao/agent-turns/internal/tools"
)

// Schema names, also used by scripted backends to pick replies.
const (
	SchemaIntake     = "intake"
	SchemaContext    = "context"
	SchemaPlan       = "plan"
	SchemaCoordinate = "coordinate"
	SchemaRespond    = "respond"
	SchemaValidate   = "validate"
)

const (
	instructIntake     = "Classify the user request: pick a dot-separated topic, extract keywords and stated preferences, and decide whether it is clear enough to proceed."
	instructContext    = "Summarize what prior knowledge says about the request and decide whether it is sufficient to plan."
	instructPlan       = "Decide how to answer: synthesize from context, execute sub-goals with tools, ask for clarification, or refresh context."
	instructCoordinate = "Given the execution log so far, decide whether evidence is complete or which sub-goals to run next."
	instructRespond    = "Write the answer. Cite only sources that appear in the evidence."
	instructValidate   = "Judge whether the answer is supported by the cited evidence and addresses the request."
)

var topicPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

func intakeSchema() reasoning.Schema {
	return reasoning.Schema{
		Name: SchemaIntake,
		Fields: []reasoning.Field{
			{Path: "route", Kind: reasoning.KindString, Required: true, Enum: routeNamesOf(RoutePass, RouteRetry, RouteClarify)},
			{Path: "topic", Kind: reasoning.KindString},
			{Path: "keywords", Kind: reasoning.KindArray},
			{Path: "preferences", Kind: reasoning.KindArray},
			{Path: "summary", Kind: reasoning.KindString},
			{Path: "clarification", Kind: reasoning.KindString},
		},
		Check: func(r gjson.Result) error {
			if strings.EqualFold(r.Get("route").String(), "clarify") && strings.TrimSpace(r.Get("clarification").String()) == "" {
				return fmt.Errorf("clarify needs a clarification question")
			}
			return nil
		},
	}
}

func contextSchema() reasoning.Schema {
	return reasoning.Schema{
		Name: SchemaContext,
		Fields: []reasoning.Field{
			{Path: "route", Kind: reasoning.KindString, Required: true, Enum: routeNamesOf(RoutePass, RouteRetry)},
			{Path: "summary", Kind: reasoning.KindString, Required: true},
			{Path: "gaps", Kind: reasoning.KindArray},
		},
	}
}

var goalFields = []reasoning.Field{
	{Path: "goals", Kind: reasoning.KindArray},
}

// checkGoals requires every goal to name a registered tool and describe the
// work.
func checkGoals(reg *tools.Registry, goals gjson.Result) error {
	for i, g := range goals.Array() {
		name := g.Get("tool").String()
		if !reg.Has(name) {
			return fmt.Errorf("goals.%d.tool %q is not one of %s", i, name, strings.Join(reg.Names(), "|"))
		}
		if strings.TrimSpace(g.Get("description").String()) == "" {
			return fmt.Errorf("goals.%d.description is missing", i)
		}
	}
	return nil
}

// planSchema rejects refresh_context unless the plan is being redone after a
// RETRY, and requires goals for execute.
func planSchema(reg *tools.Registry, refreshAllowed bool) reasoning.Schema {
	return reasoning.Schema{
		Name: SchemaPlan,
		Fields: append([]reasoning.Field{
			{Path: "route", Kind: reasoning.KindString, Required: true,
				Enum: routeNamesOf(RouteSynthesize, RouteExecute, RouteClarify, RouteRefreshContext)},
			{Path: "rationale", Kind: reasoning.KindString},
			{Path: "clarification", Kind: reasoning.KindString},
		}, goalFields...),
		Check: func(r gjson.Result) error {
			route, _ := ParseRoute(r.Get("route").String(), RouteSynthesize, RouteExecute, RouteClarify, RouteRefreshContext)
			switch route {
			case RouteRefreshContext:
				if !refreshAllowed {
					return fmt.Errorf("refresh_context is only allowed when replanning after a retry")
				}
			case RouteExecute:
				if len(r.Get("goals").Array()) == 0 {
					return fmt.Errorf("execute needs at least one goal")
				}
				return checkGoals(reg, r.Get("goals"))
			case RouteClarify:
				if strings.TrimSpace(r.Get("clarification").String()) == "" {
					return fmt.Errorf("clarify needs a clarification question")
				}
			}
			return nil
		},
	}
}

func coordinateSchema(reg *tools.Registry) reasoning.Schema {
	return reasoning.Schema{
		Name: SchemaCoordinate,
		Fields: append([]reasoning.Field{
			{Path: "done", Kind: reasoning.KindBool, Required: true},
		}, goalFields...),
		Check: func(r gjson.Result) error {
			if r.Get("done").Bool() {
				return nil
			}
			return checkGoals(reg, r.Get("goals"))
		},
	}
}

// respondSchema only accepts citations of known sources.
func respondSchema(sources map[string]bool) reasoning.Schema {
	return reasoning.Schema{
		Name: SchemaRespond,
		Fields: []reasoning.Field{
			{Path: "answer", Kind: reasoning.KindString, Required: true},
			{Path: "citations", Kind: reasoning.KindArray},
		},
		Check: func(r gjson.Result) error {
			if strings.TrimSpace(r.Get("answer").String()) == "" {
				return fmt.Errorf("answer is empty")
			}
			for _, c := range r.Get("citations").Array() {
				if !sources[c.String()] {
					return fmt.Errorf("citation %q is not a source of any evidence", c.String())
				}
			}
			return nil
		},
	}
}

func validateSchema() reasoning.Schema {
	return reasoning.Schema{
		Name: SchemaValidate,
		Fields: []reasoning.Field{
			{Path: "decision", Kind: reasoning.KindString, Required: true, Enum: []string{"APPROVE", "REVISE", "RETRY", "FAIL"}},
			{Path: "confidence", Kind: reasoning.KindNumber, Required: true},
			{Path: "issues", Kind: reasoning.KindArray},
		},
		Check: func(r gjson.Result) error {
			if c := r.Get("confidence").Float(); c < 0 || c > 1 {
				return fmt.Errorf("confidence %v is outside [0,1]", c)
			}
			return nil
		},
	}
}

func stringsOf(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func goalsOf(r gjson.Result, userID, topic string) []tools.Goal {
	var out []tools.Goal
	for i, g := range r.Array() {
		id := g.Get("id").String()
		if id == "" {
			id = fmt.Sprintf("g%d", i+1)
		}
		out = append(out, tools.Goal{
			ID:          id,
			Tool:        strings.ToLower(g.Get("tool").String()),
			Description: g.Get("description").String(),
			Topic:       topic,
			Keywords:    stringsOf(g.Get("keywords")),
			UserID:      userID,
		})
	}
	return out
}
