package orchestrator

import (
	"fmt"
	"strings"
)

// Phase is a state of the turn state machine.
type Phase int

const (
	PhaseIntake Phase = iota
	PhaseIntakeValidate
	PhaseContextGather
	PhaseContextValidate
	PhasePlan
	PhaseExecute
	PhaseRespond
	PhaseQualityValidate
	PhaseSave
	PhaseUserResponse
	PhaseDone
)

var phaseNames = [...]string{
	PhaseIntake:          "intake",
	PhaseIntakeValidate:  "intake_validate",
	PhaseContextGather:   "context_gather",
	PhaseContextValidate: "context_validate",
	PhasePlan:            "plan",
	PhaseExecute:         "execute",
	PhaseRespond:         "respond",
	PhaseQualityValidate: "quality_validate",
	PhaseSave:            "save",
	PhaseUserResponse:    "user_response",
	PhaseDone:            "done",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Route is a routing decision taken by a stage. The rationale that comes
// with it is recorded in the document and never drives control flow.
type Route int

const (
	RouteUnknown Route = iota
	RoutePass
	RouteRetry
	RouteClarify
	RouteSynthesize
	RouteExecute
	RouteRefreshContext
)

var routeNames = map[string]Route{
	"pass":            RoutePass,
	"retry":           RouteRetry,
	"clarify":         RouteClarify,
	"synthesize":      RouteSynthesize,
	"execute":         RouteExecute,
	"refresh_context": RouteRefreshContext,
}

func (r Route) String() string {
	for name, v := range routeNames {
		if v == r {
			return name
		}
	}
	return "unknown"
}

// ParseRoute accepts exactly one of the allowed routes. Anything else,
// including a known route not allowed here, is an error.
func ParseRoute(s string, allowed ...Route) (Route, error) {
	r, ok := routeNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return RouteUnknown, fmt.Errorf("unknown route %q", s)
	}
	for _, a := range allowed {
		if a == r {
			return r, nil
		}
	}
	return RouteUnknown, fmt.Errorf("route %q is not allowed here", s)
}

func routeNamesOf(routes ...Route) []string {
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.String()
	}
	return out
}
