package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/agent-turns/internal/fault"
)

// Stage identifies the section a pipeline stage owns in the turn document.
type Stage string

const (
	StageRequest    Stage = "request"
	StageIntake     Stage = "intake"
	StageContext    Stage = "context"
	StagePlan       Stage = "plan"
	StageExecution  Stage = "execution"
	StageResponse   Stage = "response"
	StageValidation Stage = "validation"
)

// LoopStages are the sections rewritten by the revise/retry loop.
var LoopStages = map[Stage]bool{
	StagePlan:       true,
	StageExecution:  true,
	StageResponse:   true,
	StageValidation: true,
}

// Section is one committed value of a stage's section. Values are never
// mutated after commit; a new attempt produces a new Section.
type Section struct {
	Stage     Stage     `json:"stage"`
	Content   string    `json:"content"`
	Budget    int       `json:"budget"`
	Immutable bool      `json:"immutable"`
	Attempt   int       `json:"attempt"`
	Revision  int       `json:"revision"`
	WrittenAt time.Time `json:"written_at"`
}

// Size is the section's measured size in bytes.
func (s Section) Size() int { return len(s.Content) }

// Decision is the quality gate's verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionRevise  Decision = "REVISE"
	DecisionRetry   Decision = "RETRY"
	DecisionFail    Decision = "FAIL"
)

// ParseDecision accepts a decision in any case.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionRevise, DecisionRetry, DecisionFail:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// ValidationOutcome is created once per quality validation and never mutated.
type ValidationOutcome struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
	Attempt    int      `json:"attempt"`
}

// Claim is one piece of evidence returned by a tool.
type Claim struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// Citable reports whether later stages may cite the claim.
func (c Claim) Citable() bool { return strings.TrimSpace(c.Source) != "" }

// TurnRequest is the boundary input for one turn.
type TurnRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Mode   string `json:"mode,omitempty"`
}

// Status is the terminal status of a turn.
type Status string

const (
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusClarification Status = "clarification"
	StatusFailed        Status = "failed"
	StatusHalted        Status = "halted"
	StatusAborted       Status = "aborted"
)

// Terminal reports whether no further stage may run.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// TurnResult is the boundary output of a finished turn.
type TurnResult struct {
	TurnID       string              `json:"turn_id"`
	Status       Status              `json:"status"`
	FinalAnswer  string              `json:"final_answer"`
	Outcome      *ValidationOutcome  `json:"outcome,omitempty"`
	Intervention *fault.Intervention `json:"intervention,omitempty"`
	ReviseCount  int                 `json:"revise_count"`
	RetryCount   int                 `json:"retry_count"`
	NodesIndexed []string            `json:"nodes_indexed,omitempty"`
}
