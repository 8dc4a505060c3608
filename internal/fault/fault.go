// Package fault defines the error taxonomy shared by the turn pipeline.
//
// Component-local faults bubble up to the phase controller, which is the only
// place that decides between a bounded retry, a HALT with an intervention
// record, an abort, or a terminal FAIL.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a fault.
type Kind string

const (
	KindSchemaValidation Kind = "schema_validation"
	KindStateViolation   Kind = "state_violation"
	KindBudgetExceeded   Kind = "resource_budget_exceeded"
	KindRetrievalMiss    Kind = "retrieval_miss"
	KindValidationFail   Kind = "validation_fail"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
)

// Sentinels for errors.Is matching against a kind.
var (
	ErrSchemaValidation = &Error{Kind: KindSchemaValidation}
	ErrStateViolation   = &Error{Kind: KindStateViolation}
	ErrBudgetExceeded   = &Error{Kind: KindBudgetExceeded}
	ErrRetrievalMiss    = &Error{Kind: KindRetrievalMiss}
	ErrValidationFail   = &Error{Kind: KindValidationFail}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrCancelled        = &Error{Kind: KindCancelled}
)

// Error is a classified pipeline fault.
type Error struct {
	Kind         Kind
	Op           string
	Stage        string
	Err          error
	Intervention *Intervention
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Stage != "" {
		msg += " [" + e.Stage + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of op, stage or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a fault of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a fault with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithStage returns a copy of e tagged with the stage that raised it.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// KindOf extracts the fault kind from err. Context errors are classified as
// timeouts or cancellations; anything else reports ok=false.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, true
	case errors.Is(err, context.Canceled):
		return KindCancelled, true
	}
	return "", false
}

// Disposition is what the controller does with a fault.
type Disposition string

const (
	// Halt stops the turn and records an intervention for a human.
	Halt Disposition = "halt"
	// Abort stops the turn as a defect or cancellation.
	Abort Disposition = "abort"
	// Fail ends the turn with an explicit insufficient-evidence result.
	Fail Disposition = "fail"
)

// DispositionOf maps err to the controller's decision. Unclassified errors
// halt: an unknown failure is never treated as success.
func DispositionOf(err error) Disposition {
	kind, ok := KindOf(err)
	if !ok {
		return Halt
	}
	switch kind {
	case KindStateViolation, KindCancelled:
		return Abort
	case KindValidationFail:
		return Fail
	default:
		return Halt
	}
}

// Intervention is the record left for a human when a turn halts.
type Intervention struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewIntervention records why a turn stopped.
func NewIntervention(kind Kind, stage, reason string, attempts int) *Intervention {
	return &Intervention{
		ID:        uuid.NewString(),
		Kind:      kind,
		Stage:     stage,
		Reason:    reason,
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
}

// InterventionFor returns the record attached to err, or builds one from it.
func InterventionFor(err error, stage string) *Intervention {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Intervention != nil {
			return fe.Intervention
		}
		if fe.Stage != "" {
			stage = fe.Stage
		}
		return NewIntervention(fe.Kind, stage, err.Error(), 0)
	}
	kind, ok := KindOf(err)
	if !ok {
		kind = "unclassified"
	}
	return NewIntervention(kind, stage, err.Error(), 0)
}
