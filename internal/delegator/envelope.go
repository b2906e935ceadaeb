package delegator

import (
	"context"
	"errors"
	"fmt"

	"github.com/antoniostano/delegator/internal/invoker"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
)

var (
	ErrTurnDeadlineExceeded = errors.New("turn deadline exceeded")
	ErrInvalidEvent         = errors.New("invalid event")
)

// Envelope codes.
const (
	CodeCapabilityUnavailable  = "capability_unavailable"
	CodeInvalidCapabilityGraph = "invalid_capability_graph"
	CodeUnroutablePlan         = "unroutable_plan"
	CodeConversationLocked     = "conversation_locked"
	CodeStepFailure            = "step_failure"
	CodeStepTimeout            = "step_timeout"
	CodeTurnDeadlineExceeded   = "turn_deadline_exceeded"
	CodeInvalidEvent           = "invalid_event"
	CodeCancelled              = "cancelled"
	CodeInternal               = "internal_error"
)

// ErrorEnvelope is the structured error a caller receives instead of a reply.
type ErrorEnvelope struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Retryable      bool   `json:"retryable"`
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	State          State  `json:"state"`
	Step           string `json:"step,omitempty"`

	err error
}

func (e *ErrorEnvelope) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s (%s in %s): %s", e.Code, e.Step, e.State, e.Message)
	}
	return fmt.Sprintf("%s (in %s): %s", e.Code, e.State, e.Message)
}

func (e *ErrorEnvelope) Unwrap() error { return e.err }

func newEnvelope(err error, state State, conversationID, turnID, step string) *ErrorEnvelope {
	code, retryable := classify(err)
	return &ErrorEnvelope{
		Code:           code,
		Message:        err.Error(),
		Retryable:      retryable,
		ConversationID: conversationID,
		TurnID:         turnID,
		State:          state,
		Step:           step,
		err:            err,
	}
}

// classify maps an error onto an envelope code. Router errors wrap registry
// errors, so the more specific sentinels are checked first.
func classify(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, memory.ErrMissingID):
		return CodeInvalidEvent, false
	case errors.Is(err, ErrTurnDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return CodeTurnDeadlineExceeded, false
	case errors.Is(err, context.Canceled):
		return CodeCancelled, true
	case errors.Is(err, memory.ErrConversationLocked):
		return CodeConversationLocked, true
	case errors.Is(err, router.ErrUnroutablePlan):
		return CodeUnroutablePlan, false
	case errors.Is(err, registry.ErrInvalidCapabilityGraph):
		return CodeInvalidCapabilityGraph, false
	case errors.Is(err, registry.ErrCapabilityUnavailable):
		return CodeCapabilityUnavailable, false
	case errors.Is(err, invoker.ErrStepTimeout):
		return CodeStepTimeout, false
	case errors.Is(err, invoker.ErrStepFailure):
		return CodeStepFailure, false
	default:
		return CodeInternal, false
	}
}

// stepError turns an exhausted mandatory step into a typed error.
func stepError(res memory.StepResult) error {
	switch res.ErrorCode {
	case invoker.CodeStepTimeout:
		return fmt.Errorf("%w: %s: %s", invoker.ErrStepTimeout, res.Tag, res.Error)
	case invoker.CodeCapabilityUnavailable:
		return fmt.Errorf("%w: %s: %s", registry.ErrCapabilityUnavailable, res.Tag, res.Error)
	default:
		return fmt.Errorf("%w: %s: %s", invoker.ErrStepFailure, res.Tag, res.Error)
	}
}
