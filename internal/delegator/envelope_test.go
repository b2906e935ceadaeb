package delegator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/antoniostano/delegator/internal/invoker"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{fmt.Errorf("%w: geo-lookup: %w", router.ErrUnroutablePlan, registry.ErrCapabilityUnavailable), CodeUnroutablePlan, false},
		{registry.ErrCapabilityUnavailable, CodeCapabilityUnavailable, false},
		{fmt.Errorf("load: %w", registry.ErrInvalidCapabilityGraph), CodeInvalidCapabilityGraph, false},
		{fmt.Errorf("%w: c1", memory.ErrConversationLocked), CodeConversationLocked, true},
		{fmt.Errorf("%w: x", invoker.ErrStepTimeout), CodeStepTimeout, false},
		{fmt.Errorf("%w: x", invoker.ErrStepFailure), CodeStepFailure, false},
		{fmt.Errorf("%w: %w", ErrTurnDeadlineExceeded, context.DeadlineExceeded), CodeTurnDeadlineExceeded, false},
		{context.Canceled, CodeCancelled, true},
		{memory.ErrMissingID, CodeInvalidEvent, false},
		{errors.New("disk full"), CodeInternal, false},
	}
	for _, tt := range tests {
		code, retryable := classify(tt.err)
		if code != tt.code || retryable != tt.retryable {
			t.Fatalf("classify(%v) = %q, %v; want %q, %v", tt.err, code, retryable, tt.code, tt.retryable)
		}
	}
}

func TestEnvelopeUnwraps(t *testing.T) {
	cause := fmt.Errorf("%w: weather-forecast: slow", invoker.ErrStepTimeout)
	env := newEnvelope(cause, StateExecuting, "c1", "t1", "weather-forecast")
	if !errors.Is(env, invoker.ErrStepTimeout) {
		t.Fatalf("errors.Is(env, ErrStepTimeout) = false")
	}
	if got := env.Error(); got != "step_timeout (weather-forecast in executing): step timeout: weather-forecast: slow" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestStepError(t *testing.T) {
	err := stepError(memory.StepResult{Tag: "geo-lookup", ErrorCode: invoker.CodeCapabilityUnavailable, Error: "gone"})
	if !errors.Is(err, registry.ErrCapabilityUnavailable) {
		t.Fatalf("stepError() = %v, want capability unavailable", err)
	}
}
