package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/reliability"
)

var (
	ErrStepFailure = errors.New("step failure")
	ErrStepTimeout = errors.New("step timeout")
)

// Error codes recorded on StepResult.ErrorCode.
const (
	CodeStepFailure           = "step_failure"
	CodeStepTimeout           = "step_timeout"
	CodeCapabilityUnavailable = "capability_unavailable"
	CodeCancelled             = "cancelled"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 2
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryCap    = 2 * time.Second
)

type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = c.RetryBase
	}
	return c
}

// Call is one planned step plus everything the agent gets to see. Upstream is
// keyed by capability tag.
type Call struct {
	ConversationID string
	TurnID         string
	Step           memory.PlanStep
	Inbound        memory.Message
	Context        memory.WorkingContext
	Upstream       map[string]agents.Output
}

// RetryState is the bounded retry budget threaded through InvokeWithRetry.
// Attempt counts attempts already spent; a zero Deadline means none.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	Deadline    time.Time
}

// Invoker runs plan steps against registered agents. Every outcome is a
// StepResult; nothing is returned as an error.
type Invoker struct {
	registry *registry.Registry
	cfg      Config
	logger   zerolog.Logger
}

func New(reg *registry.Registry, cfg Config, logger zerolog.Logger) *Invoker {
	return &Invoker{
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "invoker").Logger(),
	}
}

func (inv *Invoker) Config() Config { return inv.cfg }

// Invoke makes exactly one attempt.
func (inv *Invoker) Invoke(ctx context.Context, call Call) memory.StepResult {
	res, _ := inv.attempt(ctx, call)
	res.Attempts = 1
	return res
}

// InvokeWithRetry attempts the step until it succeeds, the budget in state is
// spent, or the error is permanent. A step that exhausts its budget is
// reported as a failure carrying the last error code.
func (inv *Invoker) InvokeWithRetry(ctx context.Context, call Call, state RetryState) memory.StepResult {
	if state.MaxAttempts <= 0 {
		state.MaxAttempts = inv.cfg.MaxAttempts
	}
	if !state.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, state.Deadline)
		defer cancel()
	}

	started := time.Now()
	var (
		res memory.StepResult
		err error
	)
	attempts := 0
	for state.Attempt < state.MaxAttempts {
		res, err = inv.attempt(ctx, call)
		state.Attempt++
		attempts++
		log := inv.logger.Debug().
			Str("conversation_id", call.ConversationID).
			Str("turn_id", call.TurnID).
			Str("tag", call.Step.Tag).
			Int("attempt", state.Attempt).
			Str("status", string(res.Status))
		if err != nil {
			log = log.Str("error_code", res.ErrorCode)
		}
		log.Msg("step attempt")

		if err == nil {
			break
		}
		if reliability.IsPermanent(err) || ctx.Err() != nil || state.Attempt >= state.MaxAttempts {
			break
		}
		wait := reliability.ExponentialBackoff(state.Attempt-1, inv.cfg.RetryBase, inv.cfg.RetryCap)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
			break
		}
		inv.logger.Warn().
			Str("conversation_id", call.ConversationID).
			Str("tag", call.Step.Tag).
			Int("attempt", state.Attempt).
			Dur("backoff", wait).
			Str("error_code", res.ErrorCode).
			Msg("retrying step")
		if !sleepCtx(ctx, wait) {
			break
		}
	}

	res.Attempts = attempts
	if attempts > 0 {
		res.Retries = attempts - 1
	}
	res.DurationMS = time.Since(started).Milliseconds()
	if err != nil && ctx.Err() == nil && state.Attempt >= state.MaxAttempts && attempts > 1 {
		res.Status = memory.StepFailure
		res.Error = fmt.Sprintf("%s after %d attempt(s): %s", res.ErrorCode, attempts, res.Error)
	}
	return res
}

type agentResult struct {
	out agents.Output
	err error
}

func (inv *Invoker) attempt(ctx context.Context, call Call) (memory.StepResult, error) {
	started := time.Now()
	step := call.Step
	res := memory.StepResult{
		StepID:   step.ID,
		Tag:      step.Tag,
		AgentID:  step.AgentID,
		Internal: step.Internal,
	}
	finish := func(status memory.StepStatus, code string, err error) (memory.StepResult, error) {
		res.Status = status
		res.ErrorCode = code
		if err != nil {
			res.Error = err.Error()
		}
		res.DurationMS = time.Since(started).Milliseconds()
		return res, err
	}

	if err := ctx.Err(); err != nil {
		return finish(cancelledStatus(err), CodeCancelled, err)
	}

	desc, err := inv.resolve(step)
	if err != nil {
		return finish(memory.StepFailure, CodeCapabilityUnavailable, reliability.Permanent(err))
	}
	res.AgentID = desc.ID

	timeout := inv.cfg.Timeout
	if desc.Timeout > 0 && desc.Timeout < timeout {
		timeout = desc.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := agents.Request{
		ConversationID: call.ConversationID,
		TurnID:         call.TurnID,
		StepID:         step.ID,
		Tag:            step.Tag,
		SenderID:       call.Inbound.SenderID,
		Text:           firstNonEmpty(step.Input, call.Inbound.Text),
		Inputs:         call.Upstream,
		MemoryContext:  call.Context.Lines(),
	}

	done := make(chan agentResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- agentResult{err: fmt.Errorf("agent %s panicked: %v", desc.ID, r)}
			}
		}()
		out, err := desc.Agent.Invoke(attemptCtx, req)
		done <- agentResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return finish(cancelledStatus(ctx.Err()), CodeCancelled, ctx.Err())
			}
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return finish(memory.StepTimeout, CodeStepTimeout, fmt.Errorf("%w: %s exceeded %s", ErrStepTimeout, desc.ID, timeout))
			}
			return finish(memory.StepFailure, CodeStepFailure, stepFailure(r.err))
		}
		res.Output = r.out.Text
		res.Data = r.out.Data
		res.Facts = r.out.Facts
		res.Internal = step.Internal || r.out.InternalOnly
		return finish(memory.StepSuccess, "", nil)
	case <-attemptCtx.Done():
		// The agent goroutine may still finish; its result lands in the
		// buffered channel and is dropped.
		if ctx.Err() != nil {
			return finish(cancelledStatus(ctx.Err()), CodeCancelled, ctx.Err())
		}
		return finish(memory.StepTimeout, CodeStepTimeout, fmt.Errorf("%w: %s exceeded %s", ErrStepTimeout, desc.ID, timeout))
	}
}

// resolve prefers the agent the router picked and falls back to the best
// current agent for the tag when that one has since gone away.
func (inv *Invoker) resolve(step memory.PlanStep) (registry.Descriptor, error) {
	if step.AgentID != "" {
		if d, ok := inv.registry.Get(step.AgentID); ok && d.Supports(step.Tag) && d.Health != registry.HealthUnavailable {
			return d, nil
		}
	}
	return inv.registry.Resolve(step.Tag)
}

func stepFailure(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrStepFailure, err)
	if reliability.IsPermanent(err) {
		return reliability.Permanent(wrapped)
	}
	return wrapped
}

func cancelledStatus(err error) memory.StepStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return memory.StepTimeout
	}
	return memory.StepFailure
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
