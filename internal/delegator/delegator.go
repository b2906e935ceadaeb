package delegator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/invoker"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
	"github.com/antoniostano/delegator/internal/policy"
)

type State string

const (
	StateReceived  State = "received"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateComposing State = "composing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	defaultTurnDeadline = 60 * time.Second
	defaultLockWait     = 30 * time.Second
	defaultMaxParallel  = 8
	appendTimeout       = 5 * time.Second
)

// Event is one inbound message from a transport.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Channel        string    `json:"channel,omitempty"`
}

// Reply is the outcome of a completed Turn.
type Reply struct {
	ConversationID string              `json:"conversation_id"`
	TurnID         string              `json:"turn_id"`
	TurnSeq        int                 `json:"turn_seq"`
	State          State               `json:"state"`
	Message        memory.Message      `json:"message"`
	Plan           memory.Plan         `json:"plan"`
	Steps          []memory.StepResult `json:"steps"`
	Facts          []memory.Fact       `json:"facts,omitempty"`
}

// Planner produces the plan for one inbound message.
type Planner interface {
	Plan(ctx context.Context, conversationID string, msg memory.Message) (memory.Plan, error)
}

// StepInvoker runs one plan step under a retry budget.
type StepInvoker interface {
	InvokeWithRetry(ctx context.Context, call invoker.Call, state invoker.RetryState) memory.StepResult
}

// Deliverer hands a composed reply to the outbound transport.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID string, msg memory.Message) error
}

type Config struct {
	TurnDeadline  time.Duration
	LockWait      time.Duration
	ContextBudget int
	MaxAttempts   int
	MaxParallel   int
	FactRules     []policy.FactRule
}

func (c Config) withDefaults() Config {
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = defaultTurnDeadline
	}
	if c.LockWait <= 0 {
		c.LockWait = defaultLockWait
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	return c
}

// Delegator runs the Turn state machine. Instances share nothing, so several
// can run side by side over different stores.
type Delegator struct {
	memory    *memory.Manager
	planner   Planner
	invoker   StepInvoker
	deliverer Deliverer
	metrics   *observability.Metrics
	cfg       Config
	logger    zerolog.Logger
}

func New(mem *memory.Manager, planner Planner, inv StepInvoker, deliverer Deliverer, metrics *observability.Metrics, cfg Config, logger zerolog.Logger) *Delegator {
	return &Delegator{
		memory:    mem,
		planner:   planner,
		invoker:   inv,
		deliverer: deliverer,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "delegator").Logger(),
	}
}

// turn carries the in-flight state of one HandleEvent call.
type turn struct {
	id      string
	state   State
	started time.Time
	entered time.Time
	record  memory.Turn
}

// enter moves the turn to next and records how long it stayed in the
// state it leaves.
func (d *Delegator) enter(t *turn, next State) {
	now := time.Now()
	d.metrics.ObserveState(string(t.state), now.Sub(t.entered))
	t.state, t.entered = next, now
}

// HandleEvent runs one Turn to Completed or Failed. Errors are always
// *ErrorEnvelope.
func (d *Delegator) HandleEvent(ctx context.Context, ev Event) (Reply, error) {
	now := time.Now()
	t := &turn{id: uuid.NewString(), state: StateReceived, started: now, entered: now}
	ev.ConversationID = strings.TrimSpace(ev.ConversationID)
	if ev.ConversationID == "" || strings.TrimSpace(ev.Text) == "" {
		return Reply{}, newEnvelope(fmt.Errorf("%w: conversation id and text are required", ErrInvalidEvent), t.state, ev.ConversationID, "", "")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	d.metrics.TurnStarted()
	log := d.logger.With().Str("conversation_id", ev.ConversationID).Str("turn_id", t.id).Logger()

	lockCtx, cancelLock := context.WithTimeout(ctx, d.cfg.LockWait)
	release, err := d.memory.Acquire(lockCtx, ev.ConversationID)
	cancelLock()
	if err != nil {
		env := newEnvelope(err, t.state, ev.ConversationID, "", "")
		d.finish(log, t, env)
		return Reply{}, env
	}
	defer release()

	turnCtx, cancel := context.WithTimeout(ctx, d.cfg.TurnDeadline)
	defer cancel()

	inbound := memory.Message{Role: memory.RoleUser, SenderID: ev.SenderID, Text: ev.Text}
	if ev.Channel != "" {
		inbound.Payload = map[string]string{"channel": ev.Channel}
	}
	t.record = memory.Turn{
		ID:             t.id,
		ConversationID: ev.ConversationID,
		Inbound:        inbound,
		CreatedAt:      ev.Timestamp.UTC(),
	}
	log.Debug().Str("text", policy.LogText(ev.Text)).Msg("event received")

	d.enter(t, StatePlanning)
	plan, err := d.planner.Plan(turnCtx, ev.ConversationID, inbound)
	if err != nil {
		return Reply{}, d.fail(ctx, turnCtx, log, t, err, "")
	}
	t.record.Plan = plan
	for _, step := range plan.Steps {
		if step.FallbackFor != "" {
			d.metrics.CountIndicator(observability.IndicatorFallbackSubstituted, 1)
		}
	}

	wc, err := d.memory.ReadWorkingContext(turnCtx, ev.ConversationID, d.cfg.ContextBudget)
	if err != nil {
		return Reply{}, d.fail(ctx, turnCtx, log, t, fmt.Errorf("read working context: %w", err), "")
	}

	d.enter(t, StateExecuting)
	results, fatal := d.execute(turnCtx, log, t, inbound, plan, wc)
	t.record.Steps = results
	applyLanguage(&t.record.Inbound, results)
	if turnCtx.Err() != nil {
		return Reply{}, d.fail(ctx, turnCtx, log, t, turnCtx.Err(), "")
	}
	if fatal != nil {
		return Reply{}, d.fail(ctx, turnCtx, log, t, stepError(*fatal), fatal.Tag)
	}

	d.enter(t, StateComposing)
	outbound := memory.Message{Role: memory.RoleAgent, Text: compose(plan, results)}
	t.record.Outbound = &outbound
	t.record.Status = memory.TurnCompleted

	appendCtx, cancelAppend := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancelAppend()
	stored, err := d.memory.Append(appendCtx, t.record)
	if err != nil {
		log.Error().Err(err).Msg("append completed turn")
		env := newEnvelope(err, t.state, ev.ConversationID, t.id, "")
		d.finish(log, t, env)
		return Reply{}, env
	}

	facts := d.markFacts(appendCtx, log, stored)

	if d.deliverer != nil {
		if err := d.deliverer.Deliver(ctx, ev.ConversationID, outbound); err != nil {
			log.Warn().Err(err).Msg("deliver reply")
		}
	}

	d.enter(t, StateCompleted)
	d.finish(log, t, nil)
	return Reply{
		ConversationID: ev.ConversationID,
		TurnID:         stored.ID,
		TurnSeq:        stored.Seq,
		State:          t.state,
		Message:        outbound,
		Plan:           plan,
		Steps:          stored.Steps,
		Facts:          facts,
	}, nil
}

// fail records the failed Turn and builds the caller's envelope. The Turn is
// appended with a fresh context so a blown deadline still lands in the log.
func (d *Delegator) fail(ctx, turnCtx context.Context, log zerolog.Logger, t *turn, cause error, step string) error {
	from := t.state
	if errors.Is(cause, context.DeadlineExceeded) || (turnCtx.Err() != nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded)) {
		cause = fmt.Errorf("%w after %s: %w", ErrTurnDeadlineExceeded, d.cfg.TurnDeadline, cause)
	}
	env := newEnvelope(cause, from, t.record.ConversationID, t.id, step)

	t.record.Status = memory.TurnFailed
	t.record.Error = &memory.TurnError{Code: env.Code, Message: env.Message, State: string(from), Step: step}
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()
	if _, err := d.memory.Append(appendCtx, t.record); err != nil {
		log.Error().Err(err).Str("code", env.Code).Msg("append failed turn")
	}

	d.enter(t, StateFailed)
	d.finish(log, t, env)
	return env
}

func (d *Delegator) finish(log zerolog.Logger, t *turn, env *ErrorEnvelope) {
	elapsed := time.Since(t.started)
	if env == nil {
		d.metrics.TurnFinished(string(memory.TurnCompleted), "", elapsed)
		log.Info().
			Str("state", string(t.state)).
			Int("steps", len(t.record.Steps)).
			Dur("elapsed", elapsed).
			Msg("turn completed")
		return
	}
	d.metrics.TurnFinished(string(memory.TurnFailed), env.Code, elapsed)
	ev := log.Info()
	if env.Code == CodeInternal {
		ev = log.Error()
	}
	ev.Str("state", string(env.State)).
		Str("code", env.Code).
		Str("step", env.Step).
		Bool("retryable", env.Retryable).
		Dur("elapsed", elapsed).
		Msg("turn failed")
}

// markFacts flags durable statements from the user and the facts agents
// declared. Marking is best effort; the Turn is already logged.
func (d *Delegator) markFacts(ctx context.Context, log zerolog.Logger, stored memory.Turn) []memory.Fact {
	var out []memory.Fact
	mark := func(field, text string) {
		fact, err := d.memory.MarkText(ctx, stored.ID, field, text)
		if err != nil {
			log.Warn().Err(err).Str("field", field).Msg("mark fact")
			return
		}
		out = append(out, fact)
	}
	for _, text := range policy.DetectFacts(stored.Inbound.Text, d.cfg.FactRules) {
		mark(memory.FieldInbound, text)
	}
	for _, res := range stored.Steps {
		if res.Status != memory.StepSuccess {
			continue
		}
		for _, text := range res.Facts {
			mark(memory.StepField(res.StepID), text)
		}
	}
	return out
}

// applyLanguage copies a detected language onto the inbound message payload.
func applyLanguage(msg *memory.Message, results []memory.StepResult) {
	for _, res := range results {
		if res.Tag != agents.TagLanguageDetect || res.Status != memory.StepSuccess {
			continue
		}
		lang := res.Data["language"]
		if lang == "" {
			return
		}
		if msg.Payload == nil {
			msg.Payload = make(map[string]string, 2)
		}
		msg.Payload["language"] = lang
		if conf := res.Data["confidence"]; conf != "" {
			msg.Payload["language_confidence"] = conf
		}
		return
	}
}
