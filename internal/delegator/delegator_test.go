package delegator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/invoker"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
)

type harness struct {
	reg      *registry.Registry
	router   *router.Router
	memory   *memory.Manager
	outbox   *recordingDeliverer
	settings router.Settings
	cfg      Config
	invCfg   invoker.Config
	metrics  *observability.Metrics
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []memory.Message
	err  error
}

func (r *recordingDeliverer) Deliver(_ context.Context, _ string, msg memory.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingDeliverer) messages() []memory.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memory.Message(nil), r.sent...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	g := agents.NewGazetteer(nil)
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Descriptor{
		ID: "gazetteer", Tags: []string{agents.TagGeoLookup, agents.TagGeoLookupOffline}, Agent: agents.NewGazetteerAgent(g),
	}))
	require.NoError(t, reg.Register(registry.Descriptor{
		ID: "tz", Tags: []string{agents.TagTimezoneResolve}, Agent: agents.NewTimezoneAgent(g),
		Needs: map[string][]string{agents.TagTimezoneResolve: {agents.TagGeoLookup}},
	}))
	require.NoError(t, reg.Register(registry.Descriptor{
		ID: "brain", Tags: []string{agents.TagGeneralReasoning},
		Agent: agents.Func(func(_ context.Context, req agents.Request) (agents.Output, error) {
			return agents.Output{Text: "echo: " + req.Text}, nil
		}),
	}))

	settings := router.DefaultSettings()
	return &harness{
		reg:      reg,
		memory:   memory.NewManager(memory.NewInMemoryStore(), memory.DefaultPolicy(), 2048, zerolog.Nop()),
		outbox:   &recordingDeliverer{},
		settings: settings,
		cfg:      Config{TurnDeadline: 2 * time.Second, LockWait: time.Second, MaxAttempts: 2},
		invCfg:   invoker.Config{Timeout: time.Second, MaxAttempts: 2, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond},
	}
}

func (h *harness) delegator() *Delegator {
	h.router = router.New(h.reg, nil, h.settings, zerolog.Nop())
	inv := invoker.New(h.reg, h.invCfg, zerolog.Nop())
	return New(h.memory, h.router, inv, h.outbox, h.metrics, h.cfg, zerolog.Nop())
}

func (h *harness) history(t *testing.T, conversationID string) []memory.Turn {
	t.Helper()
	turns, err := h.memory.History(context.Background(), conversationID)
	require.NoError(t, err)
	return turns
}

func hang(ctx context.Context, _ agents.Request) (agents.Output, error) {
	<-ctx.Done()
	return agents.Output{}, ctx.Err()
}

func weatherAgent(fn agents.Func) registry.Descriptor {
	return registry.Descriptor{
		ID: "weather", Tags: []string{agents.TagWeatherForecast}, Timeout: 20 * time.Millisecond, Agent: fn,
		Needs: map[string][]string{agents.TagWeatherForecast: {agents.TagGeoLookup}},
	}
}

func envelope(t *testing.T, err error) *ErrorEnvelope {
	t.Helper()
	var env *ErrorEnvelope
	require.True(t, errors.As(err, &env), "error %v is not an envelope", err)
	return env
}

func TestTimezoneQuestionResolvesThroughGeoLookup(t *testing.T) {
	h := newHarness(t)
	d := h.delegator()

	reply, err := d.HandleEvent(context.Background(), Event{ConversationID: "1", SenderID: "u1", Text: "What's the timezone in Tokyo?"})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, reply.State)
	assert.Contains(t, reply.Message.Text, "Asia/Tokyo")
	assert.NotContains(t, reply.Message.Text, "35.68", "internal geo output leaked into reply")
	require.Len(t, reply.Steps, 2)
	assert.Equal(t, agents.TagGeoLookup, reply.Steps[0].Tag)
	assert.Equal(t, agents.TagTimezoneResolve, reply.Steps[1].Tag)
	assert.Equal(t, "Tokyo", reply.Steps[0].Data["place"])

	turns := h.history(t, "1")
	require.Len(t, turns, 1)
	assert.Equal(t, memory.TurnCompleted, turns[0].Status)
	assert.Len(t, turns[0].Steps, 2)
	assert.Equal(t, 1, turns[0].Seq)

	sent := h.outbox.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, reply.Message.Text, sent[0].Text)
}

func TestUnroutablePlanFailsTurn(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.reg.Unregister("gazetteer"))
	require.NoError(t, h.reg.Register(registry.Descriptor{
		ID: "geo", Tags: []string{agents.TagGeoLookup}, Health: registry.HealthUnavailable, Agent: agents.Func(hang),
	}))
	h.settings.Fallbacks = nil
	d := h.delegator()

	_, err := d.HandleEvent(context.Background(), Event{ConversationID: "b", Text: "What's the timezone in Tokyo?"})
	require.Error(t, err)
	env := envelope(t, err)
	assert.Equal(t, CodeUnroutablePlan, env.Code)
	assert.Equal(t, StatePlanning, env.State)
	assert.False(t, env.Retryable)
	assert.ErrorIs(t, err, router.ErrUnroutablePlan)

	turns := h.history(t, "b")
	require.Len(t, turns, 1)
	assert.Equal(t, memory.TurnFailed, turns[0].Status)
	require.NotNil(t, turns[0].Error)
	assert.Equal(t, CodeUnroutablePlan, turns[0].Error.Code)
	assert.Nil(t, turns[0].Outbound)
	assert.Empty(t, h.outbox.messages())
}

func TestOptionalStepTimingOutTwiceIsSkipped(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	calls := 0
	require.NoError(t, h.reg.Register(weatherAgent(func(ctx context.Context, req agents.Request) (agents.Output, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return hang(ctx, req)
	})))
	h.settings.Optional[agents.TagWeatherForecast] = true
	d := h.delegator()

	reply, err := d.HandleEvent(context.Background(), Event{ConversationID: "d", Text: "What time is it in Tokyo, and what's the weather?"})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, reply.State)
	assert.Contains(t, reply.Message.Text, "Asia/Tokyo")

	var weather *memory.StepResult
	for i := range reply.Steps {
		if reply.Steps[i].Tag == agents.TagWeatherForecast {
			weather = &reply.Steps[i]
		}
	}
	require.NotNil(t, weather)
	assert.Equal(t, memory.StepFailure, weather.Status)
	assert.Equal(t, invoker.CodeStepTimeout, weather.ErrorCode)
	assert.Equal(t, 2, weather.Attempts)
	assert.True(t, weather.Skipped)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestTurnsFeedLatencyWindow(t *testing.T) {
	h := newHarness(t)
	h.metrics = observability.NewMetrics("delegator_test")
	require.True(t, h.reg.Unregister("gazetteer"))
	g := agents.NewGazetteer(nil)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		ID: "offline", Tags: []string{agents.TagGeoLookupOffline}, Agent: agents.NewGazetteerAgent(g),
	}))
	require.NoError(t, h.reg.Register(weatherAgent(hang)))
	h.settings.Optional[agents.TagWeatherForecast] = true
	d := h.delegator()

	reply, err := d.HandleEvent(context.Background(), Event{ConversationID: "m", Text: "What time is it in Tokyo, and what's the weather?"})
	require.NoError(t, err)
	assert.Contains(t, reply.Message.Text, "Asia/Tokyo")

	snap := h.metrics.SnapshotLatency()
	assert.Equal(t, 1, snap.Indicators[observability.IndicatorFallbackSubstituted])
	assert.Equal(t, 1, snap.Indicators[observability.IndicatorOptionalSkipped])
	assert.Equal(t, 1, snap.Indicators[observability.IndicatorStepRetry])

	seen := map[string]bool{}
	for _, s := range snap.Series {
		seen[s.Kind+"/"+s.Key] = true
	}
	for _, key := range []string{"state/received", "state/planning", "state/executing", "state/composing", "turn/completed", "capability/" + agents.TagWeatherForecast} {
		assert.True(t, seen[key], "series %s missing", key)
	}
}

func TestMandatoryStepFailureFailsTurn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(weatherAgent(hang)))
	d := h.delegator()

	_, err := d.HandleEvent(context.Background(), Event{ConversationID: "w", Text: "weather in Paris?"})
	env := envelope(t, err)
	assert.Equal(t, CodeStepTimeout, env.Code)
	assert.Equal(t, StateExecuting, env.State)
	assert.Equal(t, agents.TagWeatherForecast, env.Step)

	turns := h.history(t, "w")
	require.Len(t, turns, 1)
	assert.Equal(t, memory.TurnFailed, turns[0].Status)
	require.Len(t, turns[0].Steps, 2)
	assert.Equal(t, memory.StepSuccess, turns[0].Steps[0].Status)
	assert.Equal(t, memory.StepFailure, turns[0].Steps[1].Status)
}

func TestTurnDeadlineExceeded(t *testing.T) {
	h := newHarness(t)
	desc := weatherAgent(hang)
	desc.Timeout = 0
	require.NoError(t, h.reg.Register(desc))
	h.cfg.TurnDeadline = 50 * time.Millisecond
	d := h.delegator()

	started := time.Now()
	_, err := d.HandleEvent(context.Background(), Event{ConversationID: "late", Text: "weather in Paris?"})
	assert.Less(t, time.Since(started), time.Second)

	env := envelope(t, err)
	assert.Equal(t, CodeTurnDeadlineExceeded, env.Code)
	assert.ErrorIs(t, err, ErrTurnDeadlineExceeded)

	turns := h.history(t, "late")
	require.Len(t, turns, 1)
	assert.Equal(t, memory.TurnFailed, turns[0].Status)
	assert.Equal(t, CodeTurnDeadlineExceeded, turns[0].Error.Code)
}

func TestConcurrentEventsAreSerialized(t *testing.T) {
	h := newHarness(t)
	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		ID: "slow-brain", Tags: []string{agents.TagGeneralReasoning}, Priority: 10,
		Agent: agents.Func(func(_ context.Context, req agents.Request) (agents.Output, error) {
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return agents.Output{Text: "ok: " + req.Text}, nil
		}),
	}))
	d := h.delegator()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = d.HandleEvent(context.Background(), Event{ConversationID: "same", Text: "hello"})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.False(t, overlap, "turns for one conversation overlapped")
	turns := h.history(t, "same")
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
		assert.Equal(t, memory.TurnCompleted, turn.Status)
	}
}

func TestLockWaitExpires(t *testing.T) {
	h := newHarness(t)
	release, err := h.memory.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer release()
	h.cfg.LockWait = 20 * time.Millisecond
	d := h.delegator()

	_, err = d.HandleEvent(context.Background(), Event{ConversationID: "busy", Text: "hello"})
	env := envelope(t, err)
	assert.Equal(t, CodeConversationLocked, env.Code)
	assert.True(t, env.Retryable)
	assert.Equal(t, StateReceived, env.State)
	assert.Empty(t, h.history(t, "busy"))
}

func TestFactsAreMarked(t *testing.T) {
	h := newHarness(t)
	d := h.delegator()

	reply, err := d.HandleEvent(context.Background(), Event{ConversationID: "f", Text: "My name is Sarah. What's the timezone in Tokyo?"})
	require.NoError(t, err)

	var texts []string
	for _, f := range reply.Facts {
		texts = append(texts, f.Text)
	}
	assert.Contains(t, texts, "My name is Sarah")
	assert.Contains(t, texts, "Timezone for Tokyo: Asia/Tokyo")

	wc, err := h.memory.ReadWorkingContext(context.Background(), "f", 0)
	require.NoError(t, err)
	var keys []string
	for _, f := range wc.Facts {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "name")
}

func TestLanguageIsRecordedOnInbound(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		ID: "lang", Tags: []string{agents.TagLanguageDetect},
		Agent: agents.Func(func(context.Context, agents.Request) (agents.Output, error) {
			return agents.Output{Text: "English", Data: map[string]string{"language": "English", "confidence": "0.98"}, InternalOnly: true}, nil
		}),
	}))
	h.settings.AlwaysRun = []string{agents.TagLanguageDetect}
	d := h.delegator()

	reply, err := d.HandleEvent(context.Background(), Event{ConversationID: "l", Text: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello there", reply.Message.Text)

	turns := h.history(t, "l")
	require.Len(t, turns, 1)
	assert.Equal(t, "English", turns[0].Inbound.Payload["language"])
	assert.Equal(t, "0.98", turns[0].Inbound.Payload["language_confidence"])
}

func TestDeliveryFailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t)
	h.outbox.err = errors.New("chat api down")
	d := h.delegator()

	reply, err := d.HandleEvent(context.Background(), Event{ConversationID: "x", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, reply.State)
	assert.Len(t, h.outbox.messages(), 1)
}

func TestInvalidEvent(t *testing.T) {
	d := newHarness(t).delegator()
	_, err := d.HandleEvent(context.Background(), Event{Text: "hi"})
	env := envelope(t, err)
	assert.Equal(t, CodeInvalidEvent, env.Code)
}

func TestIndependentInstances(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	_, err := a.delegator().HandleEvent(context.Background(), Event{ConversationID: "c", Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, a.history(t, "c"), 1)
	assert.Empty(t, b.history(t, "c"))
}

func TestCompose(t *testing.T) {
	plan := memory.Plan{Steps: []memory.PlanStep{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}}
	results := []memory.StepResult{
		{StepID: "s2", Status: memory.StepSuccess, Output: "second"},
		{StepID: "s1", Status: memory.StepSuccess, Output: "hidden", Internal: true},
		{StepID: "s3", Status: memory.StepFailure, Output: "broken"},
	}
	assert.Equal(t, "second", compose(plan, results))
	assert.Equal(t, emptyReply, compose(plan, nil))
}
