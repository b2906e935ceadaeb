package router

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/registry"
)

var noop = agents.Func(func(context.Context, agents.Request) (agents.Output, error) {
	return agents.Output{Text: "ok"}, nil
})

func register(t *testing.T, reg *registry.Registry, id string, health registry.Health, needs map[string][]string, tags ...string) {
	t.Helper()
	require.NoError(t, reg.Register(registry.Descriptor{
		ID: id, Tags: tags, Health: health, Needs: needs, Agent: noop,
	}))
}

func standardRegistry(t *testing.T) *registry.Registry {
	reg := registry.New()
	register(t, reg, "gazetteer", registry.HealthAvailable, nil, agents.TagGeoLookup, agents.TagGeoLookupOffline)
	register(t, reg, "tz", registry.HealthAvailable, map[string][]string{agents.TagTimezoneResolve: {agents.TagGeoLookup}}, agents.TagTimezoneResolve)
	register(t, reg, "weather", registry.HealthAvailable, map[string][]string{agents.TagWeatherForecast: {agents.TagGeoLookup}}, agents.TagWeatherForecast)
	register(t, reg, "lingua", registry.HealthAvailable, nil, agents.TagLanguageDetect)
	register(t, reg, "brain", registry.HealthAvailable, nil, agents.TagGeneralReasoning)
	return reg
}

func tags(p memory.Plan) []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Tag)
	}
	return out
}

func withLanguage() Settings {
	s := DefaultSettings()
	s.AlwaysRun = []string{agents.TagLanguageDetect}
	return s
}

func TestPlanOrdersDependencies(t *testing.T) {
	r := New(standardRegistry(t), nil, DefaultSettings(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "What's the timezone in Tokyo?"})
	require.NoError(t, err)

	assert.Equal(t, []string{agents.TagGeoLookup, agents.TagTimezoneResolve}, tags(plan))
	assert.Equal(t, "s1", plan.Steps[0].ID)
	assert.True(t, plan.Steps[0].Internal)
	assert.False(t, plan.Steps[1].Internal)
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, "tz", plan.Steps[1].AgentID)
	assert.Equal(t, "rules", plan.Classifier)
}

func TestPlanSharesDependencyAcrossSteps(t *testing.T) {
	r := New(standardRegistry(t), nil, DefaultSettings(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "What time is it in Paris and what's the weather?"})
	require.NoError(t, err)

	assert.Equal(t, []string{agents.TagGeoLookup, agents.TagTimezoneResolve, agents.TagWeatherForecast}, tags(plan))
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{"s1"}, plan.Steps[2].DependsOn)
}

func TestPlanDefaultSettingsTimezoneInTokyo(t *testing.T) {
	r := New(standardRegistry(t), nil, DefaultSettings(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "What's the timezone in Tokyo?"})
	require.NoError(t, err)

	assert.Equal(t, []string{agents.TagGeoLookup, agents.TagTimezoneResolve}, tags(plan))
	assert.Empty(t, DefaultSettings().AlwaysRun)
}

func TestPlanPrependsAlwaysRunTags(t *testing.T) {
	r := New(standardRegistry(t), nil, withLanguage(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "What's the timezone in Tokyo?"})
	require.NoError(t, err)

	assert.Equal(t, []string{agents.TagLanguageDetect, agents.TagGeoLookup, agents.TagTimezoneResolve}, tags(plan))
	assert.True(t, plan.Steps[0].Optional)
	assert.True(t, plan.Steps[0].Internal)
	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
	assert.ElementsMatch(t, []string{"s1", "s2"}, plan.Steps[2].DependsOn)
}

func TestPlanDropsUnroutableOptionalStep(t *testing.T) {
	reg := standardRegistry(t)
	require.NoError(t, reg.SetHealth("lingua", registry.HealthUnavailable))
	r := New(reg, nil, withLanguage(), zerolog.Nop())

	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, []string{agents.TagGeneralReasoning}, tags(plan))
}

func TestPlanEmptyClassificationUsesDefault(t *testing.T) {
	r := New(standardRegistry(t), nil, DefaultSettings(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "tell me a joke"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, agents.TagGeneralReasoning, plan.Steps[0].Tag)
	assert.False(t, plan.Steps[0].Internal)
}

func TestPlanSubstitutesFallbackTag(t *testing.T) {
	reg := registry.New()
	register(t, reg, "nominatim", registry.HealthUnavailable, nil, agents.TagGeoLookup)
	register(t, reg, "gazetteer", registry.HealthAvailable, nil, agents.TagGeoLookupOffline)
	register(t, reg, "tz", registry.HealthAvailable, map[string][]string{agents.TagTimezoneResolve: {agents.TagGeoLookup}}, agents.TagTimezoneResolve)

	r := New(reg, nil, DefaultSettings(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "timezone in Tokyo"})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, agents.TagGeoLookupOffline, plan.Steps[0].Tag)
	assert.Equal(t, agents.TagGeoLookup, plan.Steps[0].FallbackFor)
	assert.Equal(t, "gazetteer", plan.Steps[0].AgentID)
}

func TestPlanUnroutableWithoutFallback(t *testing.T) {
	reg := registry.New()
	register(t, reg, "geo", registry.HealthUnavailable, nil, agents.TagGeoLookup)
	register(t, reg, "tz", registry.HealthAvailable, map[string][]string{agents.TagTimezoneResolve: {agents.TagGeoLookup}}, agents.TagTimezoneResolve)

	settings := DefaultSettings()
	settings.Fallbacks = nil
	r := New(reg, nil, settings, zerolog.Nop())
	_, err := r.Plan(context.Background(), "c1", memory.Message{Text: "What's the timezone in Tokyo?"})
	require.ErrorIs(t, err, ErrUnroutablePlan)
	assert.ErrorIs(t, err, registry.ErrCapabilityUnavailable)
}

func TestPlanIsStable(t *testing.T) {
	r := New(standardRegistry(t), nil, withLanguage(), zerolog.Nop())
	msg := memory.Message{Text: "weather and local time in Berlin"}
	first, err := r.Plan(context.Background(), "c1", msg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := r.Plan(context.Background(), "c1", msg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestReasoningClassifierParsesReply(t *testing.T) {
	reg := standardRegistry(t)
	var instructions string
	require.NoError(t, reg.Register(registry.Descriptor{
		ID: "brain", Tags: []string{agents.TagGeneralReasoning}, Priority: 1,
		Agent: agents.Func(func(_ context.Context, req agents.Request) (agents.Output, error) {
			instructions = req.Instructions
			return agents.Output{Text: "weather-forecast, timezone-resolve"}, nil
		}),
	}))

	c := NewReasoningClassifier(reg, nil, 0)
	cls, err := c.Classify(context.Background(), "c1", memory.Message{Text: "heading to Oslo, what should I pack?"})
	require.NoError(t, err)
	assert.Equal(t, "reasoning", cls.Source)
	assert.Equal(t, []string{agents.TagWeatherForecast, agents.TagTimezoneResolve}, cls.Tags)
	assert.Contains(t, instructions, "timezone-resolve")
	assert.NotContains(t, instructions, agents.TagLanguageDetect)
}

func TestReasoningClassifierNoneAndFallback(t *testing.T) {
	reg := standardRegistry(t)
	reply := "none"
	fail := false
	require.NoError(t, reg.Register(registry.Descriptor{
		ID: "brain", Tags: []string{agents.TagGeneralReasoning},
		Agent: agents.Func(func(context.Context, agents.Request) (agents.Output, error) {
			if fail {
				return agents.Output{}, errors.New("offline")
			}
			return agents.Output{Text: reply}, nil
		}),
	}))
	c := NewReasoningClassifier(reg, nil, 0)
	msg := memory.Message{Text: "what's the weather in Rome?"}

	cls, err := c.Classify(context.Background(), "c1", msg)
	require.NoError(t, err)
	assert.Empty(t, cls.Tags)

	reply = "I heard you: what's the weather in Rome?"
	cls, err = c.Classify(context.Background(), "c1", msg)
	require.NoError(t, err)
	assert.Equal(t, "rules", cls.Source)
	assert.Equal(t, []string{agents.TagWeatherForecast}, cls.Tags)

	fail = true
	cls, err = c.Classify(context.Background(), "c1", msg)
	require.NoError(t, err)
	assert.Equal(t, "rules", cls.Source)
}

func TestRuleClassifierMultilingual(t *testing.T) {
	c := NewRuleClassifier(nil)
	cls, err := c.Classify(context.Background(), "c1", memory.Message{Text: "東京の天気は？"})
	require.NoError(t, err)
	assert.Equal(t, []string{agents.TagWeatherForecast}, cls.Tags)
}

func TestGraph(t *testing.T) {
	r := New(standardRegistry(t), nil, DefaultSettings(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "What's the timezone in Tokyo?"})
	require.NoError(t, err)

	g := Graph(plan)
	assert.Equal(t, 1, g.Version)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, []PlanEdge{{From: "s1", To: "s2", Kind: "needs"}}, g.Edges)
}

func TestSetSettingsAtRuntime(t *testing.T) {
	r := New(standardRegistry(t), nil, DefaultSettings(), zerolog.Nop())
	r.SetSettings(Settings{})
	assert.Equal(t, agents.TagGeneralReasoning, r.Settings().DefaultTag)
	assert.Empty(t, r.Settings().AlwaysRun)
}

func TestPlanFeedsLanguageToReasoning(t *testing.T) {
	r := New(standardRegistry(t), nil, withLanguage(), zerolog.Nop())
	plan, err := r.Plan(context.Background(), "c1", memory.Message{Text: "tell me a story"})
	require.NoError(t, err)

	assert.Equal(t, []string{agents.TagLanguageDetect, agents.TagGeneralReasoning}, tags(plan))
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
}

func TestHotelRulesNeedServingAgents(t *testing.T) {
	reg := standardRegistry(t)
	rules := append(DefaultRules(), HotelRules()...)
	c := NewRuleClassifier(rules).ServedBy(reg)
	msg := memory.Message{Text: "Any rooms available from 2030-03-10 to 2030-03-12, and how much is room 201?"}

	cls, err := c.Classify(context.Background(), "c1", msg)
	require.NoError(t, err)
	assert.Empty(t, cls.Tags)

	register(t, reg, "rooms", registry.HealthAvailable, nil, agents.TagRoomAvailability)
	register(t, reg, "rates", registry.HealthUnavailable, nil, agents.TagRoomCharge)
	cls, err = c.Classify(context.Background(), "c1", msg)
	require.NoError(t, err)
	assert.Equal(t, []string{agents.TagRoomAvailability, agents.TagRoomCharge}, cls.Tags)
}

func TestReconfigureSwapsTogether(t *testing.T) {
	reg := standardRegistry(t)
	r := New(reg, nil, DefaultSettings(), zerolog.Nop())

	err := r.Reconfigure(withLanguage(), func() error { return errors.New("rejected") })
	require.Error(t, err)
	assert.Empty(t, r.Settings().AlwaysRun)

	swapped := false
	require.NoError(t, r.Reconfigure(withLanguage(), func() error {
		swapped = true
		return nil
	}))
	assert.True(t, swapped)
	assert.Equal(t, []string{agents.TagLanguageDetect}, r.Settings().AlwaysRun)
}
