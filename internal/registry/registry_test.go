package registry

import (
	"context"
	"testing"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noop = agents.Func(func(context.Context, agents.Request) (agents.Output, error) {
	return agents.Output{}, nil
})

func desc(id string, priority int, health Health, tags ...string) Descriptor {
	return Descriptor{ID: id, Tags: tags, Priority: priority, Health: health, Agent: noop}
}

func TestResolvePrefersPriorityThenHealth(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("slow", 1, HealthAvailable, "geo-lookup")))
	require.NoError(t, r.Register(desc("fast-degraded", 5, HealthDegraded, "geo-lookup")))
	require.NoError(t, r.Register(desc("fast", 5, HealthAvailable, "geo-lookup")))

	got, err := r.Resolve("geo-lookup")
	require.NoError(t, err)
	assert.Equal(t, "fast", got.ID)

	ids := []string{}
	for _, d := range r.ListByTag("geo-lookup") {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"fast", "fast-degraded", "slow"}, ids)

	require.True(t, r.Unregister("fast"))
	got, err = r.Resolve("geo-lookup")
	require.NoError(t, err)
	assert.Equal(t, "fast-degraded", got.ID, "degraded agent outranks a lower-priority available one")
}

func TestResolveSkipsUnavailable(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("a", 9, HealthUnavailable, "geo-lookup")))
	require.NoError(t, r.Register(desc("b", 1, HealthDegraded, "geo-lookup")))

	got, err := r.Resolve("geo-lookup")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	require.NoError(t, r.SetHealth("b", HealthUnavailable))
	_, err = r.Resolve("geo-lookup")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
}

func TestResolveUnknownTag(t *testing.T) {
	_, err := New().Resolve("nope")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
}

func TestRegisterIsIdempotentByID(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("geo", 1, HealthAvailable, "geo-lookup")))
	require.NoError(t, r.Register(desc("geo", 3, HealthAvailable, "geo-lookup-offline")))

	assert.Len(t, r.Descriptors(), 1)
	assert.Empty(t, r.ListByTag("geo-lookup"))
	got, ok := r.Get("geo")
	require.True(t, ok)
	assert.Equal(t, 3, got.Priority)
}

func TestRegisterRejectsCycles(t *testing.T) {
	r := New()
	tz := desc("tz", 1, HealthAvailable, "timezone-resolve")
	tz.Needs = map[string][]string{"timezone-resolve": {"geo-lookup"}}
	require.NoError(t, r.Register(tz))

	geo := desc("geo", 1, HealthAvailable, "geo-lookup")
	geo.Needs = map[string][]string{"geo-lookup": {"timezone-resolve"}}
	err := r.Register(geo)
	require.ErrorIs(t, err, ErrInvalidCapabilityGraph)
	assert.Contains(t, err.Error(), "->")

	_, ok := r.Get("geo")
	assert.False(t, ok, "rejected descriptor must not be registered")
	assert.Equal(t, []string{"geo-lookup"}, r.Needs("timezone-resolve"))
}

func TestRegisterRejectsSelfLoop(t *testing.T) {
	d := desc("loop", 1, HealthAvailable, "a")
	d.Needs = map[string][]string{"a": {"a"}}
	assert.ErrorIs(t, New().Register(d), ErrInvalidCapabilityGraph)
}

func TestRegisterValidatesDescriptor(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register(Descriptor{Tags: []string{"x"}, Agent: noop}), ErrInvalidDescriptor)
	assert.ErrorIs(t, r.Register(Descriptor{ID: "x", Agent: noop}), ErrInvalidDescriptor)
	assert.ErrorIs(t, r.Register(Descriptor{ID: "x", Tags: []string{"x"}}), ErrInvalidDescriptor)
	assert.ErrorIs(t, r.Register(desc("x", 0, "sleepy", "x")), ErrInvalidDescriptor)
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("keep", 1, HealthAvailable, "geo-lookup")))

	a := desc("a", 1, HealthAvailable, "x")
	a.Needs = map[string][]string{"x": {"y"}}
	b := desc("b", 1, HealthAvailable, "y")
	b.Needs = map[string][]string{"y": {"x"}}
	require.ErrorIs(t, r.Replace([]Descriptor{a, b}), ErrInvalidCapabilityGraph)

	_, ok := r.Get("keep")
	assert.True(t, ok)

	require.NoError(t, r.Replace([]Descriptor{a}))
	_, ok = r.Get("keep")
	assert.False(t, ok)
}

func TestReplaceKeepsHealthOverride(t *testing.T) {
	r := New()
	require.NoError(t, r.Replace([]Descriptor{
		desc("geo", 1, HealthAvailable, "geo-lookup"),
		desc("tz", 1, HealthAvailable, "timezone-resolve"),
	}))
	require.NoError(t, r.SetHealth("geo", HealthUnavailable))
	require.NoError(t, r.SetHealth("tz", HealthDegraded))

	// Same declared health for geo; tz is now declared unavailable.
	require.NoError(t, r.Replace([]Descriptor{
		desc("geo", 4, HealthAvailable, "geo-lookup"),
		desc("tz", 1, HealthUnavailable, "timezone-resolve"),
	}))
	geo, _ := r.Get("geo")
	assert.Equal(t, HealthUnavailable, geo.Health)
	assert.Equal(t, 4, geo.Priority)
	tz, _ := r.Get("tz")
	assert.Equal(t, HealthUnavailable, tz.Health)

	// Dropping an agent forgets its override.
	require.NoError(t, r.Replace([]Descriptor{desc("tz", 1, HealthUnavailable, "timezone-resolve")}))
	require.NoError(t, r.Replace([]Descriptor{desc("geo", 1, HealthAvailable, "geo-lookup")}))
	geo, _ = r.Get("geo")
	assert.Equal(t, HealthAvailable, geo.Health)
}

func TestSetHealthUnknownAgent(t *testing.T) {
	assert.ErrorIs(t, New().SetHealth("ghost", HealthDegraded), ErrAgentNotFound)
}

func TestUnregisterAndTags(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("a", 1, HealthAvailable, "geo-lookup", "geo-lookup-offline")))
	require.NoError(t, r.Register(desc("b", 1, HealthAvailable, "timezone-resolve")))
	assert.Equal(t, []string{"geo-lookup", "geo-lookup-offline", "timezone-resolve"}, r.Tags())

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, []string{"timezone-resolve"}, r.Tags())
}
