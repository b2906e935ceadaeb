package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/registry"
)

var ErrUnroutablePlan = errors.New("unroutable plan")

// Settings are the routing knobs that can change at runtime.
type Settings struct {
	// Fallbacks maps a tag to the tag substituted when no healthy agent serves it.
	Fallbacks map[string]string
	// Optional tags may be dropped when unroutable and skipped when they fail.
	Optional map[string]bool
	// DefaultTag handles messages that need no specialised capability.
	DefaultTag string
	// AlwaysRun tags are planned on every turn as optional internal steps
	// ahead of everything else. Every other step consumes their output.
	AlwaysRun []string
}

func DefaultSettings() Settings {
	return Settings{
		Fallbacks:  map[string]string{agents.TagGeoLookup: agents.TagGeoLookupOffline},
		Optional:   map[string]bool{agents.TagLanguageDetect: true},
		DefaultTag: agents.TagGeneralReasoning,
	}
}

// Router turns a message into an ordered Plan.
type Router struct {
	registry   *registry.Registry
	classifier Classifier
	settings   atomic.Pointer[Settings]
	// reconfig orders Reconfigure against the routing half of Plan.
	reconfig sync.RWMutex
	logger   zerolog.Logger
}

func New(reg *registry.Registry, classifier Classifier, settings Settings, logger zerolog.Logger) *Router {
	if classifier == nil {
		classifier = NewRuleClassifier(nil)
	}
	r := &Router{
		registry:   reg,
		classifier: classifier,
		logger:     logger.With().Str("component", "router").Logger(),
	}
	r.SetSettings(settings)
	return r
}

func (r *Router) SetSettings(s Settings) {
	if s.DefaultTag == "" {
		s.DefaultTag = agents.TagGeneralReasoning
	}
	r.settings.Store(&s)
}

func (r *Router) Settings() Settings {
	return *r.settings.Load()
}

// Reconfigure runs swap, usually a registry replacement, and then stores s.
// A Plan sees either the old registry and settings or the new ones, never a
// mix. Settings are left alone when swap fails.
func (r *Router) Reconfigure(s Settings, swap func() error) error {
	r.reconfig.Lock()
	defer r.reconfig.Unlock()
	if swap != nil {
		if err := swap(); err != nil {
			return err
		}
	}
	r.SetSettings(s)
	return nil
}

type pendingStep struct {
	tag      string
	resolved string
	agentID  string
	needs    []string
	optional bool
	internal bool
	order    int
}

// Plan classifies msg, resolves every needed capability and orders the steps
// so each runs after the steps whose output it consumes.
func (r *Router) Plan(ctx context.Context, conversationID string, msg memory.Message) (memory.Plan, error) {
	cls, err := r.classifier.Classify(ctx, conversationID, msg)
	if err != nil {
		r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("classification failed, using default capability")
		cls = Classification{Source: "default"}
	}

	r.reconfig.RLock()
	defer r.reconfig.RUnlock()
	settings := r.Settings()
	requested := cls.Tags
	if len(requested) == 0 {
		requested = []string{settings.DefaultTag}
	}

	steps := map[string]*pendingStep{}
	var order []string
	var add func(tag string, internal, optional bool) error
	add = func(tag string, internal, optional bool) error {
		if s, ok := steps[tag]; ok {
			s.internal = s.internal && internal
			s.optional = s.optional && optional
			return nil
		}
		resolved, desc, err := r.resolve(tag, settings)
		if err != nil {
			if optional {
				r.logger.Info().Str("conversation_id", conversationID).Str("tag", tag).Err(err).Msg("dropping optional step")
				return nil
			}
			return fmt.Errorf("%w: %s: %w", ErrUnroutablePlan, tag, err)
		}
		s := &pendingStep{
			tag:      tag,
			resolved: resolved,
			agentID:  desc.ID,
			optional: optional,
			internal: internal,
			order:    len(order),
		}
		steps[tag] = s
		order = append(order, tag)

		for _, need := range r.needsOf(tag, resolved) {
			if err := add(need, true, optional || settings.Optional[need]); err != nil {
				return err
			}
			if _, ok := steps[need]; ok {
				s.needs = append(s.needs, need)
			}
		}
		return nil
	}

	always := make(map[string]bool, len(settings.AlwaysRun))
	for _, tag := range settings.AlwaysRun {
		if err := add(tag, true, true); err != nil {
			return memory.Plan{}, err
		}
		if _, ok := steps[tag]; ok {
			always[tag] = true
		}
	}
	prefix := len(order)
	for _, tag := range requested {
		if err := add(tag, false, settings.Optional[tag]); err != nil {
			return memory.Plan{}, err
		}
	}
	if !hasVisibleStep(steps) && settings.DefaultTag != "" {
		if err := add(settings.DefaultTag, false, false); err != nil {
			return memory.Plan{}, err
		}
		steps[settings.DefaultTag].internal = false
	}

	for _, tag := range order[prefix:] {
		s := steps[tag]
		for _, a := range settings.AlwaysRun {
			if always[a] && !contains(s.needs, a) {
				s.needs = append(s.needs, a)
			}
		}
	}

	ordered, err := topoOrder(steps, order)
	if err != nil {
		return memory.Plan{}, err
	}
	if len(ordered) == 0 {
		return memory.Plan{}, fmt.Errorf("%w: every requested capability was optional and unavailable", ErrUnroutablePlan)
	}

	ids := make(map[string]string, len(ordered))
	for i, s := range ordered {
		ids[s.tag] = "s" + strconv.Itoa(i+1)
	}
	plan := memory.Plan{Classifier: cls.Source, Steps: make([]memory.PlanStep, 0, len(ordered))}
	for _, s := range ordered {
		step := memory.PlanStep{
			ID:       ids[s.tag],
			Tag:      s.resolved,
			AgentID:  s.agentID,
			Input:    msg.Text,
			Optional: s.optional,
			Internal: s.internal,
		}
		if s.resolved != s.tag {
			step.FallbackFor = s.tag
		}
		for _, need := range s.needs {
			step.DependsOn = append(step.DependsOn, ids[need])
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func hasVisibleStep(steps map[string]*pendingStep) bool {
	for _, s := range steps {
		if !s.internal {
			return true
		}
	}
	return false
}

// resolve finds an agent for tag, substituting the configured fallback tag
// when the registry has no healthy agent for it.
func (r *Router) resolve(tag string, settings Settings) (string, registry.Descriptor, error) {
	desc, err := r.registry.Resolve(tag)
	if err == nil {
		return tag, desc, nil
	}
	fb := settings.Fallbacks[tag]
	if fb == "" || fb == tag {
		return "", registry.Descriptor{}, err
	}
	fbDesc, fbErr := r.registry.Resolve(fb)
	if fbErr != nil {
		return "", registry.Descriptor{}, fmt.Errorf("%w; fallback %s: %v", err, fb, fbErr)
	}
	r.logger.Warn().Str("tag", tag).Str("fallback", fb).Str("agent_id", fbDesc.ID).Msg("substituting fallback capability")
	return fb, fbDesc, nil
}

func (r *Router) needsOf(tag, resolved string) []string {
	needs := r.registry.Needs(tag)
	if resolved != tag {
		needs = append(needs, r.registry.Needs(resolved)...)
	}
	seen := map[string]bool{}
	out := needs[:0:0]
	for _, n := range needs {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// topoOrder is Kahn's algorithm, breaking ties by discovery order so plans are
// stable for the same input.
func topoOrder(steps map[string]*pendingStep, order []string) ([]*pendingStep, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, tag := range order {
		s := steps[tag]
		indegree[tag] += 0
		for _, need := range s.needs {
			indegree[tag]++
			dependents[need] = append(dependents[need], tag)
		}
	}

	var ready []string
	for _, tag := range order {
		if indegree[tag] == 0 {
			ready = append(ready, tag)
		}
	}
	out := make([]*pendingStep, 0, len(steps))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return steps[ready[i]].order < steps[ready[j]].order })
		tag := ready[0]
		ready = ready[1:]
		out = append(out, steps[tag])
		for _, dep := range dependents[tag] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(out) != len(steps) {
		return nil, fmt.Errorf("%w: capability dependency cycle", ErrUnroutablePlan)
	}
	return out, nil
}
