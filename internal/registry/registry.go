package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/delegator/internal/agents"
)

var (
	ErrCapabilityUnavailable  = errors.New("capability unavailable")
	ErrInvalidCapabilityGraph = errors.New("invalid capability graph")
	ErrAgentNotFound          = errors.New("agent not found")
	ErrInvalidDescriptor      = errors.New("invalid agent descriptor")
)

type Health string

const (
	HealthAvailable   Health = "available"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

func (h Health) Valid() bool {
	switch h {
	case HealthAvailable, HealthDegraded, HealthUnavailable:
		return true
	}
	return false
}

func (h Health) rank() int {
	switch h {
	case HealthAvailable:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// Descriptor describes one agent. Needs maps a tag this agent serves to the
// tags whose output it consumes for that tag.
type Descriptor struct {
	ID       string              `json:"id"`
	Tags     []string            `json:"tags"`
	Priority int                 `json:"priority"`
	Health   Health              `json:"health"`
	Needs    map[string][]string `json:"needs,omitempty"`
	Timeout  time.Duration       `json:"timeout,omitempty"`
	Agent    agents.Agent        `json:"-"`
}

func (d Descriptor) Supports(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (d Descriptor) clone() Descriptor {
	d.Tags = append([]string(nil), d.Tags...)
	if d.Needs != nil {
		needs := make(map[string][]string, len(d.Needs))
		for k, v := range d.Needs {
			needs[k] = append([]string(nil), v...)
		}
		d.Needs = needs
	}
	return d
}

// Registry is the capability catalogue. It is safe for concurrent use.
//
// Health set through SetHealth is an override on top of the declared health.
// It survives Replace as long as the agent keeps its id and declared health.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	declared    map[string]Health
	overrides   map[string]Health
}

func New() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		declared:    make(map[string]Health),
		overrides:   make(map[string]Health),
	}
}

// Register adds or replaces the descriptor with the same ID. A descriptor whose
// Needs would close a cycle in the capability graph is rejected.
func (r *Registry) Register(d Descriptor) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if len(d.Tags) == 0 {
		return fmt.Errorf("%w: %s has no tags", ErrInvalidDescriptor, d.ID)
	}
	if d.Agent == nil {
		return fmt.Errorf("%w: %s has no agent", ErrInvalidDescriptor, d.ID)
	}
	if d.Health == "" {
		d.Health = HealthAvailable
	}
	if !d.Health.Valid() {
		return fmt.Errorf("%w: %s has unknown health %q", ErrInvalidDescriptor, d.ID, d.Health)
	}
	for tag := range d.Needs {
		if !d.Supports(tag) {
			return fmt.Errorf("%w: %s declares needs for unsupported tag %q", ErrInvalidDescriptor, d.ID, tag)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Descriptor, len(r.descriptors)+1)
	for id, existing := range r.descriptors {
		next[id] = existing
	}
	next[d.ID] = d.clone()
	if cycle := findCycle(needsGraph(next)); cycle != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCapabilityGraph, strings.Join(cycle, " -> "))
	}
	r.descriptors = next
	r.declared[d.ID] = d.Health
	delete(r.overrides, d.ID)
	return nil
}

// Replace swaps the whole catalogue at once, validating it as a unit. Health
// overrides carry over unless the new catalogue changes that agent's declared
// health or drops the agent.
func (r *Registry) Replace(ds []Descriptor) error {
	staged := New()
	for _, d := range ds {
		if err := staged.Register(d); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	overrides := make(map[string]Health, len(r.overrides))
	for id, health := range r.overrides {
		d, ok := staged.descriptors[id]
		if !ok || staged.declared[id] != r.declared[id] {
			continue
		}
		d.Health = health
		staged.descriptors[id] = d
		overrides[id] = health
	}
	r.descriptors = staged.descriptors
	r.declared = staged.declared
	r.overrides = overrides
	return nil
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[id]; !ok {
		return false
	}
	delete(r.descriptors, id)
	delete(r.declared, id)
	delete(r.overrides, id)
	return true
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

func (r *Registry) SetHealth(id string, health Health) error {
	if !health.Valid() {
		return fmt.Errorf("%w: unknown health %q", ErrInvalidDescriptor, health)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	d.Health = health
	r.descriptors[id] = d
	r.overrides[id] = health
	return nil
}

// ListByTag returns every agent supporting tag, best first: priority
// descending, then health, then ID.
func (r *Registry) ListByTag(tag string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, d := range r.descriptors {
		if d.Supports(tag) {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Health.rank() != b.Health.rank() {
			return a.Health.rank() < b.Health.rank()
		}
		return a.ID < b.ID
	})
	return out
}

// Resolve picks the best agent for tag that is not unavailable. Priority
// wins over health, so a degraded agent beats a lower-priority available one.
func (r *Registry) Resolve(tag string) (Descriptor, error) {
	candidates := r.ListByTag(tag)
	for _, d := range candidates {
		if d.Health != HealthUnavailable {
			return d, nil
		}
	}
	if len(candidates) == 0 {
		return Descriptor{}, fmt.Errorf("%w: no agent supports %q", ErrCapabilityUnavailable, tag)
	}
	return Descriptor{}, fmt.Errorf("%w: all %d agents for %q are unavailable", ErrCapabilityUnavailable, len(candidates), tag)
}

// Needs returns the union of tags any registered agent declares tag depends on.
func (r *Registry) Needs(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return needsGraph(r.descriptors)[tag]
}

// Descriptors lists every registered agent ordered by ID.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tags lists every tag at least one agent supports.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, d := range r.descriptors {
		for _, t := range d.Tags {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
