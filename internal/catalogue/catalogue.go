package catalogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
)

var ErrInvalidCatalogue = errors.New("invalid catalogue")

// Agent kinds the factory knows how to build.
const (
	KindGazetteer = "gazetteer"
	KindNominatim = "nominatim"
	KindTimezone  = "timezone"
	KindWeather   = "weather"
	KindLanguage  = "language"
	KindReasoning = "reasoning"
	KindRooms     = "rooms"
	KindRoomRates = "room-rates"
)

// AgentSpec declares one agent. URL overrides the endpoint of HTTP-backed
// kinds; Source names the data file of table-backed kinds.
type AgentSpec struct {
	ID       string              `mapstructure:"id"`
	Kind     string              `mapstructure:"kind"`
	Tags     []string            `mapstructure:"tags"`
	Priority int                 `mapstructure:"priority"`
	Health   string              `mapstructure:"health"`
	Timeout  time.Duration       `mapstructure:"timeout"`
	Needs    map[string][]string `mapstructure:"needs"`
	URL      string              `mapstructure:"url"`
	Source   string              `mapstructure:"source"`
}

type RouterSpec struct {
	DefaultTag string            `mapstructure:"default_tag"`
	AlwaysRun  []string          `mapstructure:"always_run"`
	Fallbacks  map[string]string `mapstructure:"fallbacks"`
	Optional   []string          `mapstructure:"optional"`
}

// Catalogue is the declarative form of the capability registry plus the
// router knobs that travel with it.
type Catalogue struct {
	Router RouterSpec  `mapstructure:"router"`
	Agents []AgentSpec `mapstructure:"agents"`
}

// Load reads a catalogue file. The format follows the file extension.
func Load(path string) (Catalogue, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Catalogue{}, fmt.Errorf("reading catalogue %s: %w", path, err)
	}
	var c Catalogue
	if err := v.Unmarshal(&c); err != nil {
		return Catalogue{}, fmt.Errorf("unmarshaling catalogue %s: %w", path, err)
	}
	return c, nil
}

// Default is the built-in catalogue. With the nominatim geocoder the offline
// gazetteer only serves the fallback tag. A room table path adds the hotel
// agents.
func Default(geocoder, roomTable string) Catalogue {
	gazetteerTags := []string{agents.TagGeoLookup, agents.TagGeoLookupOffline}
	var extra []AgentSpec
	if strings.EqualFold(strings.TrimSpace(geocoder), KindNominatim) {
		gazetteerTags = []string{agents.TagGeoLookupOffline}
		extra = append(extra, AgentSpec{
			ID: "nominatim", Kind: KindNominatim, Tags: []string{agents.TagGeoLookup},
			Priority: 20, Timeout: 8 * time.Second,
		})
	}
	c := Catalogue{
		Router: RouterSpec{
			DefaultTag: agents.TagGeneralReasoning,
			Fallbacks:  map[string]string{agents.TagGeoLookup: agents.TagGeoLookupOffline},
			Optional:   []string{agents.TagLanguageDetect},
		},
		Agents: []AgentSpec{
			{ID: "gazetteer", Kind: KindGazetteer, Tags: gazetteerTags, Priority: 10, Timeout: time.Second},
			{
				ID: "timezone", Kind: KindTimezone, Tags: []string{agents.TagTimezoneResolve}, Priority: 10, Timeout: time.Second,
				Needs: map[string][]string{agents.TagTimezoneResolve: {agents.TagGeoLookup}},
			},
			{
				ID: "open-meteo", Kind: KindWeather, Tags: []string{agents.TagWeatherForecast}, Priority: 10, Timeout: 8 * time.Second,
				Needs: map[string][]string{agents.TagWeatherForecast: {agents.TagGeoLookup}},
			},
			{ID: "lingua", Kind: KindLanguage, Tags: []string{agents.TagLanguageDetect}, Priority: 10, Timeout: 2 * time.Second},
			{ID: "reasoning", Kind: KindReasoning, Tags: []string{agents.TagGeneralReasoning}, Priority: 10},
		},
	}
	if roomTable != "" {
		c.Agents = append(c.Agents,
			AgentSpec{ID: "rooms", Kind: KindRooms, Tags: []string{agents.TagRoomAvailability}, Priority: 10, Timeout: 5 * time.Second, Source: roomTable},
			AgentSpec{ID: "room-rates", Kind: KindRoomRates, Tags: []string{agents.TagRoomCharge}, Priority: 10, Timeout: 5 * time.Second, Source: roomTable},
		)
	}
	c.Agents = append(c.Agents, extra...)
	return c
}

// Settings converts the router section, starting from the router defaults.
func (c Catalogue) Settings() router.Settings {
	s := router.DefaultSettings()
	if tag := strings.TrimSpace(c.Router.DefaultTag); tag != "" {
		s.DefaultTag = tag
	}
	if len(c.Router.AlwaysRun) > 0 {
		s.AlwaysRun = append([]string(nil), c.Router.AlwaysRun...)
	}
	if c.Router.Fallbacks != nil {
		s.Fallbacks = make(map[string]string, len(c.Router.Fallbacks))
		for k, v := range c.Router.Fallbacks {
			s.Fallbacks[k] = v
		}
	}
	if c.Router.Optional != nil {
		s.Optional = make(map[string]bool, len(c.Router.Optional))
		for _, tag := range c.Router.Optional {
			s.Optional[tag] = true
		}
	}
	return s
}

// Descriptors builds every agent and returns registry descriptors in
// catalogue order.
func (c Catalogue) Descriptors(f *Factory) ([]registry.Descriptor, error) {
	out := make([]registry.Descriptor, 0, len(c.Agents))
	for _, spec := range c.Agents {
		agent, err := f.Build(spec)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.ID, err)
		}
		out = append(out, descriptor(spec, agent))
	}
	return out, nil
}

func descriptor(spec AgentSpec, agent agents.Agent) registry.Descriptor {
	return registry.Descriptor{
		ID:       spec.ID,
		Tags:     append([]string(nil), spec.Tags...),
		Priority: spec.Priority,
		Health:   registry.Health(strings.ToLower(strings.TrimSpace(spec.Health))),
		Needs:    spec.Needs,
		Timeout:  spec.Timeout,
		Agent:    agent,
	}
}

var placeholder = agents.Func(func(context.Context, agents.Request) (agents.Output, error) {
	return agents.Output{}, nil
})

// Validate checks the catalogue without building any agent: ids are unique,
// kinds are known, and the capability graph is acyclic. Router tags must be
// served by some agent.
func (c Catalogue) Validate() error {
	var problems []string
	seen := make(map[string]bool, len(c.Agents))
	served := make(map[string]bool)
	ds := make([]registry.Descriptor, 0, len(c.Agents))
	for i, spec := range c.Agents {
		id := strings.TrimSpace(spec.ID)
		switch {
		case id == "":
			problems = append(problems, fmt.Sprintf("agents[%d]: id is required", i))
			continue
		case seen[id]:
			problems = append(problems, fmt.Sprintf("agents[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = true
		if !knownKind(spec.Kind) {
			problems = append(problems, fmt.Sprintf("agent %s: unknown kind %q", id, spec.Kind))
		}
		if (spec.Kind == KindRooms || spec.Kind == KindRoomRates) && strings.TrimSpace(spec.Source) == "" {
			problems = append(problems, fmt.Sprintf("agent %s: kind %s needs a source", id, spec.Kind))
		}
		for _, tag := range spec.Tags {
			served[tag] = true
		}
		ds = append(ds, descriptor(spec, placeholder))
	}
	if len(problems) == 0 {
		if err := registry.New().Replace(ds); err != nil {
			return err
		}
	}

	s := c.Settings()
	if s.DefaultTag != "" && !served[s.DefaultTag] {
		problems = append(problems, fmt.Sprintf("router: default tag %q has no agent", s.DefaultTag))
	}
	for _, tag := range s.AlwaysRun {
		if !served[tag] {
			problems = append(problems, fmt.Sprintf("router: always-run tag %q has no agent", tag))
		}
	}
	fallbackTags := make([]string, 0, len(s.Fallbacks))
	for tag := range s.Fallbacks {
		fallbackTags = append(fallbackTags, tag)
	}
	sort.Strings(fallbackTags)
	for _, tag := range fallbackTags {
		if to := s.Fallbacks[tag]; !served[to] {
			problems = append(problems, fmt.Sprintf("router: fallback %s -> %s has no agent", tag, to))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCatalogue, strings.Join(problems, "; "))
	}
	return nil
}

func knownKind(kind string) bool {
	switch kind {
	case KindGazetteer, KindNominatim, KindTimezone, KindWeather, KindLanguage, KindReasoning, KindRooms, KindRoomRates:
		return true
	default:
		return false
	}
}
