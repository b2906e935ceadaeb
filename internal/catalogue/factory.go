package catalogue

import (
	"fmt"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/reasoning"
)

// Factory builds concrete agents for catalogue entries. Agents that share
// state, like the gazetteer, are built once and reused.
type Factory struct {
	Gazetteer         *agents.Gazetteer
	Reasoning         reasoning.Adapter
	Persona           string
	NominatimURL      string
	OpenMeteoURL      string
	LanguageThreshold float64

	language *agents.LanguageAgent
}

func (f *Factory) Build(spec AgentSpec) (agents.Agent, error) {
	if f.Gazetteer == nil {
		f.Gazetteer = agents.NewGazetteer(nil)
	}
	switch spec.Kind {
	case KindGazetteer:
		return agents.NewGazetteerAgent(f.Gazetteer), nil
	case KindNominatim:
		return agents.NewNominatimAgent(firstNonEmpty(spec.URL, f.NominatimURL, agents.DefaultNominatimURL)), nil
	case KindTimezone:
		return agents.NewTimezoneAgent(f.Gazetteer), nil
	case KindWeather:
		return agents.NewWeatherAgent(firstNonEmpty(spec.URL, f.OpenMeteoURL, agents.DefaultOpenMeteoURL)), nil
	case KindLanguage:
		// The detector holds large language models in memory.
		if f.language == nil {
			f.language = agents.NewLanguageAgent(f.LanguageThreshold)
		}
		return f.language, nil
	case KindRooms, KindRoomRates:
		if spec.Source == "" {
			return nil, fmt.Errorf("%w: kind %s needs a source", ErrInvalidCatalogue, spec.Kind)
		}
		// Reread on every build so a catalogue reload picks up table edits.
		table, err := LoadRoomTable(spec.Source)
		if err != nil {
			return nil, err
		}
		if spec.Kind == KindRooms {
			return agents.NewRoomAvailabilityAgent(table), nil
		}
		return agents.NewRoomChargeAgent(table), nil
	case KindReasoning:
		adapter := f.Reasoning
		if spec.URL != "" {
			adapter = reasoning.NewHTTPAdapter(spec.URL)
		}
		if adapter == nil {
			adapter = reasoning.NewMockAdapter()
		}
		return agents.NewReasoningAgent(adapter, f.Persona), nil
	default:
		return nil, fmt.Errorf("%w: unknown agent kind %q", ErrInvalidCatalogue, spec.Kind)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
