package agents

import (
	"context"
	"errors"
)

// Capability tags served by the built-in agents.
const (
	TagGeoLookup        = "geo-lookup"
	TagGeoLookupOffline = "geo-lookup-offline"
	TagTimezoneResolve  = "timezone-resolve"
	TagWeatherForecast  = "weather-forecast"
	TagLanguageDetect   = "language-detect"
	TagGeneralReasoning = "general-reasoning"
	TagRoomAvailability = "room-availability"
	TagRoomCharge       = "room-charge"
)

var ErrNotFound = errors.New("not found")

// Request is everything one invocation sees. Inputs holds the outputs of the
// steps this one depends on, keyed by their capability tag. Instructions
// overrides an agent's default system prompt where it has one.
type Request struct {
	ConversationID string            `json:"conversation_id"`
	TurnID         string            `json:"turn_id"`
	StepID         string            `json:"step_id"`
	Tag            string            `json:"tag"`
	SenderID       string            `json:"sender_id,omitempty"`
	Text           string            `json:"text"`
	Instructions   string            `json:"instructions,omitempty"`
	Inputs         map[string]Output `json:"inputs,omitempty"`
	MemoryContext  []string          `json:"memory_context,omitempty"`
}

// Output is what an agent hands back. Facts are substrings of Text the agent
// considers durable. InternalOnly outputs are kept out of the composed reply.
type Output struct {
	Text         string            `json:"text"`
	Data         map[string]string `json:"data,omitempty"`
	Facts        []string          `json:"facts,omitempty"`
	InternalOnly bool              `json:"internal_only,omitempty"`
}

// Agent performs the work behind one or more capability tags.
type Agent interface {
	Invoke(ctx context.Context, req Request) (Output, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, req Request) (Output, error)

func (f Func) Invoke(ctx context.Context, req Request) (Output, error) { return f(ctx, req) }

// Input returns the first upstream output available for any of the tags.
func (r Request) Input(tags ...string) (Output, bool) {
	for _, tag := range tags {
		if out, ok := r.Inputs[tag]; ok {
			return out, true
		}
	}
	return Output{}, false
}
