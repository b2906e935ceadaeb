package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MessageRequest is the normalized request sent to a reasoning engine.
type MessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	TurnID         string   `json:"turn_id"`
	SenderID       string   `json:"sender_id,omitempty"`
	InputText      string   `json:"input_text"`
	MemoryContext  []string `json:"memory_context,omitempty"`
	System         string   `json:"system,omitempty"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter bridges the delegator with a language-model backend.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode             string
	HTTPURL          string
	HTTPStreamStrict bool
	AnthropicAPIKey  string
	AnthropicModel   string
	MaxTokens        int
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic api key is required for anthropic mode")
		}
		return NewAnthropicAdapter(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("reasoning HTTP url is required for http mode")
		}
		return NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning adapter mode %q", cfg.Mode)
	}
}

// newAutoAdapter prefers Anthropic, then the HTTP endpoint, then the mock.
// When both remote backends are configured the HTTP one backs up Anthropic.
func newAutoAdapter(cfg Config) Adapter {
	var chain []Adapter
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		chain = append(chain, NewAnthropicAdapter(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict))
	}
	switch len(chain) {
	case 0:
		return NewMockAdapter()
	case 1:
		return chain[0]
	default:
		return NewFallbackAdapter(chain[0], chain[1])
	}
}

// ModeName reports which backend an adapter talks to, for logs and /readyz.
func ModeName(a Adapter) string {
	switch v := a.(type) {
	case *AnthropicAdapter:
		return "anthropic"
	case *HTTPAdapter:
		return "http"
	case *MockAdapter:
		return "mock"
	case *FallbackAdapter:
		return ModeName(v.Primary()) + "+" + ModeName(v.Secondary())
	default:
		return "custom"
	}
}
