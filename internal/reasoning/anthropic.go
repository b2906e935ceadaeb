package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicAdapter streams replies from the Anthropic Messages API.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicAdapter(apiKey, model string, maxTokens int) *AnthropicAdapter {
	if strings.TrimSpace(model) == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(option.WithAPIKey(strings.TrimSpace(apiKey))),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
	}
}

func (a *AnthropicAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			text := ev.Delta.AsTextDelta().Text
			if text == "" {
				continue
			}
			out.WriteString(text)
			if onDelta != nil {
				if err := onDelta(text); err != nil {
					return MessageResponse{}, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return MessageResponse{}, fmt.Errorf("anthropic stream: %w", err)
	}
	return MessageResponse{Text: out.String()}, nil
}

func (a *AnthropicAdapter) buildParams(req MessageRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(req))),
		},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// userPrompt puts the working context ahead of the new message.
func userPrompt(req MessageRequest) string {
	if len(req.MemoryContext) == 0 {
		return req.InputText
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, line := range req.MemoryContext {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\nNew message:\n")
	b.WriteString(req.InputText)
	return b.String()
}
