package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antoniostano/delegator/internal/reasoning"
)

// ReasoningAgent serves general-reasoning through a reasoning.Adapter.
type ReasoningAgent struct {
	adapter reasoning.Adapter
	persona string
}

func NewReasoningAgent(adapter reasoning.Adapter, persona string) *ReasoningAgent {
	if strings.TrimSpace(persona) == "" {
		persona = reasoning.DefaultPersona
	}
	return &ReasoningAgent{adapter: adapter, persona: persona}
}

func (a *ReasoningAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	system := a.persona
	if strings.TrimSpace(req.Instructions) != "" {
		system = req.Instructions
	}
	if lang, ok := req.Input(TagLanguageDetect); ok {
		if l := lang.Data["language"]; l != "" && l != UnknownLanguage {
			system += fmt.Sprintf("\nThe user is writing in %s.", l)
		}
	}

	resp, err := a.adapter.StreamResponse(ctx, reasoning.MessageRequest{
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		SenderID:       req.SenderID,
		InputText:      withAgentResults(req),
		MemoryContext:  req.MemoryContext,
		System:         system,
	}, nil)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: strings.TrimSpace(resp.Text)}, nil
}

func withAgentResults(req Request) string {
	tags := make([]string, 0, len(req.Inputs))
	for tag, out := range req.Inputs {
		if out.InternalOnly || strings.TrimSpace(out.Text) == "" {
			continue
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return req.Text
	}
	sort.Strings(tags)
	var b strings.Builder
	b.WriteString(req.Text)
	b.WriteString("\n\nAgent results:")
	for _, tag := range tags {
		fmt.Fprintf(&b, "\n- %s: %s", tag, req.Inputs[tag].Text)
	}
	return b.String()
}
