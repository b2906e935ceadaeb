package reasoning

import (
	"context"
	"strings"
)

const (
	agentResultsHeader = "Agent results:"
	maxRecalledFacts   = 3
)

// MockAdapter is the offline collaborator. It restates the request, relays
// agent results and recalls facts from the working context, word by word.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	text := offlineReply(req)
	if onDelta != nil {
		for i, word := range strings.SplitAfter(text, " ") {
			if i%16 == 0 {
				if err := ctx.Err(); err != nil {
					return MessageResponse{}, err
				}
			}
			if err := onDelta(word); err != nil {
				return MessageResponse{}, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return MessageResponse{}, err
	}
	return MessageResponse{Text: text}, nil
}

func offlineReply(req MessageRequest) string {
	question, results, _ := strings.Cut(req.InputText, agentResultsHeader)
	question = strings.TrimSpace(question)
	if question == "" {
		question = "(nothing yet)"
	}

	lines := []string{"Offline reply to: " + question}
	if results = strings.TrimSpace(results); results != "" {
		lines = append(lines, "From the other agents:\n"+results)
	}
	if facts := recallFacts(req.MemoryContext); len(facts) > 0 {
		lines = append(lines, "I remember: "+strings.Join(facts, "; "))
	}
	return strings.Join(lines, "\n")
}

// recallFacts picks the newest bullet lines of the working context.
func recallFacts(memory []string) []string {
	var facts []string
	for i := len(memory) - 1; i >= 0 && len(facts) < maxRecalledFacts; i-- {
		block := strings.Split(memory[i], "\n")
		for j := len(block) - 1; j >= 0 && len(facts) < maxRecalledFacts; j-- {
			if line := strings.TrimSpace(block[j]); strings.HasPrefix(line, "- ") {
				facts = append(facts, strings.TrimPrefix(line, "- "))
			}
		}
	}
	return facts
}
