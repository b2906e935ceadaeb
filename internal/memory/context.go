package memory

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// foldBoundary returns how many of the oldest turns fall outside the verbatim
// tail for the given budget, and the size of that tail.
func foldBoundary(turns []Turn, p Policy, budget int) (int, int) {
	tailBudget := int(float64(budget) * (1 - p.Reserve))
	start := len(turns)
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if p.MaxVerbatim > 0 && len(turns)-i > p.MaxVerbatim {
			break
		}
		size := p.Size(RenderTurn(turns[i]))
		if used+size > tailBudget {
			break
		}
		used += size
		start = i
	}
	return start, used
}

// deriveWorkingContext is a pure function of the log, an optional checkpoint,
// the policy and the budget.
func deriveWorkingContext(conversationID string, turns []Turn, facts []Fact, cp *Checkpoint, p Policy, budget int) WorkingContext {
	boundary, tailSize := foldBoundary(turns, p, budget)
	folded := turns[:boundary]

	wc := WorkingContext{
		ConversationID: conversationID,
		Budget:         budget,
		Verbatim:       make([]Turn, 0, len(turns)-boundary),
		Facts:          extractFacts(facts, p),
	}
	for _, t := range turns[boundary:] {
		wc.Verbatim = append(wc.Verbatim, t.Clone())
	}

	factBlock := renderFacts(wc.Facts)
	digests := digestsFor(folded, cp, p)

	remaining := budget - tailSize - p.Size(factBlock)
	if len(folded) > 0 {
		wc.Summary.FromSeq = folded[0].Seq
		wc.Summary.ThroughSeq = folded[len(folded)-1].Seq
	}

	// Narrative detail is shed oldest first; facts never are.
	condensed := 0
	var narrative string
	for {
		narrative = renderNarrative(wc.Summary, digests[condensed:], condensed)
		if condensed >= len(digests) || p.Size(narrative) <= remaining {
			break
		}
		condensed++
	}
	wc.Summary.Condensed = condensed

	parts := make([]string, 0, 2)
	if narrative != "" {
		parts = append(parts, narrative)
	}
	if factBlock != "" {
		parts = append(parts, factBlock)
	}
	wc.Summary.Text = strings.Join(parts, "\n")

	wc.Size = tailSize + p.Size(wc.Summary.Text)
	wc.Overflow = wc.Size > budget
	wc.Fingerprint = fingerprint(wc)
	return wc
}

func digestsFor(folded []Turn, cp *Checkpoint, p Policy) []string {
	cached := map[int]string{}
	if cp != nil && cp.PolicyVersion == p.Version {
		for _, d := range cp.Digests {
			cached[d.Seq] = d.Text
		}
	}
	out := make([]string, len(folded))
	for i, t := range folded {
		if d, ok := cached[t.Seq]; ok {
			out[i] = d
			continue
		}
		out[i] = p.Digest(t)
	}
	return out
}

func renderNarrative(s Summary, digests []string, condensed int) string {
	if s.ThroughSeq == 0 {
		return ""
	}
	header := fmt.Sprintf("Summary of turns %d-%d:", s.FromSeq, s.ThroughSeq)
	if condensed > 0 {
		header = fmt.Sprintf("Summary of turns %d-%d (%d earliest condensed):", s.FromSeq, s.ThroughSeq, condensed)
	}
	if len(digests) == 0 {
		return header
	}
	return header + "\n" + strings.Join(digests, "\n")
}

func extractFacts(facts []Fact, p Policy) []ExtractedFact {
	sorted := make([]Fact, len(facts))
	copy(sorted, facts)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.TurnSeq != b.TurnSeq {
			return a.TurnSeq < b.TurnSeq
		}
		if a.Span.Field != b.Span.Field {
			return a.Span.Field < b.Span.Field
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.Span.End < b.Span.End
	})

	out := make([]ExtractedFact, 0, len(sorted))
	seen := make(map[string]struct{}, len(sorted))
	for _, f := range sorted {
		ef := p.Extract.Extract(f)
		key := fmt.Sprintf("%d\x00%s\x00%s\x00%s", ef.TurnSeq, ef.Key, ef.Value, ef.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ef)
	}
	return out
}

func renderFacts(facts []ExtractedFact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Facts:")
	for _, f := range facts {
		if f.Key != "" {
			fmt.Fprintf(&b, "\n- %s = %s (turn %d)", f.Key, f.Value, f.TurnSeq)
			continue
		}
		fmt.Fprintf(&b, "\n- %q (turn %d)", f.Text, f.TurnSeq)
	}
	return b.String()
}

func fingerprint(wc WorkingContext) string {
	wc.Fingerprint = ""
	raw, err := json.Marshal(wc)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Lines renders the context as prompt lines, oldest first.
func (wc WorkingContext) Lines() []string {
	out := make([]string, 0, len(wc.Verbatim)+1)
	if wc.Summary.Text != "" {
		out = append(out, wc.Summary.Text)
	}
	for _, t := range wc.Verbatim {
		out = append(out, RenderTurn(t))
	}
	return out
}
