package policy

import (
	"regexp"
	"sort"
	"strings"
)

// FactRule recognises one kind of durable statement in user text.
type FactRule struct {
	Name    string
	Pattern *regexp.Regexp
	// Clause cuts the match at the first conjunction so "my name is Sam and
	// I live in Oslo" yields two facts.
	Clause bool
}

var clauseBreak = regexp.MustCompile(`(?i)\s+(?:and|but|so)\s+`)

// DefaultFactRules covers self-descriptions the assistant should never forget.
var DefaultFactRules = []FactRule{
	{Name: "name", Pattern: regexp.MustCompile(`(?i)\bmy name is\s+[^.,!?;\n]+`), Clause: true},
	{Name: "name", Pattern: regexp.MustCompile(`(?i)\bcall me\s+[^.,!?;\n]+`), Clause: true},
	{Name: "home", Pattern: regexp.MustCompile(`(?i)\bi live in\s+[^.,!?;\n]+`), Clause: true},
	{Name: "home", Pattern: regexp.MustCompile(`(?i)\bi(?:'m| am) from\s+[^.,!?;\n]+`), Clause: true},
	{Name: "timezone", Pattern: regexp.MustCompile(`(?i)\bmy (?:home )?time ?zone is\s+[^,!?;\n]+`), Clause: true},
	{Name: "preference", Pattern: regexp.MustCompile(`(?i)\bmy favou?rite\s+[a-z ]{1,30}?\s+is\s+[^.,!?;\n]+`), Clause: true},
	{Name: "note", Pattern: regexp.MustCompile(`(?i)\bremember that\s+[^.!?\n]+`)},
	{Name: "name", Pattern: regexp.MustCompile(`我叫[^，。！？,.!?\s]+`)},
	{Name: "home", Pattern: regexp.MustCompile(`我住在[^，。！？,.!?\s]+`)},
}

// DetectFacts returns the durable statements found in text, as substrings of
// text, in the order they appear.
func DetectFacts(text string, rules []FactRule) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if rules == nil {
		rules = DefaultFactRules
	}

	type hit struct {
		start int
		text  string
	}
	var hits []hit
	seen := make(map[string]bool)
	for _, rule := range rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if rule.Clause {
				if cut := clauseBreak.FindStringIndex(match); cut != nil {
					match = match[:cut[0]]
				}
			}
			match = strings.TrimRight(match, " \t'\"")
			if match == "" || seen[match] {
				continue
			}
			seen[match] = true
			hits = append(hits, hit{start: loc[0], text: match})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.text)
	}
	return out
}
