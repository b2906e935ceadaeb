package memory

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sizer estimates the budget cost of a piece of text.
type Sizer func(text string) int

// Digester condenses one Turn into a single summary line. It must be pure.
type Digester func(t Turn) string

// Extractor turns a load-bearing span into its working-context form.
type Extractor interface {
	Extract(f Fact) ExtractedFact
}

type ExtractorFunc func(f Fact) ExtractedFact

func (fn ExtractorFunc) Extract(f Fact) ExtractedFact { return fn(f) }

// Policy controls how a WorkingContext is derived from the log. Version must
// change whenever Digest changes, since checkpoints are keyed by it.
type Policy struct {
	Version     string
	Reserve     float64
	MaxVerbatim int
	Size        Sizer
	Digest      Digester
	Extract     Extractor
}

func DefaultPolicy() Policy {
	return Policy{
		Version: "digest-v1",
		Reserve: 0.25,
		Size:    EstimateTokens,
		Digest:  DigestTurn,
		Extract: KeyValueExtractor{},
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Version == "" {
		p.Version = def.Version
	}
	if p.Reserve < 0 || p.Reserve >= 1 {
		p.Reserve = def.Reserve
	}
	if p.Size == nil {
		p.Size = def.Size
	}
	if p.Digest == nil {
		p.Digest = def.Digest
	}
	if p.Extract == nil {
		p.Extract = def.Extract
	}
	return p
}

// EstimateTokens approximates tokens as a quarter of the rune count, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// RenderTurn is the verbatim form of a Turn inside a working context.
func RenderTurn(t Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[#%d %s] %s", t.Seq, roleOrUser(t.Inbound.Role), t.Inbound.Text)
	switch {
	case t.Outbound != nil:
		fmt.Fprintf(&b, "\n[#%d %s] %s", t.Seq, roleOrAgent(t.Outbound.Role), t.Outbound.Text)
	case t.Error != nil:
		fmt.Fprintf(&b, "\n[#%d failed] %s: %s", t.Seq, t.Error.Code, t.Error.Message)
	}
	return b.String()
}

const digestClip = 72

// DigestTurn keeps the gist of both sides of a Turn on one line.
func DigestTurn(t Turn) string {
	line := fmt.Sprintf("#%d asked %q", t.Seq, clip(t.Inbound.Text, digestClip))
	switch {
	case t.Outbound != nil:
		line += fmt.Sprintf(", answered %q", clip(t.Outbound.Text, digestClip))
	case t.Error != nil:
		line += fmt.Sprintf(", failed (%s)", t.Error.Code)
	}
	return line
}

var kvSeparators = []*regexp.Regexp{
	regexp.MustCompile(`^(.{1,48}?)\s*=\s*(.+)$`),
	regexp.MustCompile(`^(.{1,48}?)\s*:\s+(.+)$`),
	regexp.MustCompile(`(?i)^(.{1,48}?)\s+is\s+(.+)$`),
}

var keyNoise = regexp.MustCompile(`(?i)^(?:my|the|our|user's|users)\s+`)

// KeyValueExtractor lifts "X is Y", "X: Y" and "X = Y" spans into key/value
// pairs and keeps anything else verbatim.
type KeyValueExtractor struct{}

func (KeyValueExtractor) Extract(f Fact) ExtractedFact {
	text := strings.TrimSpace(f.Text)
	out := ExtractedFact{TurnSeq: f.TurnSeq, Text: text}
	for _, re := range kvSeparators {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(keyNoise.ReplaceAllString(strings.TrimSpace(m[1]), "")))
		value := strings.TrimRight(strings.TrimSpace(m[2]), ".!")
		if key == "" || value == "" {
			continue
		}
		out.Key = key
		out.Value = value
		return out
	}
	return out
}

func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}

func roleOrUser(r Role) Role {
	if r == "" {
		return RoleUser
	}
	return r
}

func roleOrAgent(r Role) Role {
	if r == "" {
		return RoleAgent
	}
	return r
}
