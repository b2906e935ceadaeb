package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/reasoning"
	"github.com/antoniostano/delegator/internal/registry"
)

// Classification is the set of capabilities a message needs, in the order
// they were recognised.
type Classification struct {
	Tags   []string
	Source string
}

type Classifier interface {
	Classify(ctx context.Context, conversationID string, msg memory.Message) (Classification, error)
}

// Rule maps a text pattern to the capabilities it implies.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Tags    []string
}

func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "timezone",
			Pattern: regexp.MustCompile(`(?i)\b(?:time ?zones?|what time|local time|time (?:is it )?(?:in|at)|clock in)\b|時間|時差|タイムゾーン|时区|几点`),
			Tags:    []string{agents.TagTimezoneResolve},
		},
		{
			Name:    "weather",
			Pattern: regexp.MustCompile(`(?i)\b(?:weather|forecast|temperature|raining|snowing|sunny|umbrella)\b|天気|天气|気温|气温`),
			Tags:    []string{agents.TagWeatherForecast},
		},
		{
			Name:    "location",
			Pattern: regexp.MustCompile(`(?i)\b(?:where is|locate|coordinates (?:of|for)|location of)\b|どこ|在哪`),
			Tags:    []string{agents.TagGeoLookup},
		},
	}
}

// HotelRules recognise room availability and room charge questions.
func HotelRules() []Rule {
	return []Rule{
		{
			Name:    "room-availability",
			Pattern: regexp.MustCompile(`(?i)\b(?:availab(?:le|ility)|vacanc(?:y|ies)|free rooms?|any rooms?|book(?:ing)? a room)\b|空室|空房|有房`),
			Tags:    []string{agents.TagRoomAvailability},
		},
		{
			Name:    "room-charge",
			Pattern: regexp.MustCompile(`(?i)\b(?:how much|price|rates?|charge|cost)\b.*\brooms?\b|\brooms?\b.*\b(?:how much|price|rates?|charge|cost)\b|房费|多少钱|料金`),
			Tags:    []string{agents.TagRoomCharge},
		},
	}
}

// RuleClassifier matches keyword rules. An empty result means no specialised
// capability is needed.
type RuleClassifier struct {
	rules  []Rule
	served *registry.Registry
}

func NewRuleClassifier(rules []Rule) *RuleClassifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RuleClassifier{rules: rules}
}

// ServedBy drops matched tags that no agent in reg declares, so rules for
// capabilities absent from the catalogue fall through to the default.
func (c *RuleClassifier) ServedBy(reg *registry.Registry) *RuleClassifier {
	c.served = reg
	return c
}

func (c *RuleClassifier) Classify(_ context.Context, _ string, msg memory.Message) (Classification, error) {
	text := strings.TrimSpace(msg.Text)
	out := Classification{Source: "rules"}
	if text == "" {
		return out, nil
	}
	seen := map[string]bool{}
	for _, rule := range c.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		for _, tag := range rule.Tags {
			if c.served != nil && len(c.served.ListByTag(tag)) == 0 {
				continue
			}
			if !seen[tag] {
				seen[tag] = true
				out.Tags = append(out.Tags, tag)
			}
		}
	}
	return out, nil
}

// ReasoningClassifier delegates classification to the general-reasoning
// capability as an ordinary sub-call, and falls back when the reply names no
// known tag or the call fails.
type ReasoningClassifier struct {
	registry *registry.Registry
	fallback Classifier
	timeout  time.Duration
}

func NewReasoningClassifier(reg *registry.Registry, fallback Classifier, timeout time.Duration) *ReasoningClassifier {
	if fallback == nil {
		fallback = NewRuleClassifier(nil)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReasoningClassifier{registry: reg, fallback: fallback, timeout: timeout}
}

func (c *ReasoningClassifier) Classify(ctx context.Context, conversationID string, msg memory.Message) (Classification, error) {
	desc, err := c.registry.Resolve(agents.TagGeneralReasoning)
	if err != nil {
		return c.fallback.Classify(ctx, conversationID, msg)
	}
	candidates := c.candidateTags()
	if len(candidates) == 0 {
		return Classification{Source: "reasoning"}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := desc.Agent.Invoke(callCtx, agents.Request{
		ConversationID: conversationID,
		Tag:            agents.TagGeneralReasoning,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Instructions:   fmt.Sprintf(reasoning.ClassifierPrompt, strings.Join(candidates, ", ")),
	})
	if err != nil {
		return c.fallback.Classify(ctx, conversationID, msg)
	}

	tags, none := parseTags(out.Text, candidates)
	if none {
		return Classification{Source: "reasoning"}, nil
	}
	if len(tags) == 0 {
		return c.fallback.Classify(ctx, conversationID, msg)
	}
	return Classification{Tags: tags, Source: "reasoning"}, nil
}

func (c *ReasoningClassifier) candidateTags() []string {
	var out []string
	for _, tag := range c.registry.Tags() {
		switch tag {
		case agents.TagGeneralReasoning, agents.TagLanguageDetect, agents.TagGeoLookupOffline:
			continue
		}
		out = append(out, tag)
	}
	return out
}

var tagSplit = regexp.MustCompile(`[\s,;]+`)

// parseTags keeps the known tags named in reply, in reply order. none reports
// an explicit "none" answer.
func parseTags(reply string, known []string) ([]string, bool) {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, tok := range tagSplit.Split(strings.ToLower(reply), -1) {
		tok = strings.Trim(tok, "\"'`.[]")
		if tok == "none" && len(out) == 0 {
			return nil, true
		}
		if allowed[tok] && !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out, false
}
