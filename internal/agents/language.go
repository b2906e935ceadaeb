package agents

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pemistahl/lingua-go"
)

const (
	DefaultLanguageThreshold = 0.7
	UnknownLanguage          = "Unknown"
)

// LanguageAgent serves language-detect. Its output is internal: the detected
// language lands in the inbound payload, not in the reply.
type LanguageAgent struct {
	languages []lingua.Language
	threshold float64

	once     sync.Once
	detector lingua.LanguageDetector
}

func NewLanguageAgent(threshold float64, languages ...lingua.Language) *LanguageAgent {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultLanguageThreshold
	}
	if len(languages) == 0 {
		languages = []lingua.Language{lingua.English, lingua.Chinese, lingua.Japanese}
	}
	return &LanguageAgent{languages: languages, threshold: threshold}
}

// Detect returns the language name, or Unknown when confidence is below the threshold.
func (a *LanguageAgent) Detect(text string) (string, float64) {
	a.once.Do(func() {
		a.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(a.languages...).
			Build()
	})
	text = strings.TrimSpace(text)
	if text == "" {
		return UnknownLanguage, 0
	}
	values := a.detector.ComputeLanguageConfidenceValues(text)
	if len(values) == 0 {
		return UnknownLanguage, 0
	}
	best := values[0]
	if best.Value() < a.threshold {
		return UnknownLanguage, best.Value()
	}
	return best.Language().String(), best.Value()
}

func (a *LanguageAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	lang, confidence := a.Detect(req.Text)
	return Output{
		Text: lang,
		Data: map[string]string{
			"language":   lang,
			"confidence": strconv.FormatFloat(confidence, 'f', 2, 64),
		},
		InternalOnly: true,
	}, nil
}
