package agents

import (
	"regexp"
	"strings"
)

var (
	placePreposition = regexp.MustCompile(`(?i)\b(?:in|at|for|of|near)\s+`)
	placeTerminator  = regexp.MustCompile(`[?!.,;:？！。、]`)
	placeFiller      = regexp.MustCompile(`(?i)\s+(?:today|tonight|tomorrow|now|right now|currently|please|this week)$`)
	fillerOnly       = map[string]bool{
		"today": true, "tonight": true, "tomorrow": true, "now": true,
		"me": true, "it": true, "there": true, "here": true, "the": true,
	}
)

// ExtractPlace pulls the place name out of phrases like "the weather in Paris
// today". The last preposition wins, so "the city of Lisbon" yields "Lisbon".
// It returns "" when nothing place-like follows a preposition.
func ExtractPlace(text string) string {
	preps := placePreposition.FindAllStringIndex(text, -1)
	for i := len(preps) - 1; i >= 0; i-- {
		segment := text[preps[i][1]:]
		if i+1 < len(preps) {
			segment = text[preps[i][1]:preps[i+1][0]]
		}
		if loc := placeTerminator.FindStringIndex(segment); loc != nil {
			segment = segment[:loc[0]]
		}
		place := strings.TrimSpace(segment)
		for {
			trimmed := placeFiller.ReplaceAllString(place, "")
			if trimmed == place {
				break
			}
			place = trimmed
		}
		place = strings.Trim(place, " '-")
		if len(place) > 4 && strings.EqualFold(place[:4], "the ") {
			place = strings.TrimSpace(place[4:])
		}
		if place == "" || fillerOnly[strings.ToLower(place)] {
			continue
		}
		return place
	}
	return ""
}
