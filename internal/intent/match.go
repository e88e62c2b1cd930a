package intent

import (
	"regexp"
	"strings"
)

// DefaultPhrases are lower-case markers of an agent reading out listings.
var DefaultPhrases = []string{
	"here are some properties",
	"here are a few properties",
	"here are some listings",
	"bedroom apartment in",
	"bedroom villa in",
	"with a price of $",
	"priced at $",
}

// Predicate reports whether finalized agent text is listing-style speech.
type Predicate interface {
	Match(text string) bool
}

type PhraseMatcher struct {
	phrases []string
}

func NewPhraseMatcher(phrases ...string) *PhraseMatcher {
	m := &PhraseMatcher{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	return m
}

func (m *PhraseMatcher) Match(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// locationPattern captures a run of capitalized words after "in", optionally
// skipping "the".
var locationPattern = regexp.MustCompile(`\b[Ii]n\s+(?:the\s+)?([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*)*)`)

var notPlaces = map[string]struct{}{
	"AED": {},
	"USD": {},
	"EUR": {},
}

// ExtractLocation returns the first capitalized place name introduced by
// "in", or "" when there is none.
func ExtractLocation(text string) string {
	for _, m := range locationPattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if _, skip := notPlaces[candidate]; skip {
			continue
		}
		return candidate
	}
	return ""
}
