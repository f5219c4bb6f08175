package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	headlineMaxWords  = 20
	headlineMaxChars  = 140
	noSummaryHeadline = "No summary available"
)

var sentenceEnd = regexp.MustCompile(`[.!?]\s`)

// BuildHeadline takes the first sentence of body, capped at 20 words or 140
// characters.
func BuildHeadline(body string) string {
	cleaned := strings.Join(strings.Fields(strings.ReplaceAll(body, "*", " ")), " ")
	if cleaned == "" {
		return noSummaryHeadline
	}

	first := cleaned
	if loc := sentenceEnd.FindStringIndex(cleaned); loc != nil {
		first = cleaned[:loc[0]+1]
	}

	words := strings.Fields(first)
	if len(words) > headlineMaxWords {
		return strings.TrimRight(strings.Join(words[:headlineMaxWords], " "), ",.;:") + "..."
	}
	if utf8.RuneCountInString(first) > headlineMaxChars {
		runes := []rune(first)
		return strings.TrimRight(string(runes[:headlineMaxChars-3]), ",.;:") + "..."
	}
	return first
}
