package transcribe

import (
	"regexp"
	"strings"
)

// Hallucinated fillers the speech model emits on silence or noise, e.g.
// "Thank you. Thank you. Thank you." at the tail of a quiet chunk.
var (
	repeatedFiller = regexp.MustCompile(`(?i)(?:\b(?:thanks|thank you|you|bye|yeah|beep|okay|peace)\b[.!?,-]*\s*){2,}`)
	loneFiller     = regexp.MustCompile(`\b(?:Thank you|Bye|You)\.`)
	spaces         = regexp.MustCompile(`\s+`)
)

// CleanFillers strips hallucinated filler phrases from a transcript and
// collapses the whitespace left behind.
func CleanFillers(text string) string {
	text = repeatedFiller.ReplaceAllString(text, " ")
	text = loneFiller.ReplaceAllString(text, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}
