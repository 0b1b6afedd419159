package chunker

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates a prompt's token count for log records. Clinical
// text is dense with abbreviations and numbers, so the estimate is the larger
// of one token per four characters and one per word.
func EstimateTokens(text string) int {
	byChars := (utf8.RuneCountInString(text) + 3) / 4
	return max(byChars, len(strings.Fields(text)))
}
