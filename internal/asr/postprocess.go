package asr

import (
	"regexp"
	"strings"
)

// markupPattern matches the inline model markup tokens some recognition
// backends embed in raw output, e.g. <|zh|> or <|EMO_UNKNOWN|>.
var markupPattern = regexp.MustCompile(`<\|.*?\|>`)

// CleanText strips model markup tokens and surrounding whitespace from raw
// engine output
func CleanText(raw string) string {
	return strings.TrimSpace(markupPattern.ReplaceAllString(raw, ""))
}
