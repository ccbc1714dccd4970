// Package strings holds helpers for putting provider responses into
// error messages and log lines.
package strings

import (
	"strings"
)

// DefaultMaxLen bounds provider response bodies quoted in errors.
const DefaultMaxLen = 200

// minMaxLen leaves room for one character plus "...".
const minMaxLen = 4

// Truncate collapses whitespace to single spaces so the result fits on
// one line and cuts it to maxLen runes, ending in "..." when cut.
func Truncate(s string, maxLen int) string {
	if maxLen < minMaxLen {
		maxLen = minMaxLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
