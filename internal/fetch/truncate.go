package fetch

import "unicode/utf8"

// TruncationMarker is appended to response text cut at the character bound.
const TruncationMarker = "... (truncated)"

// Truncate returns s unchanged when it holds at most limit runes, and
// otherwise its first limit runes followed by [TruncationMarker]. Truncating
// an already truncated string at the same limit returns it unchanged.
func Truncate(s string, limit int) string {
	if limit < 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + TruncationMarker
		}
		n++
	}
	return s
}
