// Package strutil trims strings for storage and logs without splitting
// UTF-8 sequences.
package strutil

import (
	"strings"
	"unicode/utf8"
)

// TruncatedMarker is appended by ClipMessage when it cuts a message.
const TruncatedMarker = " [truncated]"

// TruncateUTF8 returns the longest prefix of s that fits in maxBytes and
// ends on a rune boundary.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ClipMessage prepares an error message for a task or pipeline record. The
// result never exceeds maxBytes; cut messages end with TruncatedMarker when
// there is room for it.
func ClipMessage(s string, maxBytes int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= len(TruncatedMarker) {
		return TruncateUTF8(s, maxBytes)
	}
	return strings.TrimRight(TruncateUTF8(s, maxBytes-len(TruncatedMarker)), " ") + TruncatedMarker
}

// Preview flattens s onto one line for log attributes.
func Preview(s string, maxBytes int) string {
	return TruncateUTF8(strings.Join(strings.Fields(s), " "), maxBytes)
}
