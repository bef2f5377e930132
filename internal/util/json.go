package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON extracts JSON content from a provider response that may wrap
// it in markdown code fences or surrounding prose. Handles both objects {}
// and arrays [].
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	objectStart := strings.Index(s, "{")
	arrayStart := strings.Index(s, "[")

	// Whichever structure starts first wins
	if objectStart != -1 && (arrayStart == -1 || objectStart < arrayStart) {
		if end := findMatchingBracket(s, objectStart, '{', '}'); end != -1 {
			return s[objectStart : end+1]
		}
	}
	if arrayStart != -1 {
		if end := findMatchingBracket(s, arrayStart, '[', ']'); end != -1 {
			return s[arrayStart : end+1]
		}
	}

	return s
}

// findMatchingBracket finds the matching closing bracket for the opening
// bracket at startPos, skipping brackets inside string literals.
// Returns -1 if no matching bracket is found.
func findMatchingBracket(s string, startPos int, openChar, closeChar byte) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}
	return -1
}

// RepairJSON fixes common JSON defects in LLM output: literal newlines
// inside string values and trailing commas before a closing bracket.
func RepairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			b.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '"' {
			b.WriteByte(ch)
			inString = !inString
			continue
		}
		if inString && (ch == '\n' || ch == '\r') {
			b.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}
		b.WriteByte(ch)
	}

	return trailingCommaRegex.ReplaceAllString(b.String(), "$1")
}

var trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)

// TruncateString truncates a string to maxLen runes (Unicode-safe)
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
