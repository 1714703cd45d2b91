package outbox

import (
	"regexp"
	"strings"
)

// Error messages end up in the last_error_message column and in operator
// tooling; redact credential-shaped content and bound the length (CWE-209).
const maxErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type sensitiveDataPattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitiveDataPatterns = []sensitiveDataPattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key)=)([^&\s]+)`),
		replacement: `$1` + redactedValue,
	},
}

// SanitizeErrorMessage redacts sensitive values and enforces a bounded length.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitiveDataPatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return truncateError(redacted, maxErrorLength, errorTruncatedSuffix)
}

// SanitizeError is a nil-safe convenience over SanitizeErrorMessage.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}
