package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// Each pattern captures the text to keep in group 1; the rest of the match
// is replaced.
var secretPatterns = []*regexp.Regexp{
	// Authorization: Bearer <key>
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`),
	// X-API-Key headers, api_key query parameters, key=value config dumps
	regexp.MustCompile(`(?i)((?:x-)?api[_-]?key"?\s*[:=]\s*"?)[^\s"&,;]{4,}`),
	regexp.MustCompile(`(?i)((?:secret|token|password)"?\s*[:=]\s*"?)[^\s"&,;]{4,}`),
	// Credentials embedded in repo or staging URLs
	regexp.MustCompile(`(://[^/\s:@]+:)[^@\s/]+@`),
}

// Redact masks API keys and credentials in strings bound for logs or the
// audit trail.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for i, pat := range secretPatterns {
		repl := "${1}" + redactedPlaceholder
		if i == len(secretPatterns)-1 {
			repl += "@"
		}
		out = pat.ReplaceAllString(out, repl)
	}
	return out
}
