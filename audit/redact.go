package audit

import (
	"regexp"
	"strings"
)

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?m)\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]{10,}\b`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
}

var apiKeyKV = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(\s*[:=]\s*)([A-Za-z0-9._-]{8,})`)

// Redact masks credentials that provider errors sometimes echo back.
func Redact(s string) string {
	if strings.TrimSpace(s) == "" {
		return s
	}
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return apiKeyKV.ReplaceAllString(s, "${1}${2}[redacted]")
}
