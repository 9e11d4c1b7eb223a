package security

import "regexp"

// LogSanitizer strips credentials and secrets before log lines are written.
type LogSanitizer struct {
	patterns []*regexp.Regexp
}

func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization|code_verifier|client_secret)\s*[:=]\s*['"]?[\w\-\.]+['"]?`),
			regexp.MustCompile(`(?i)bearer\s+[\w\-\.=]+`),
			regexp.MustCompile(`(?i)basic\s+[\w\+/=]+`),
			regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{20,}`),
			regexp.MustCompile(`glpat-[a-zA-Z0-9\-_]{20,}`),
			regexp.MustCompile(`(?i)(cookie|set-cookie):\s*[^\s;]+`),
		},
	}
}

func (s *LogSanitizer) Sanitize(message string) string {
	if s == nil {
		return message
	}

	clean := message
	for _, p := range s.patterns {
		clean = p.ReplaceAllString(clean, "[REDACTED]")
	}
	return clean
}
