package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns capture the key or scheme in group 1 so it survives
// redaction; the value is replaced.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
	// Protocol payloads carry the client secret as a JSON field.
	regexp.MustCompile(`("secret"\s*:\s*)"[^"]*"`),
	regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*)"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`),
}

var sensitiveKeyParts = []string{"secret", "token", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// Redact masks secret values in log, audit and error text.
func Redact(input string) string {
	for _, pat := range secretPatterns {
		input = pat.ReplaceAllString(input, "${1}"+redactedPlaceholder)
	}
	return input
}

// IsSensitiveKey reports whether a log attribute or config key names a
// secret, in which case its whole value is masked.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// WithoutSecret returns a shallow copy of a decoded protocol payload with the
// "secret" field removed.
func WithoutSecret(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "secret" {
			out[k] = v
		}
	}
	return out
}
