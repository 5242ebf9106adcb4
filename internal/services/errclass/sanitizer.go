package errclass

import (
	"regexp"
)

const maxMessageLength = 150

var (
	pathPattern   = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)
	ipPattern     = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+\S+`)
	keyPattern    = regexp.MustCompile(`sk-[\w\-]+`)
)

// Sanitize produces the client-facing form of a backend error message:
// truncated and with file paths, IP literals and credentials redacted.
// The original message goes to the logs; the sanitized one to the wire.
func Sanitize(message string) string {
	if len(message) > maxMessageLength {
		message = message[:maxMessageLength]
	}
	message = bearerPattern.ReplaceAllString(message, "[REDACTED]")
	message = keyPattern.ReplaceAllString(message, "[REDACTED]")
	message = pathPattern.ReplaceAllString(message, "[PATH]")
	message = ipPattern.ReplaceAllString(message, "[IP]")
	return message
}

// metadata keys that must never reach the usage log.
var sensitiveMetaKeys = map[string]bool{
	"messages":      true,
	"prompt":        true,
	"input":         true,
	"query":         true,
	"documents":     true,
	"authorization": true,
	"api_key":       true,
}

// SanitizeMetadata strips message content and credentials from request
// metadata before it is persisted. Nested objects are walked; values under
// sensitive keys are dropped entirely.
func SanitizeMetadata(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if sensitiveMetaKeys[k] {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = SanitizeMetadata(nested)
			continue
		}
		out[k] = v
	}
	return out
}
