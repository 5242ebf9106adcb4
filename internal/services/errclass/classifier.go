package errclass

import (
	"strings"
)

// Backend error codes, surfaced to clients as 502s.
const (
	CodeOOM            = "oom_error"
	CodeTimeout        = "timeout"
	CodeRateLimit      = "rate_limit"
	CodeGPU            = "gpu_error"
	CodeModelNotLoaded = "model_not_loaded"
	CodeProvider       = "provider_error"
)

// classification rules are checked in order; first match wins. OOM is
// checked before the generic GPU bucket because CUDA OOM messages contain
// both markers.
var rules = []struct {
	code    string
	markers []string
}{
	{CodeOOM, []string{"out of memory", "oom", "memoryerror"}},
	{CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CodeGPU, []string{"cuda", "gpu", "device-side assert"}},
	{CodeModelNotLoaded, []string{"model not found", "not loaded", "no model", "loading model"}},
}

// Classify maps a raw backend error message to a stable error code by
// substring match on the lowercased text.
func Classify(message string) string {
	lowered := strings.ToLower(message)
	for _, rule := range rules {
		for _, marker := range rule.markers {
			if strings.Contains(lowered, marker) {
				return rule.code
			}
		}
	}
	return CodeProvider
}
