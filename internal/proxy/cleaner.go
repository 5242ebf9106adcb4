package proxy

import "strings"

// Clean strips null-valued keys and keys starting with an underscore from
// a decoded JSON value, recursively. Strict clients (some OpenAI SDK
// builds) reject unexpected nulls that vLLM and friends like to emit.
// Clean is idempotent.
func Clean(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			if val == nil || strings.HasPrefix(key, "_") {
				continue
			}
			out[key] = Clean(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Clean(val)
		}
		return out
	default:
		return value
	}
}
