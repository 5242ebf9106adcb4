package delegation

import (
	"encoding/json"
	"strings"
)

// embedded is a delegation payload found inside a user message. Some
// upstream templating systems eat literal braces, so the bare key/value
// form (no outer braces) is accepted alongside a proper JSON object.
type embedded struct {
	UserOID string
	AppID   string
	Message string
}

// parseEmbedded tries to interpret message content as delegation JSON.
// A match requires both x_user_oid and x_app_id; other keys are ignored
// except message, which replaces the content after extraction.
func parseEmbedded(content string) (*embedded, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, false
	}

	candidates := []string{trimmed}
	if !strings.HasPrefix(trimmed, "{") {
		candidates = []string{"{" + trimmed + "}"}
	}

	for _, candidate := range candidates {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		userOID, _ := obj["x_user_oid"].(string)
		appID, _ := obj["x_app_id"].(string)
		if userOID == "" || appID == "" {
			continue
		}
		message, _ := obj["message"].(string)
		return &embedded{UserOID: userOID, AppID: appID, Message: message}, true
	}
	return nil, false
}

// extractFromMessages scans user messages for embedded delegation and, on
// the first match, rewrites that message to contain only the embedded
// message text (empty string when absent). Both plain string content and
// the text entries of multimodal list content are checked. Non-matching
// content is left untouched.
func extractFromMessages(messages []interface{}) (userOID, appID string) {
	for _, raw := range messages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			if d, ok := parseEmbedded(content); ok {
				msg["content"] = d.Message
				return d.UserOID, d.AppID
			}
		case []interface{}:
			for _, rawPart := range content {
				part, ok := rawPart.(map[string]interface{})
				if !ok {
					continue
				}
				if t, _ := part["type"].(string); t != "text" {
					continue
				}
				text, _ := part["text"].(string)
				if d, ok := parseEmbedded(text); ok {
					part["text"] = d.Message
					return d.UserOID, d.AppID
				}
			}
		}
	}
	return "", ""
}
