package apierror

import (
	"encoding/json"
	"net/http"
)

// Error types, OpenAI-compatible.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeProvider       = "provider_error"
)

// Body is the error envelope every non-2xx response carries.
type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Type    string                 `json:"type"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Write sends a JSON error response.
func Write(w http.ResponseWriter, status int, code, errType, message string) {
	WriteDetails(w, status, code, errType, message, nil)
}

func WriteDetails(w http.ResponseWriter, status int, code, errType, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: Detail{
		Code:    code,
		Message: message,
		Type:    errType,
		Details: details,
	}})
}
