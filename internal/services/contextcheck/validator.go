package contextcheck

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/models"
)

var ErrVisionNotSupported = errors.New("model does not support image input")

// ContextLengthError reports a request whose estimated prompt plus output
// ceiling would not fit the model's window.
type ContextLengthError struct {
	EstimatedTokens int
	MaxOutputTokens int
	ContextWindow   int
}

func (e *ContextLengthError) Error() string {
	return fmt.Sprintf("estimated %d input tokens + %d max output tokens exceeds context window of %d",
		e.EstimatedTokens, e.MaxOutputTokens, e.ContextWindow)
}

// Validator guards chat requests with a cheap character-based token
// estimate. Embeddings and rerank requests skip this entirely.
type Validator struct {
	logger *zap.Logger
}

func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// EstimateTokens approximates prompt tokens from the concatenated
// "role: content" lines. CJK-heavy text packs roughly 2 characters per
// token versus 4 for latin scripts.
func EstimateTokens(messages []interface{}) int {
	var sb strings.Builder
	for _, raw := range messages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(textOf(msg["content"]))
		sb.WriteString("\n")
	}

	text := []rune(sb.String())
	if len(text) == 0 {
		return 0
	}

	cjk := 0
	for _, r := range text {
		if (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3040 && r <= 0x30FF) {
			cjk++
		}
	}

	charsPerToken := 4.0
	if float64(cjk)/float64(len(text)) > 0.3 {
		charsPerToken = 2.0
	}
	return int(float64(len(text)) / charsPerToken)
}

func textOf(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var parts []string
		for _, rawPart := range c {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if text, ok := part["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// HasImageContent reports whether any message carries an image part.
func HasImageContent(messages []interface{}) bool {
	for _, raw := range messages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]interface{})
		if !ok {
			continue
		}
		for _, rawPart := range parts {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "image_url" {
				return true
			}
		}
	}
	return false
}

// Validate rejects requests that cannot fit the model's context window and
// image input on non-vision models. Requests above 80% of the window pass
// but are logged.
func (v *Validator) Validate(messages []interface{}, model *models.Model, maxTokens *int) error {
	if HasImageContent(messages) && !model.SupportsVision {
		return ErrVisionNotSupported
	}

	estimated := EstimateTokens(messages)
	maxOutput := model.MaxOutputTokens
	if maxTokens != nil {
		maxOutput = *maxTokens
	}

	total := estimated + maxOutput
	if total > model.ContextWindow {
		return &ContextLengthError{
			EstimatedTokens: estimated,
			MaxOutputTokens: maxOutput,
			ContextWindow:   model.ContextWindow,
		}
	}

	if float64(total) > 0.8*float64(model.ContextWindow) {
		v.logger.Warn("Request close to context window",
			zap.String("model", model.ID),
			zap.Int("estimated_tokens", estimated),
			zap.Int("max_output_tokens", maxOutput),
			zap.Int("context_window", model.ContextWindow))
	}
	return nil
}
