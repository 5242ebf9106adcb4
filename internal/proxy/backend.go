package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/models"
)

// StreamEvent is one element of a streamed completion: either a decoded
// chunk or a terminal error.
type StreamEvent struct {
	Chunk map[string]interface{}
	Err   error
}

// CompletionBackend abstracts the upstream inference server. Chat goes
// through this interface; embeddings too, since they share the OpenAI
// shape. Rerank bypasses it entirely (non-OpenAI shapes, see the rerank
// package).
type CompletionBackend interface {
	Complete(ctx context.Context, endpoint *models.ModelEndpoint, payload map[string]interface{}) (map[string]interface{}, error)
	Stream(ctx context.Context, endpoint *models.ModelEndpoint, payload map[string]interface{}) (<-chan StreamEvent, error)
	Embeddings(ctx context.Context, endpoint *models.ModelEndpoint, payload map[string]interface{}) (map[string]interface{}, error)
}

// HTTPBackend talks to OpenAI-compatible servers (vLLM, Ollama, TGI).
type HTTPBackend struct {
	client *http.Client
	logger *zap.Logger
}

func NewHTTPBackend(client *http.Client, logger *zap.Logger) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{client: client, logger: logger}
}

// endpointAPIKey resolves the endpoint's credential by name from the
// process environment. The secret itself is never stored in the database.
func endpointAPIKey(endpoint *models.ModelEndpoint) string {
	if endpoint.APIKeyRef == "" {
		return ""
	}
	return os.Getenv(endpoint.APIKeyRef)
}

func (b *HTTPBackend) Complete(ctx context.Context, endpoint *models.ModelEndpoint, payload map[string]interface{}) (map[string]interface{}, error) {
	return b.postJSON(ctx, endpoint, "/v1/chat/completions", payload)
}

func (b *HTTPBackend) Embeddings(ctx context.Context, endpoint *models.ModelEndpoint, payload map[string]interface{}) (map[string]interface{}, error) {
	return b.postJSON(ctx, endpoint, "/v1/embeddings", payload)
}

func (b *HTTPBackend) postJSON(ctx context.Context, endpoint *models.ModelEndpoint, path string, payload map[string]interface{}) (map[string]interface{}, error) {
	resp, err := b.post(ctx, endpoint, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("invalid backend response: %w", err)
	}
	return decoded, nil
}

// Stream opens an SSE stream and decodes chunks into a channel. The
// channel closes on [DONE], on backend EOF, or after a terminal error
// event.
func (b *HTTPBackend) Stream(ctx context.Context, endpoint *models.ModelEndpoint, payload map[string]interface{}) (<-chan StreamEvent, error) {
	resp, err := b.post(ctx, endpoint, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk map[string]interface{}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				b.logger.Warn("Skipping malformed stream chunk", zap.Error(err))
				continue
			}

			select {
			case events <- StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- StreamEvent{Err: err}
		}
	}()
	return events, nil
}

func (b *HTTPBackend) post(ctx context.Context, endpoint *models.ModelEndpoint, path string, payload map[string]interface{}) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey := endpointAPIKey(endpoint); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}

// BackendError carries the upstream status and raw message into the
// classifier.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}
