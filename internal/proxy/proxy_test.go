package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/models"
	"github.com/llmgate/llmgate/internal/services/budget"
	"github.com/llmgate/llmgate/internal/services/routing"
	"github.com/llmgate/llmgate/internal/services/usage"
)

type fakeSelector struct {
	endpoint *models.ModelEndpoint
	err      error
}

func (s *fakeSelector) Select(_ context.Context, _ string) (*models.ModelEndpoint, error) {
	return s.endpoint, s.err
}

type releaseCall struct {
	apiKeyID      uuid.UUID
	estimatedCost float64
	actualCost    float64
}

type fakeBudget struct {
	mu       sync.Mutex
	releases []releaseCall
}

func (b *fakeBudget) Release(_ context.Context, apiKeyID uuid.UUID, estimatedCost, actualCost float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases = append(b.releases, releaseCall{apiKeyID, estimatedCost, actualCost})
	return nil
}

func (b *fakeBudget) CheckMidStream(apiKey *models.ApiKey, usageSnapshot, costSoFar float64) error {
	if apiKey.BudgetMonthly != nil && usageSnapshot+costSoFar >= *apiKey.BudgetMonthly {
		return budget.ErrExceededDuringStream
	}
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	started   []usage.StartParams
	finalized []usage.FinalizeParams
}

func (r *fakeRecorder) Start(_ context.Context, p usage.StartParams) (*models.UsageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, p)
	return &models.UsageLog{ID: uuid.New(), Status: models.UsagePending}, nil
}

func (r *fakeRecorder) Finalize(_ context.Context, _ *models.UsageLog, p usage.FinalizeParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, p)
	return nil
}

type fakeBackend struct {
	completeResult map[string]interface{}
	completeErr    error
	streamEvents   []StreamEvent
	streamErr      error
}

func (b *fakeBackend) Complete(_ context.Context, _ *models.ModelEndpoint, _ map[string]interface{}) (map[string]interface{}, error) {
	return b.completeResult, b.completeErr
}

func (b *fakeBackend) Embeddings(_ context.Context, _ *models.ModelEndpoint, _ map[string]interface{}) (map[string]interface{}, error) {
	return b.completeResult, b.completeErr
}

func (b *fakeBackend) Stream(_ context.Context, _ *models.ModelEndpoint, _ map[string]interface{}) (<-chan StreamEvent, error) {
	if b.streamErr != nil {
		return nil, b.streamErr
	}
	events := make(chan StreamEvent, len(b.streamEvents))
	for _, e := range b.streamEvents {
		events <- e
	}
	close(events)
	return events, nil
}

func testModel() *models.Model {
	return &models.Model{
		ID:            "test-model",
		InputCost:     1000,
		OutputCost:    2000,
		ContextWindow: 8192,
	}
}

func testKey(budgetMonthly *float64) *models.ApiKey {
	return &models.ApiKey{ID: uuid.New(), UserOID: "U1", BudgetMonthly: budgetMonthly}
}

func setupProxy(backend CompletionBackend) (*Proxy, *fakeBudget, *fakeRecorder) {
	selector := &fakeSelector{endpoint: &models.ModelEndpoint{ID: uuid.New(), ModelID: "test-model", BaseURL: "http://backend"}}
	budgetFake := &fakeBudget{}
	recorder := &fakeRecorder{}
	p := New(selector, budgetFake, recorder, nil, backend, zap.NewNop())
	return p, budgetFake, recorder
}

func chatParams(apiKey *models.ApiKey, body map[string]interface{}) Params {
	if body == nil {
		body = map[string]interface{}{
			"model":    "test-model",
			"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
		}
	}
	return Params{
		Body:          body,
		Model:         testModel(),
		APIKey:        apiKey,
		UserOID:       "U1",
		RequestID:     uuid.NewString(),
		EstimatedCost: 0.3,
	}
}

func TestChatCompletionNonStreaming(t *testing.T) {
	backend := &fakeBackend{
		completeResult: map[string]interface{}{
			"model":   "test-model",
			"choices": []interface{}{map[string]interface{}{"message": map[string]interface{}{"content": "hello"}, "logprobs": nil}},
			"usage":   map[string]interface{}{"prompt_tokens": 3.0, "completion_tokens": 7.0},
		},
	}
	p, budgetFake, recorder := setupProxy(backend)

	key := testKey(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	p.ChatCompletion(w, r, chatParams(key, nil))

	assert.Equal(t, http.StatusOK, w.Code)

	// Null-valued keys are stripped from the response.
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	choice := body["choices"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, choice, "logprobs")

	require.Len(t, recorder.finalized, 1)
	fp := recorder.finalized[0]
	assert.Equal(t, models.UsageCompleted, fp.Status)
	assert.Equal(t, 3, fp.InputTokens)
	assert.Equal(t, 7, fp.OutputTokens)
	// 3/1e6*1000 + 7/1e6*2000 = 0.017
	assert.InDelta(t, 0.017, fp.Cost, 1e-9)

	require.Len(t, budgetFake.releases, 1)
	assert.Equal(t, key.ID, budgetFake.releases[0].apiKeyID)
	assert.InDelta(t, 0.3, budgetFake.releases[0].estimatedCost, 1e-9)
	assert.InDelta(t, 0.017, budgetFake.releases[0].actualCost, 1e-9)
}

func TestChatCompletionBackendError(t *testing.T) {
	backend := &fakeBackend{completeErr: &BackendError{StatusCode: 500, Message: "CUDA out of memory"}}
	p, budgetFake, recorder := setupProxy(backend)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	p.ChatCompletion(w, r, chatParams(testKey(nil), nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "oom_error", body["error"].(map[string]interface{})["code"])

	require.Len(t, recorder.finalized, 1)
	assert.Equal(t, models.UsageFailed, recorder.finalized[0].Status)
	assert.Equal(t, "oom_error", recorder.finalized[0].ErrorCode)

	// Reservation released with zero actual cost.
	require.Len(t, budgetFake.releases, 1)
	assert.Zero(t, budgetFake.releases[0].actualCost)
}

func TestChatCompletionNoHealthyEndpoint(t *testing.T) {
	budgetFake := &fakeBudget{}
	recorder := &fakeRecorder{}
	p := New(&fakeSelector{err: routing.ErrNoHealthyEndpoint}, budgetFake, recorder, nil, &fakeBackend{}, zap.NewNop())

	key := testKey(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	p.ChatCompletion(w, r, chatParams(key, nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "no_healthy_endpoint", body["error"].(map[string]interface{})["code"])

	// No usage log was created, but the reservation is still released.
	assert.Empty(t, recorder.started)
	require.Len(t, budgetFake.releases, 1)
}

func streamBody() map[string]interface{} {
	return map[string]interface{}{
		"model":    "test-model",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
		"stream":   true,
	}
}

func contentChunk(i int) StreamEvent {
	return StreamEvent{Chunk: map[string]interface{}{
		"model":   "test-model",
		"choices": []interface{}{map[string]interface{}{"delta": map[string]interface{}{"content": fmt.Sprintf("tok%d", i)}}},
	}}
}

func TestStreamNaturalCompletion(t *testing.T) {
	events := []StreamEvent{contentChunk(0), contentChunk(1)}
	events = append(events, StreamEvent{Chunk: map[string]interface{}{
		"model":   "test-model",
		"choices": []interface{}{},
		"usage":   map[string]interface{}{"prompt_tokens": 3.0, "completion_tokens": 2.0},
	}})
	p, budgetFake, recorder := setupProxy(&fakeBackend{streamEvents: events})

	key := testKey(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	p.ChatCompletion(w, r, chatParams(key, streamBody()))

	out := w.Body.String()
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	assert.Equal(t, 4, strings.Count(out, "data: "))
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	require.Len(t, recorder.finalized, 1)
	fp := recorder.finalized[0]
	assert.Equal(t, models.UsageCompleted, fp.Status)
	assert.Equal(t, 3, fp.InputTokens)
	assert.Equal(t, 2, fp.OutputTokens)
	require.NotNil(t, fp.TTFTMs)

	require.Len(t, budgetFake.releases, 1)
}

// Mid-stream kill switch: usage snapshot 0.90 of a 1.00 budget, output
// priced so the stream crosses the limit before the 50-chunk check.
func TestStreamKillSwitch(t *testing.T) {
	var events []StreamEvent
	for i := 0; i < 60; i++ {
		e := contentChunk(i)
		if i == 40 {
			e.Chunk["usage"] = map[string]interface{}{"prompt_tokens": 10.0, "completion_tokens": 150.0}
		}
		events = append(events, e)
	}
	p, budgetFake, recorder := setupProxy(&fakeBackend{streamEvents: events})

	limit := 1.0
	key := testKey(&limit)
	params := chatParams(key, streamBody())
	params.Model = &models.Model{ID: "test-model", InputCost: 0, OutputCost: 1000000, ContextWindow: 8192}
	params.UsageSnapshot = 0.90

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	p.ChatCompletion(w, r, params)

	out := w.Body.String()
	assert.Contains(t, out, `"code":"budget_exceeded_during_stream"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	// Stream stopped at the chunk-50 check, well before all 60 chunks.
	assert.Less(t, strings.Count(out, "data: "), 60)

	require.Len(t, recorder.finalized, 1)
	fp := recorder.finalized[0]
	assert.Equal(t, models.UsageCancelled, fp.Status)
	assert.Equal(t, "budget_exceeded_during_stream", fp.ErrorCode)

	require.Len(t, budgetFake.releases, 1)
	// 150 output tokens at 1,000,000 per 1M tokens is 1 per token.
	assert.InDelta(t, 150.0, budgetFake.releases[0].actualCost, 1e-9)
}

func TestStreamBackendErrorEvent(t *testing.T) {
	events := []StreamEvent{
		contentChunk(0),
		{Err: fmt.Errorf("upstream timed out")},
	}
	p, _, recorder := setupProxy(&fakeBackend{streamEvents: events})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	p.ChatCompletion(w, r, chatParams(testKey(nil), streamBody()))

	out := w.Body.String()
	assert.Contains(t, out, `"code":"timeout"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	require.Len(t, recorder.finalized, 1)
	assert.Equal(t, models.UsageFailed, recorder.finalized[0].Status)
	assert.Equal(t, "timeout", recorder.finalized[0].ErrorCode)
}

func TestStreamClientDisconnect(t *testing.T) {
	// An unbuffered channel that never closes simulates an idle backend;
	// cancelling the request context is the disconnect.
	backend := &stallingBackend{}
	p, budgetFake, recorder := setupProxy(backend)

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		p.ChatCompletion(w, r, chatParams(testKey(nil), streamBody()))
		close(done)
	}()
	cancel()
	<-done

	require.Len(t, recorder.finalized, 1)
	assert.Equal(t, models.UsageCancelled, recorder.finalized[0].Status)
	assert.Equal(t, "client_disconnected", recorder.finalized[0].ErrorCode)
	require.Len(t, budgetFake.releases, 1)
}

type stallingBackend struct{}

func (b *stallingBackend) Complete(_ context.Context, _ *models.ModelEndpoint, _ map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (b *stallingBackend) Embeddings(_ context.Context, _ *models.ModelEndpoint, _ map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (b *stallingBackend) Stream(_ context.Context, _ *models.ModelEndpoint, _ map[string]interface{}) (<-chan StreamEvent, error) {
	return make(chan StreamEvent), nil
}

func TestEmbeddings(t *testing.T) {
	backend := &fakeBackend{
		completeResult: map[string]interface{}{
			"model": "test-model",
			"data":  []interface{}{map[string]interface{}{"embedding": []interface{}{0.1, 0.2}}},
			"usage": map[string]interface{}{"prompt_tokens": 5.0},
		},
	}
	p, budgetFake, recorder := setupProxy(backend)

	key := testKey(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil)
	params := chatParams(key, map[string]interface{}{"model": "test-model", "input": "hello"})
	p.Embeddings(w, r, params)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, recorder.finalized, 1)
	assert.Equal(t, models.UsageCompleted, recorder.finalized[0].Status)
	assert.Equal(t, 5, recorder.finalized[0].InputTokens)
	require.Len(t, budgetFake.releases, 1)
}

func TestPreparePayloadStripsDelegationFields(t *testing.T) {
	payload := preparePayload(map[string]interface{}{
		"model":      "requested",
		"x_user_oid": "U1",
		"x_app_id":   "A1",
		"messages":   []interface{}{},
	}, "actual")

	assert.NotContains(t, payload, "x_user_oid")
	assert.NotContains(t, payload, "x_app_id")
	assert.Equal(t, "actual", payload["model"])
}
