package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/apierror"
	"github.com/llmgate/llmgate/internal/models"
	"github.com/llmgate/llmgate/internal/services/errclass"
	"github.com/llmgate/llmgate/internal/services/rerank"
	"github.com/llmgate/llmgate/internal/services/routing"
	"github.com/llmgate/llmgate/internal/services/usage"
)

// killSwitchInterval is how many streamed chunks pass between mid-stream
// budget checks.
const killSwitchInterval = 50

// Params is everything the guard pipeline resolved for a proxied request.
type Params struct {
	Body          map[string]interface{}
	Model         *models.Model
	APIKey        *models.ApiKey
	UserOID       string
	AppID         *string
	RequestID     string
	EstimatedCost float64
	// UsageSnapshot is usage_current_month as read at reservation time;
	// the kill switch projects against it.
	UsageSnapshot float64
}

// EndpointSelector yields a healthy endpoint for a model; satisfied by
// routing.Selector.
type EndpointSelector interface {
	Select(ctx context.Context, modelID string) (*models.ModelEndpoint, error)
}

// BudgetEngine is the slice of the budget engine the proxy needs on its
// exit paths.
type BudgetEngine interface {
	Release(ctx context.Context, apiKeyID uuid.UUID, estimatedCost, actualCost float64) error
	CheckMidStream(apiKey *models.ApiKey, usageSnapshot, costSoFar float64) error
}

// UsageRecorder owns the usage-log state machine; satisfied by
// usage.Recorder.
type UsageRecorder interface {
	Start(ctx context.Context, p usage.StartParams) (*models.UsageLog, error)
	Finalize(ctx context.Context, log *models.UsageLog, p usage.FinalizeParams) error
}

// Proxy forwards guarded requests to backends and owns the usage-log
// lifecycle: every exit path finalizes the log and releases the
// reservation.
type Proxy struct {
	selector EndpointSelector
	budget   BudgetEngine
	recorder UsageRecorder
	rerank   *rerank.Client
	backend  CompletionBackend
	logger   *zap.Logger
}

func New(selector EndpointSelector, budgetEngine BudgetEngine, recorder UsageRecorder, rerankClient *rerank.Client, backend CompletionBackend, logger *zap.Logger) *Proxy {
	return &Proxy{
		selector: selector,
		budget:   budgetEngine,
		recorder: recorder,
		rerank:   rerankClient,
		backend:  backend,
		logger:   logger,
	}
}

// lifecycle bundles the per-request bookkeeping shared by all exit paths.
type lifecycle struct {
	proxy     *Proxy
	params    Params
	log       *models.UsageLog
	finalized bool
}

func (p *Proxy) begin(ctx context.Context, params Params, endpointID *uuid.UUID) (*lifecycle, error) {
	meta := map[string]interface{}{}
	for k, v := range params.Body {
		meta[k] = v
	}
	log, err := p.recorder.Start(ctx, usage.StartParams{
		UserOID:        params.UserOID,
		APIKeyID:       apiKeyID(params.APIKey),
		AppID:          params.AppID,
		RequestID:      params.RequestID,
		RequestedModel: params.Model.ID,
		EndpointID:     endpointID,
		Metadata:       meta,
	})
	if err != nil {
		return nil, err
	}
	return &lifecycle{proxy: p, params: params, log: log}, nil
}

func apiKeyID(apiKey *models.ApiKey) *uuid.UUID {
	if apiKey == nil {
		return nil
	}
	id := apiKey.ID
	return &id
}

// finish finalizes the log and releases the reservation. Idempotent within
// the request; the guarded UPDATE makes it idempotent across races too.
func (l *lifecycle) finish(fp usage.FinalizeParams, actualCost float64) {
	if l.finalized {
		return
	}
	l.finalized = true

	// Finalization must survive client cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.proxy.recorder.Finalize(ctx, l.log, fp); err != nil {
		l.proxy.logger.Error("Failed to finalize usage log",
			zap.String("request_id", l.params.RequestID),
			zap.Error(err))
	}
	if l.params.APIKey != nil {
		if err := l.proxy.budget.Release(ctx, l.params.APIKey.ID, l.params.EstimatedCost, actualCost); err != nil {
			l.proxy.logger.Error("Failed to release budget reservation",
				zap.String("request_id", l.params.RequestID),
				zap.Error(err))
		}
	}
}

// ChatCompletion proxies one chat request, streaming or not.
func (p *Proxy) ChatCompletion(w http.ResponseWriter, r *http.Request, params Params) {
	ctx := r.Context()

	endpoint, err := p.selector.Select(ctx, params.Model.ID)
	if err != nil {
		p.failBeforeBackend(ctx, w, params, nil, err)
		return
	}

	life, err := p.begin(ctx, params, &endpoint.ID)
	if err != nil {
		p.logger.Error("Failed to create usage log", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return
	}

	payload := preparePayload(params.Body, params.Model.ID)

	if isStreaming(params.Body) {
		p.streamChat(ctx, w, life, endpoint, payload)
		return
	}
	p.completeChat(ctx, w, life, endpoint, payload)
}

func (p *Proxy) completeChat(ctx context.Context, w http.ResponseWriter, life *lifecycle, endpoint *models.ModelEndpoint, payload map[string]interface{}) {
	result, err := p.backend.Complete(ctx, endpoint, payload)
	if err != nil {
		p.failBackend(w, life, err)
		return
	}

	inputTokens, outputTokens := extractUsage(result)
	actualModel := stringField(result, "model", life.params.Model.ID)
	cost := life.params.Model.Cost(inputTokens, outputTokens)

	life.finish(usage.FinalizeParams{
		Status:       models.UsageCompleted,
		ActualModel:  actualModel,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		InternalCost: cost,
	}, cost)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Clean(result))
}

func (p *Proxy) streamChat(ctx context.Context, w http.ResponseWriter, life *lifecycle, endpoint *models.ModelEndpoint, payload map[string]interface{}) {
	events, err := p.backend.Stream(ctx, endpoint, payload)
	if err != nil {
		p.failBackend(w, life, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)

	var (
		inputTokens, outputTokens int
		actualModel               = life.params.Model.ID
		chunkCount                int
		ttftMs                    *int
		start                     = time.Now()
	)

	finishStream := func(status models.UsageStatus, errorCode, errorMessage string) {
		cost := life.params.Model.Cost(inputTokens, outputTokens)
		life.finish(usage.FinalizeParams{
			Status:       status,
			ActualModel:  actualModel,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Cost:         cost,
			InternalCost: cost,
			TTFTMs:       ttftMs,
			ErrorCode:    errorCode,
			ErrorMessage: errorMessage,
		}, cost)
	}

	for {
		select {
		case <-ctx.Done():
			// Client went away mid-stream; bill what was generated.
			finishStream(models.UsageCancelled, "client_disconnected", "")
			return

		case event, ok := <-events:
			if !ok {
				writeSSE(w, flusher, "[DONE]")
				finishStream(models.UsageCompleted, "", "")
				return
			}
			if event.Err != nil {
				code := errclass.Classify(event.Err.Error())
				writeSSEError(w, flusher, errclass.Sanitize(event.Err.Error()), code)
				finishStream(models.UsageFailed, code, event.Err.Error())
				return
			}

			chunkCount++
			if ttftMs == nil {
				ms := int(time.Since(start).Milliseconds())
				ttftMs = &ms
			}
			if in, out, ok := chunkUsage(event.Chunk); ok {
				inputTokens, outputTokens = in, out
			}
			actualModel = stringField(event.Chunk, "model", actualModel)

			if chunkCount%killSwitchInterval == 0 && life.params.APIKey != nil {
				costSoFar := life.params.Model.Cost(inputTokens, outputTokens)
				if err := p.budget.CheckMidStream(life.params.APIKey, life.params.UsageSnapshot, costSoFar); err != nil {
					writeSSEError(w, flusher, "budget exceeded during stream", "budget_exceeded_during_stream")
					finishStream(models.UsageCancelled, "budget_exceeded_during_stream", "")
					return
				}
			}

			raw, err := json.Marshal(Clean(event.Chunk))
			if err != nil {
				continue
			}
			writeSSE(w, flusher, string(raw))
		}
	}
}

// Embeddings proxies one embeddings request. No streaming, no context
// validation; token usage comes straight from the backend.
func (p *Proxy) Embeddings(w http.ResponseWriter, r *http.Request, params Params) {
	ctx := r.Context()

	endpoint, err := p.selector.Select(ctx, params.Model.ID)
	if err != nil {
		p.failBeforeBackend(ctx, w, params, nil, err)
		return
	}

	life, err := p.begin(ctx, params, &endpoint.ID)
	if err != nil {
		p.logger.Error("Failed to create usage log", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return
	}

	payload := preparePayload(params.Body, params.Model.ID)
	result, err := p.backend.Embeddings(ctx, endpoint, payload)
	if err != nil {
		p.failBackend(w, life, err)
		return
	}

	inputTokens, _ := extractUsage(result)
	cost := life.params.Model.Cost(inputTokens, 0)
	life.finish(usage.FinalizeParams{
		Status:       models.UsageCompleted,
		ActualModel:  stringField(result, "model", params.Model.ID),
		InputTokens:  inputTokens,
		Cost:         cost,
		InternalCost: cost,
	}, cost)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Clean(result))
}

// Rerank proxies one rerank request through the three-tier fallback,
// talking directly to the endpoint URL rather than the completion backend.
func (p *Proxy) Rerank(w http.ResponseWriter, r *http.Request, params Params, req *rerank.Request) {
	ctx := r.Context()

	endpoint, err := p.selector.Select(ctx, params.Model.ID)
	if err != nil {
		p.failBeforeBackend(ctx, w, params, nil, err)
		return
	}

	life, err := p.begin(ctx, params, &endpoint.ID)
	if err != nil {
		p.logger.Error("Failed to create usage log", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return
	}

	result, err := p.rerank.Rerank(ctx, endpoint.BaseURL, endpointAPIKey(endpoint), req)
	if err != nil {
		p.failBackend(w, life, err)
		return
	}

	billedTokens := result.Usage.TotalTokens
	cost := params.Model.Cost(billedTokens, 0)
	life.finish(usage.FinalizeParams{
		Status:       models.UsageCompleted,
		ActualModel:  params.Model.ID,
		InputTokens:  billedTokens,
		Cost:         cost,
		InternalCost: cost,
	}, cost)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// failBeforeBackend covers failures before a usage log exists (endpoint
// selection). The reservation still has to be released.
func (p *Proxy) failBeforeBackend(ctx context.Context, w http.ResponseWriter, params Params, _ *models.ModelEndpoint, err error) {
	if params.APIKey != nil {
		if relErr := p.budget.Release(ctx, params.APIKey.ID, params.EstimatedCost, 0); relErr != nil {
			p.logger.Error("Failed to release reservation", zap.Error(relErr))
		}
	}
	if errors.Is(err, routing.ErrNoHealthyEndpoint) {
		apierror.Write(w, http.StatusBadGateway, "no_healthy_endpoint", apierror.TypeProvider,
			fmt.Sprintf("no healthy endpoint available for model %s", params.Model.ID))
		return
	}
	p.logger.Error("Endpoint selection failed", zap.Error(err))
	apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
}

// failBackend classifies a backend error, finalizes the log as failed and
// returns the sanitized 502.
func (p *Proxy) failBackend(w http.ResponseWriter, life *lifecycle, err error) {
	code := errclass.Classify(err.Error())
	sanitized := errclass.Sanitize(err.Error())

	p.logger.Error("Backend request failed",
		zap.String("request_id", life.params.RequestID),
		zap.String("error_code", code),
		zap.Error(err))

	life.finish(usage.FinalizeParams{
		Status:       models.UsageFailed,
		ActualModel:  life.params.Model.ID,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
	}, 0)

	apierror.Write(w, http.StatusBadGateway, code, apierror.TypeProvider, sanitized)
}

func preparePayload(body map[string]interface{}, modelID string) map[string]interface{} {
	payload := make(map[string]interface{}, len(body))
	for k, v := range body {
		// Delegation fields are gateway-internal.
		if k == "x_user_oid" || k == "x_app_id" {
			continue
		}
		payload[k] = v
	}
	payload["model"] = modelID
	return payload
}

func isStreaming(body map[string]interface{}) bool {
	stream, _ := body["stream"].(bool)
	return stream
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message, code string) {
	raw, _ := json.Marshal(map[string]string{"error": message, "code": code})
	writeSSE(w, flusher, string(raw))
	writeSSE(w, flusher, "[DONE]")
}

// extractUsage reads prompt/completion token counts from an OpenAI-shape
// usage object.
func extractUsage(result map[string]interface{}) (inputTokens, outputTokens int) {
	u, ok := result["usage"].(map[string]interface{})
	if !ok {
		return 0, 0
	}
	inputTokens = intField(u, "prompt_tokens")
	outputTokens = intField(u, "completion_tokens")
	return inputTokens, outputTokens
}

func chunkUsage(chunk map[string]interface{}) (inputTokens, outputTokens int, ok bool) {
	u, exists := chunk["usage"].(map[string]interface{})
	if !exists {
		return 0, 0, false
	}
	return intField(u, "prompt_tokens"), intField(u, "completion_tokens"), true
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func stringField(m map[string]interface{}, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
