package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/apierror"
	"github.com/llmgate/llmgate/internal/middleware"
	"github.com/llmgate/llmgate/internal/models"
	"github.com/llmgate/llmgate/internal/proxy"
	"github.com/llmgate/llmgate/internal/services/rerank"
)

// LLMHandler serves the OpenAI-compatible surface. All guarded state
// (billing attribution, model, parsed body, reservation) arrives through
// the request context; the handler never re-reads the wire body.
type LLMHandler struct {
	db     *gorm.DB
	proxy  *proxy.Proxy
	logger *zap.Logger
}

func NewLLMHandler(db *gorm.DB, p *proxy.Proxy, logger *zap.Logger) *LLMHandler {
	return &LLMHandler{db: db, proxy: p, logger: logger}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func toModelEntry(m *models.Model) modelEntry {
	return modelEntry{
		ID:      m.ID,
		Object:  "model",
		Created: m.CreatedAt.Unix(),
		OwnedBy: m.Provider,
	}
}

func (h *LLMHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	var active []models.Model
	if err := h.db.WithContext(r.Context()).Where("is_active = ?", true).Find(&active).Error; err != nil {
		h.logger.Error("Failed to list models", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return
	}

	entries := make([]modelEntry, len(active))
	for i := range active {
		entries[i] = toModelEntry(&active[i])
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}

func (h *LLMHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	var model models.Model
	err := h.db.WithContext(r.Context()).First(&model, "id = ? AND is_active = ?", modelID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierror.Write(w, http.StatusNotFound, "model_not_found", apierror.TypeInvalidRequest,
				fmt.Sprintf("model %q does not exist", modelID))
			return
		}
		h.logger.Error("Failed to load model", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toModelEntry(&model))
}

// guardedParams converts the request state into proxy params. A nil state
// means the route was wired outside the guard, which is a bug.
func (h *LLMHandler) guardedParams(w http.ResponseWriter, r *http.Request) (proxy.Params, bool) {
	state := middleware.StateFromContext(r.Context())
	if state == nil || state.Model == nil {
		h.logger.Error("Guarded handler reached without request state",
			zap.String("path", r.URL.Path))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return proxy.Params{}, false
	}
	return proxy.Params{
		Body:          state.Body,
		Model:         state.Model,
		APIKey:        state.APIKey,
		UserOID:       state.UserOID,
		AppID:         state.AppID,
		RequestID:     state.RequestID,
		EstimatedCost: state.EstimatedCost,
		UsageSnapshot: state.UsageSnapshot,
	}, true
}

func (h *LLMHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	params, ok := h.guardedParams(w, r)
	if !ok {
		return
	}
	if stream, _ := params.Body["stream"].(bool); stream {
		middleware.StreamStarted()
		defer middleware.StreamEnded()
	}
	h.proxy.ChatCompletion(w, r, params)
}

func (h *LLMHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	params, ok := h.guardedParams(w, r)
	if !ok {
		return
	}
	h.proxy.Embeddings(w, r, params)
}

func (h *LLMHandler) Rerank(w http.ResponseWriter, r *http.Request) {
	params, ok := h.guardedParams(w, r)
	if !ok {
		return
	}

	raw, err := json.Marshal(params.Body)
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, "invalid_body", apierror.TypeInvalidRequest, "invalid rerank request")
		return
	}
	var req rerank.Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Query == "" || len(req.Documents) == 0 {
		apierror.Write(w, http.StatusBadRequest, "invalid_body", apierror.TypeInvalidRequest,
			"rerank requires query and documents")
		return
	}
	req.Model = params.Model.ID

	h.proxy.Rerank(w, r, params, &req)
}
