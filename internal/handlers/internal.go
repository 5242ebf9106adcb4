package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/apierror"
	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/services/key"
)

// InternalHandler serves the shared-secret-only operational surface.
type InternalHandler struct {
	db      *database.Database
	redis   *redis.Client
	keys    *key.Service
	logger  *zap.Logger
	started time.Time
}

func NewInternalHandler(db *database.Database, redisClient *redis.Client, keys *key.Service, logger *zap.Logger) *InternalHandler {
	return &InternalHandler{
		db:      db,
		redis:   redisClient,
		keys:    keys,
		logger:  logger,
		started: time.Now(),
	}
}

type rotateRequest struct {
	GracePeriodHours int `json:"grace_period_hours"`
}

// RotateKey replaces an API key, leaving the old one valid through the
// grace period.
func (h *InternalHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, "invalid_key_id", apierror.TypeInvalidRequest, "key id must be a UUID")
		return
	}

	var req rotateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := h.keys.Rotate(r.Context(), keyID, req.GracePeriodHours,
		r.Header.Get("X-User-Oid"), r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, key.ErrKeyNotFound):
			apierror.Write(w, http.StatusNotFound, "key_not_found", apierror.TypeInvalidRequest, "api key not found")
		case errors.Is(err, key.ErrKeyInactive):
			apierror.Write(w, http.StatusConflict, "key_inactive", apierror.TypeInvalidRequest, "api key is not active")
		default:
			h.logger.Error("Key rotation failed", zap.Error(err))
			apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// PerformanceMetrics reports process, database-pool and redis health for
// the ops dashboard.
func (h *InternalHandler) PerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStats, err := h.db.Stats()
	if err != nil {
		h.logger.Error("Failed to read database stats", zap.Error(err))
		dbStats = map[string]interface{}{"error": "unavailable"}
	}

	redisStats := map[string]interface{}{}
	pingStart := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		redisStats["status"] = "down"
	} else {
		redisStats["status"] = "ok"
		redisStats["ping_ms"] = time.Since(pingStart).Milliseconds()
	}
	pool := h.redis.PoolStats()
	redisStats["total_conns"] = pool.TotalConns
	redisStats["idle_conns"] = pool.IdleConns
	redisStats["hits"] = pool.Hits
	redisStats["misses"] = pool.Misses

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"metrics": map[string]interface{}{
			"uptime_seconds": int(time.Since(h.started).Seconds()),
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc_mb":  memStats.HeapAlloc / 1024 / 1024,
			"gc_cycles":      memStats.NumGC,
		},
		"database": dbStats,
		"redis":    redisStats,
	})
}
