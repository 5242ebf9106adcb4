package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/apierror"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/handlers"
	"github.com/llmgate/llmgate/internal/middleware"
	"github.com/llmgate/llmgate/internal/proxy"
	"github.com/llmgate/llmgate/internal/services/budget"
	"github.com/llmgate/llmgate/internal/services/contextcheck"
	"github.com/llmgate/llmgate/internal/services/delegation"
	"github.com/llmgate/llmgate/internal/services/key"
	"github.com/llmgate/llmgate/internal/services/ratelimit"
	"github.com/llmgate/llmgate/internal/services/rerank"
	"github.com/llmgate/llmgate/internal/services/routing"
	"github.com/llmgate/llmgate/internal/services/usage"
)

// Dependencies carries the process-wide singletons, constructed once in
// main and passed down explicitly.
type Dependencies struct {
	Config   *config.Config
	Database *database.Database
	Redis    *redis.Client
	Logger   *zap.Logger
}

// New wires the full HTTP surface.
func New(deps Dependencies) http.Handler {
	cfg := deps.Config
	db := deps.Database.DB
	logger := deps.Logger

	keyService := key.NewService(db, deps.Redis, logger, cfg.Gateway.APIKeyCacheTTL)
	resolver := delegation.NewResolver(db, logger, cfg.Gateway.SharedSecret)
	limiter := ratelimit.NewLimiter(deps.Redis, logger)
	validator := contextcheck.NewValidator(logger)
	budgetEngine := budget.NewEngine(budget.NewGormStore(db), deps.Redis, logger,
		cfg.Budget.ReservationTTL, cfg.Budget.DBCacheTTL)
	selector := routing.NewSelector(db, logger)
	recorder := usage.NewRecorder(db, logger)

	backendClient := &http.Client{Timeout: cfg.Gateway.BackendTimeout}
	backend := proxy.NewHTTPBackend(backendClient, logger)
	rerankClient := rerank.NewClient(backendClient, logger)
	llmProxy := proxy.New(selector, budgetEngine, recorder, rerankClient, backend, logger)

	guard := middleware.NewGuard(db, logger, keyService, resolver, limiter, validator, budgetEngine)

	healthHandler := handlers.NewHealthHandler(cfg.Gateway.Version)
	llmHandler := handlers.NewLLMHandler(db, llmProxy, logger)
	internalHandler := handlers.NewInternalHandler(deps.Database, deps.Redis, keyService, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.CORS.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Gateway-Secret", "X-User-Oid", "X-App-Id"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))
	r.Use(guard.Middleware)

	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", llmHandler.ListModels)
		r.Get("/models/{id}", llmHandler.GetModel)
		r.Post("/chat/completions", llmHandler.ChatCompletions)
		r.Post("/embeddings", llmHandler.Embeddings)
		r.Post("/rerank", llmHandler.Rerank)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalAuth(cfg.Gateway.SharedSecret))
		r.Post("/api-keys/{id}/rotate", internalHandler.RotateKey)
		r.Get("/performance/metrics", internalHandler.PerformanceMetrics)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apierror.Write(w, http.StatusNotFound, "not_found", apierror.TypeInvalidRequest, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apierror.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", apierror.TypeInvalidRequest, "method not allowed")
	})

	return r
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}
