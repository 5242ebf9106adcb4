package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/apierror"
	"github.com/llmgate/llmgate/internal/models"
	"github.com/llmgate/llmgate/internal/services/budget"
	"github.com/llmgate/llmgate/internal/services/contextcheck"
	"github.com/llmgate/llmgate/internal/services/delegation"
	"github.com/llmgate/llmgate/internal/services/key"
	"github.com/llmgate/llmgate/internal/services/ratelimit"
)

// publicPaths bypass the guard entirely.
var publicPaths = map[string]bool{
	"/health":       true,
	"/docs":         true,
	"/openapi.json": true,
	"/redoc":        true,
	"/metrics":      true,
}

// guardedBodyPaths are the POST endpoints whose body the guard parses for
// delegation and model checks.
const (
	pathChat       = "/v1/chat/completions"
	pathEmbeddings = "/v1/embeddings"
	pathRerank     = "/v1/rerank"
)

// Guard is the request pipeline: authentication, delegation, user
// validation, rate limit, model permission, context validation and budget
// reservation, in that order.
type Guard struct {
	db           *gorm.DB
	logger       *zap.Logger
	keys         *key.Service
	resolver     *delegation.Resolver
	limiter      *ratelimit.Limiter
	contextCheck *contextcheck.Validator
	budget       *budget.Engine
}

func NewGuard(db *gorm.DB, logger *zap.Logger, keys *key.Service, resolver *delegation.Resolver, limiter *ratelimit.Limiter, contextCheck *contextcheck.Validator, budgetEngine *budget.Engine) *Guard {
	return &Guard{
		db:           db,
		logger:       logger,
		keys:         keys,
		resolver:     resolver,
		limiter:      limiter,
		contextCheck: contextCheck,
		budget:       budgetEngine,
	}
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		// The /internal surface has its own shared-secret middleware.
		if publicPaths[path] || strings.HasPrefix(path, "/v1/models") || strings.HasPrefix(path, "/internal/") {
			next.ServeHTTP(w, r)
			return
		}

		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		reqLogger := g.logger.With(zap.String("request_id", requestID))

		state := &RequestState{RequestID: requestID}
		ctx := r.Context()

		// Bodies are read exactly once, here. Handlers get the parsed
		// form through the request state.
		var body map[string]interface{}
		if r.Method == http.MethodPost {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				apierror.Write(w, http.StatusBadRequest, "invalid_body", apierror.TypeInvalidRequest, "failed to read request body")
				return
			}
			r.Body.Close()
			// Parse failure is tolerated at this stage; the handler
			// rejects shapes it cannot use.
			_ = json.Unmarshal(raw, &body)
		}

		resolution, err := g.authenticate(r, body)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		state.UserOID = resolution.UserOID
		if resolution.AppID != "" {
			appID := resolution.AppID
			state.AppID = &appID
		}
		state.APIKey = resolution.APIKey
		state.Body = body

		if !g.validateUser(w, r, reqLogger, state) {
			return
		}

		if state.APIKey != nil {
			allowed, err := g.limiter.Allow(ctx, state.APIKey.ID, state.APIKey.RateLimitRPM)
			if err != nil {
				reqLogger.Error("Rate limiter unavailable", zap.Error(err))
				apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
				return
			}
			if !allowed {
				apierror.Write(w, http.StatusTooManyRequests, "rate_limit_exceeded", apierror.TypeRateLimit,
					fmt.Sprintf("rate limit of %d requests per minute exceeded", state.APIKey.RateLimitRPM))
				return
			}
		}

		if r.Method == http.MethodPost && (path == pathChat || path == pathEmbeddings || path == pathRerank) {
			if !g.guardModelRequest(w, r, reqLogger, state, path) {
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(withState(ctx, state)))
	})
}

// authenticate runs one of the two auth routes and resolves delegation.
func (g *Guard) authenticate(r *http.Request, body map[string]interface{}) (*delegation.Resolution, error) {
	ctx := r.Context()

	if secret := r.Header.Get("X-Gateway-Secret"); secret != "" {
		return g.resolver.ResolveSharedSecret(ctx, secret,
			r.Header.Get("X-User-Oid"), r.Header.Get("X-App-Id"))
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, key.ErrKeyNotFound
	}
	plaintext := strings.TrimPrefix(authHeader, "Bearer ")

	apiKey, err := g.keys.Verify(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	if !apiKey.AllowsIP(clientIP(r)) {
		return nil, errIPNotAllowed
	}

	return g.resolver.ResolveDelegation(ctx, apiKey, delegation.Sources{
		Query:  r.URL.Query(),
		Header: r.Header,
		Body:   body,
	})
}

// validateUser checks the billed user exists and may spend. Lapsed paid
// periods auto-expire on first sight. Returns false after writing the
// error response.
func (g *Guard) validateUser(w http.ResponseWriter, r *http.Request, reqLogger *zap.Logger, state *RequestState) bool {
	ctx := r.Context()

	var user models.User
	err := g.db.WithContext(ctx).First(&user, "oid = ?", state.UserOID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierror.Write(w, http.StatusUnauthorized, "user_not_found", apierror.TypeAuthentication,
				"billed user does not exist")
			return false
		}
		reqLogger.Error("Failed to load user", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return false
	}

	if user.PaymentLapsed(time.Now()) {
		if err := g.db.WithContext(ctx).Model(&models.User{}).
			Where("oid = ?", user.OID).
			Update("payment_status", models.PaymentExpired).Error; err != nil {
			reqLogger.Error("Failed to auto-expire user", zap.Error(err))
		}
		user.PaymentStatus = models.PaymentExpired
	}

	switch user.PaymentStatus {
	case models.PaymentBanned:
		apierror.Write(w, http.StatusForbidden, "user_banned", apierror.TypeAuthentication, "user is banned")
		return false
	case models.PaymentExpired:
		apierror.Write(w, http.StatusForbidden, "payment_expired", apierror.TypeAuthentication,
			"payment period has expired")
		return false
	}
	return true
}

func (g *Guard) guardModelRequest(w http.ResponseWriter, r *http.Request, reqLogger *zap.Logger, state *RequestState, path string) bool {
	ctx := r.Context()

	modelID, _ := state.Body["model"].(string)
	if modelID == "" {
		apierror.Write(w, http.StatusBadRequest, "invalid_body", apierror.TypeInvalidRequest, "model field is required")
		return false
	}

	var model models.Model
	err := g.db.WithContext(ctx).First(&model, "id = ? AND is_active = ?", modelID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierror.Write(w, http.StatusNotFound, "model_not_found", apierror.TypeInvalidRequest,
				fmt.Sprintf("model %q does not exist", modelID))
			return false
		}
		reqLogger.Error("Failed to load model", zap.Error(err))
		apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
		return false
	}
	state.Model = &model

	if state.APIKey != nil && !state.APIKey.AllowsModel(modelID) {
		apierror.Write(w, http.StatusForbidden, "model_not_allowed", apierror.TypeInvalidRequest,
			fmt.Sprintf("api key is not permitted to use model %q", modelID))
		return false
	}

	if path == pathChat {
		messages, _ := state.Body["messages"].([]interface{})
		if err := g.contextCheck.Validate(messages, &model, maxTokensOf(state.Body)); err != nil {
			writeContextError(w, err)
			return false
		}
	}

	if state.APIKey != nil {
		state.UsageSnapshot = state.APIKey.UsageCurrentMonth
		estimated, err := g.budget.Reserve(ctx, state.APIKey, &model, maxTokensOf(state.Body))
		if err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				BudgetRejected()
				apierror.WriteDetails(w, http.StatusForbidden, "budget_exceeded", apierror.TypeInvalidRequest,
					"monthly budget exceeded", map[string]interface{}{
						"current_usage":  exceeded.CurrentUsage,
						"budget_monthly": exceeded.Budget,
					})
				return false
			}
			reqLogger.Error("Budget reservation failed", zap.Error(err))
			apierror.Write(w, http.StatusInternalServerError, "internal_error", apierror.TypeProvider, "internal error")
			return false
		}
		state.EstimatedCost = estimated
		// Rollover may have zeroed the snapshot.
		state.UsageSnapshot = state.APIKey.UsageCurrentMonth
	}
	return true
}

var errIPNotAllowed = errors.New("client ip not allowed for this key")

func maxTokensOf(body map[string]interface{}) *int {
	if v, ok := body["max_tokens"].(float64); ok {
		n := int(v)
		return &n
	}
	return nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delegation.ErrAppInactive):
		apierror.Write(w, http.StatusForbidden, "app_disabled", apierror.TypeAuthentication, err.Error())
	case errors.Is(err, errIPNotAllowed):
		apierror.Write(w, http.StatusForbidden, "ip_not_allowed", apierror.TypeAuthentication, err.Error())
	case errors.Is(err, key.ErrKeyExpired):
		apierror.Write(w, http.StatusUnauthorized, "key_expired", apierror.TypeAuthentication, "api key has expired")
	default:
		apierror.Write(w, http.StatusUnauthorized, "unauthorized", apierror.TypeAuthentication, "invalid or missing credentials")
	}
}

func writeContextError(w http.ResponseWriter, err error) {
	var clErr *contextcheck.ContextLengthError
	if errors.As(err, &clErr) {
		apierror.WriteDetails(w, http.StatusBadRequest, "context_length_exceeded", apierror.TypeInvalidRequest,
			clErr.Error(), map[string]interface{}{
				"estimated_tokens":  clErr.EstimatedTokens,
				"max_output_tokens": clErr.MaxOutputTokens,
				"context_window":    clErr.ContextWindow,
			})
		return
	}
	if errors.Is(err, contextcheck.ErrVisionNotSupported) {
		apierror.Write(w, http.StatusBadRequest, "vision_not_supported", apierror.TypeInvalidRequest, err.Error())
		return
	}
	apierror.Write(w, http.StatusBadRequest, "invalid_request", apierror.TypeInvalidRequest, err.Error())
}
