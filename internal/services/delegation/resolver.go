package delegation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
)

var (
	ErrInvalidSecret        = errors.New("invalid gateway secret")
	ErrMissingUser          = errors.New("X-User-Oid header required")
	ErrMissingApp           = errors.New("X-App-Id header required")
	ErrIncompleteDelegation = errors.New("delegation requires both user and app")
	ErrAppNotFound          = errors.New("app not found")
	ErrAppInactive          = errors.New("app is disabled")
)

// Resolution names the party a request is billed to. APIKey is nil on the
// shared-secret route; when present it still governs rate limit, budget and
// model permissions regardless of who is billed.
type Resolution struct {
	UserOID string
	AppID   string
	APIKey  *models.ApiKey
}

// Sources are the places a delegated (user, app) pair may arrive from.
// Body is the decoded JSON object for POST requests, nil otherwise; the
// resolver may rewrite its messages in place (embedded delegation).
type Sources struct {
	Query  url.Values
	Header http.Header
	Body   map[string]interface{}
}

type Resolver struct {
	db           *gorm.DB
	logger       *zap.Logger
	sharedSecret string
}

func NewResolver(db *gorm.DB, logger *zap.Logger, sharedSecret string) *Resolver {
	return &Resolver{db: db, logger: logger, sharedSecret: sharedSecret}
}

// ResolveSharedSecret handles trusted internal callers. User and app are
// mandatory on this route; there is no fallback to a key owner.
func (r *Resolver) ResolveSharedSecret(ctx context.Context, secret, userOID, appID string) (*Resolution, error) {
	if r.sharedSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(r.sharedSecret)) != 1 {
		return nil, ErrInvalidSecret
	}
	if userOID == "" {
		return nil, ErrMissingUser
	}
	if appID == "" {
		return nil, ErrMissingApp
	}
	if err := r.validateApp(ctx, appID); err != nil {
		return nil, err
	}
	return &Resolution{UserOID: userOID, AppID: appID}, nil
}

// ResolveDelegation attributes billing for a bearer-key request. Each of
// the four sources is consulted in priority order, per field independently:
// query params, top-level body fields, embedded delegation JSON, headers.
// With no delegation at all, the key's owner is billed.
func (r *Resolver) ResolveDelegation(ctx context.Context, apiKey *models.ApiKey, src Sources) (*Resolution, error) {
	userOID, appID := r.collect(src)

	if userOID == "" && appID == "" {
		return &Resolution{UserOID: apiKey.UserOID, APIKey: apiKey}, nil
	}
	if userOID == "" || appID == "" {
		return nil, ErrIncompleteDelegation
	}
	if err := r.validateApp(ctx, appID); err != nil {
		return nil, err
	}

	r.logger.Debug("Delegated billing attribution",
		zap.String("key_owner", apiKey.UserOID),
		zap.String("billed_user", userOID),
		zap.String("app_id", appID))

	return &Resolution{UserOID: userOID, AppID: appID, APIKey: apiKey}, nil
}

func (r *Resolver) collect(src Sources) (userOID, appID string) {
	queryUser := src.Query.Get("x_user_oid")
	queryApp := src.Query.Get("x_app_id")

	var bodyUser, bodyApp string
	if src.Body != nil {
		bodyUser, _ = src.Body["x_user_oid"].(string)
		bodyApp, _ = src.Body["x_app_id"].(string)
	}

	// The extraction also strips the envelope from the forwarded message,
	// so it is gated on the body's own fields only: query params settling
	// attribution must not leave the raw JSON in the payload.
	var embeddedUser, embeddedApp string
	if (bodyUser == "" || bodyApp == "") && src.Body != nil {
		if messages, ok := src.Body["messages"].([]interface{}); ok {
			embeddedUser, embeddedApp = extractFromMessages(messages)
		}
	}

	userOID = firstNonEmpty(queryUser, bodyUser, embeddedUser, src.Header.Get("X-User-Oid"))
	appID = firstNonEmpty(queryApp, bodyApp, embeddedApp, src.Header.Get("X-App-Id"))
	return userOID, appID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (r *Resolver) validateApp(ctx context.Context, appID string) error {
	var app models.App
	if err := r.db.WithContext(ctx).First(&app, "app_id = ?", appID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAppNotFound
		}
		return fmt.Errorf("failed to load app: %w", err)
	}
	if !app.IsActive {
		return ErrAppInactive
	}
	return nil
}
