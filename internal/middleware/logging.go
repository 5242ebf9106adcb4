package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/apierror"
)

// RequestLogger logs one line per request with terminal status and
// latency. Streamed requests log after the stream ends.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := NewStreamingResponseWriter(w)
			next.ServeHTTP(sw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.Int64("bytes", sw.BytesWritten()),
				zap.String("remote_addr", clientIP(r)),
			}
			if requestID := sw.Header().Get("X-Request-ID"); requestID != "" {
				fields = append(fields, zap.String("request_id", requestID))
			}

			if sw.Status() >= 500 {
				logger.Error("Request failed", fields...)
			} else {
				logger.Info("Request handled", fields...)
			}
		})
	}
}

// InternalAuth protects the /internal surface: shared-secret callers only.
func InternalAuth(sharedSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("X-Gateway-Secret")
			if sharedSecret == "" ||
				subtle.ConstantTimeCompare([]byte(secret), []byte(sharedSecret)) != 1 {
				apierror.Write(w, http.StatusUnauthorized, "unauthorized", apierror.TypeAuthentication,
					"invalid or missing gateway secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
