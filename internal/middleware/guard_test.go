package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/services/delegation"
	"github.com/llmgate/llmgate/internal/services/key"
)

func TestGuardPublicPathsBypass(t *testing.T) {
	// A guard with nil collaborators must never touch them on public
	// paths.
	guard := &Guard{logger: zap.NewNop()}
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/metrics", "/docs", "/openapi.json", "/redoc", "/v1/models", "/v1/models/gpt-x"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}

func TestGuardRejectsMissingCredentials(t *testing.T) {
	guard := &Guard{logger: zap.NewNop()}
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	detail := body["error"].(map[string]interface{})
	assert.Equal(t, "unauthorized", detail["code"])
	assert.Equal(t, "authentication_error", detail["type"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestWriteAuthErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{delegation.ErrAppInactive, http.StatusForbidden, "app_disabled"},
		{delegation.ErrAppNotFound, http.StatusUnauthorized, "unauthorized"},
		{delegation.ErrIncompleteDelegation, http.StatusUnauthorized, "unauthorized"},
		{delegation.ErrInvalidSecret, http.StatusUnauthorized, "unauthorized"},
		{key.ErrKeyExpired, http.StatusUnauthorized, "key_expired"},
		{key.ErrKeyNotFound, http.StatusUnauthorized, "unauthorized"},
		{errIPNotAllowed, http.StatusForbidden, "ip_not_allowed"},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeAuthError(w, tc.err)
		assert.Equal(t, tc.wantStatus, w.Code, "err %v", tc.err)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tc.wantCode, body["error"].(map[string]interface{})["code"])
	}
}

func TestMaxTokensOf(t *testing.T) {
	assert.Nil(t, maxTokensOf(map[string]interface{}{}))

	mt := maxTokensOf(map[string]interface{}{"max_tokens": 100.0})
	require.NotNil(t, mt)
	assert.Equal(t, 100, *mt)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:54321"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func TestInternalAuth(t *testing.T) {
	handler := InternalAuth("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/api-keys/x/rotate", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/api-keys/x/rotate", nil)
	r.Header.Set("X-Gateway-Secret", "s3cret")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	// An empty configured secret locks the surface entirely.
	locked := InternalAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w = httptest.NewRecorder()
	locked.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamingResponseWriterPreservesFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamingResponseWriter(rec)

	var w http.ResponseWriter = sw
	_, ok := w.(http.Flusher)
	assert.True(t, ok)

	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusOK) // second call must not overwrite
	_, err := sw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, sw.Status())
	assert.Equal(t, int64(5), sw.BytesWritten())
}
