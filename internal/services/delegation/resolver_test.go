package delegation

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestResolver() *Resolver {
	return NewResolver(nil, zap.NewNop(), "test-secret")
}

func sources(query, body, header map[string]string, messages []interface{}) Sources {
	q := url.Values{}
	for k, v := range query {
		q.Set(k, v)
	}
	h := http.Header{}
	for k, v := range header {
		h.Set(k, v)
	}
	var b map[string]interface{}
	if body != nil || messages != nil {
		b = map[string]interface{}{}
		for k, v := range body {
			b[k] = v
		}
		if messages != nil {
			b["messages"] = messages
		}
	}
	return Sources{Query: q, Header: h, Body: b}
}

func TestCollectQueryBeatsEverything(t *testing.T) {
	r := newTestResolver()
	src := sources(
		map[string]string{"x_user_oid": "U-query", "x_app_id": "A-query"},
		map[string]string{"x_user_oid": "U-body", "x_app_id": "A-body"},
		map[string]string{"X-User-Oid": "U-header", "X-App-Id": "A-header"},
		nil,
	)

	userOID, appID := r.collect(src)
	assert.Equal(t, "U-query", userOID)
	assert.Equal(t, "A-query", appID)
}

func TestCollectBodyBeatsEmbeddedAndHeader(t *testing.T) {
	r := newTestResolver()
	messages := []interface{}{
		map[string]interface{}{
			"role":    "user",
			"content": `{"x_user_oid": "U-msg", "x_app_id": "A-msg", "message": "hi"}`,
		},
	}
	src := sources(
		nil,
		map[string]string{"x_user_oid": "U-body", "x_app_id": "A-body"},
		map[string]string{"X-User-Oid": "U-header", "X-App-Id": "A-header"},
		messages,
	)

	userOID, appID := r.collect(src)
	assert.Equal(t, "U-body", userOID)
	assert.Equal(t, "A-body", appID)
}

func TestCollectEmbeddedBeatsHeader(t *testing.T) {
	r := newTestResolver()
	messages := []interface{}{
		map[string]interface{}{
			"role":    "user",
			"content": `{"x_user_oid": "U-msg", "x_app_id": "A-msg", "message": "hi"}`,
		},
	}
	src := sources(nil, nil,
		map[string]string{"X-User-Oid": "U-header", "X-App-Id": "A-header"},
		messages,
	)

	userOID, appID := r.collect(src)
	assert.Equal(t, "U-msg", userOID)
	assert.Equal(t, "A-msg", appID)
}

func TestCollectQueryWinsButMessageStillUnwrapped(t *testing.T) {
	r := newTestResolver()
	messages := []interface{}{
		map[string]interface{}{
			"role":    "user",
			"content": `{"x_user_oid": "U3", "x_app_id": "A2", "message": "ping"}`,
		},
	}
	src := sources(
		map[string]string{"x_user_oid": "U2", "x_app_id": "A1"},
		nil, nil, messages,
	)

	userOID, appID := r.collect(src)
	assert.Equal(t, "U2", userOID)
	assert.Equal(t, "A1", appID)

	// The envelope must not reach the backend even though the query
	// params already settled attribution.
	msg := src.Body["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "ping", msg["content"])
}

func TestCollectBodyFieldsSuppressMessageRewrite(t *testing.T) {
	r := newTestResolver()
	messages := []interface{}{
		map[string]interface{}{
			"role":    "user",
			"content": `{"x_user_oid": "U-msg", "x_app_id": "A-msg", "message": "hi"}`,
		},
	}
	src := sources(
		nil,
		map[string]string{"x_user_oid": "U-body", "x_app_id": "A-body"},
		nil, messages,
	)

	_, _ = r.collect(src)
	msg := src.Body["messages"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, msg["content"], "U-msg")
}

func TestCollectFieldsResolveIndependently(t *testing.T) {
	r := newTestResolver()
	// User from query, app from header: each field takes its own
	// highest-priority non-empty source.
	src := sources(
		map[string]string{"x_user_oid": "U-query"},
		nil,
		map[string]string{"X-App-Id": "A-header"},
		nil,
	)

	userOID, appID := r.collect(src)
	assert.Equal(t, "U-query", userOID)
	assert.Equal(t, "A-header", appID)
}

func TestCollectHeaderFallback(t *testing.T) {
	r := newTestResolver()
	src := sources(nil, nil, map[string]string{"X-User-Oid": "UH", "X-App-Id": "AH"}, nil)

	userOID, appID := r.collect(src)
	assert.Equal(t, "UH", userOID)
	assert.Equal(t, "AH", appID)
}

func TestCollectDeterministic(t *testing.T) {
	r := newTestResolver()
	for i := 0; i < 20; i++ {
		src := sources(
			map[string]string{"x_app_id": "A-query"},
			map[string]string{"x_user_oid": "U-body"},
			map[string]string{"X-User-Oid": "U-header", "X-App-Id": "A-header"},
			nil,
		)
		userOID, appID := r.collect(src)
		assert.Equal(t, "U-body", userOID)
		assert.Equal(t, "A-query", appID)
	}
}

func TestCollectEmptySources(t *testing.T) {
	r := newTestResolver()
	userOID, appID := r.collect(sources(nil, nil, nil, nil))
	assert.Empty(t, userOID)
	assert.Empty(t, appID)
}
