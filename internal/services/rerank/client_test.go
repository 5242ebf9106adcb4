package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func intPtr(n int) *int { return &n }

func TestBilledTokens(t *testing.T) {
	req := &Request{
		Query:     "abcd",                                  // 4 chars
		Documents: []interface{}{"12345678", "xyz"},        // 8 + 3
	}
	// ceil(15/4) = 4
	assert.Equal(t, 4, BilledTokens(req))
}

func TestBilledTokensCountsRunesNotBytes(t *testing.T) {
	req := &Request{Query: "你好世界", Documents: []interface{}{}}
	assert.Equal(t, 1, BilledTokens(req))
}

func TestTruncateTopN(t *testing.T) {
	results := []Result{
		{Index: 0, RelevanceScore: 0.1},
		{Index: 1, RelevanceScore: 0.9},
		{Index: 2, RelevanceScore: 0.5},
	}
	out := truncateTopN(results, intPtr(2))
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Index)
	assert.Equal(t, 2, out[1].Index)
}

func TestTruncateTopNIsPrefixOfFullSort(t *testing.T) {
	mk := func() []Result {
		return []Result{
			{Index: 0, RelevanceScore: 0.3},
			{Index: 1, RelevanceScore: 0.7},
			{Index: 2, RelevanceScore: 0.7},
			{Index: 3, RelevanceScore: 0.1},
		}
	}
	full := truncateTopN(mk(), nil)
	top2 := truncateTopN(mk(), intPtr(2))
	assert.Equal(t, full[:2], top2)
}

func TestRelevanceFromLogprobs(t *testing.T) {
	score := relevanceFromLogprobs([]TokenLogprob{
		{Token: "yes", Logprob: -0.1},
		{Token: "no", Logprob: -2.3},
	})
	pYes, pNo := math.Exp(-0.1), math.Exp(-2.3)
	assert.InDelta(t, pYes/(pYes+pNo), score, 1e-9)
}

func TestRelevanceFromLogprobsTokenNormalization(t *testing.T) {
	score := relevanceFromLogprobs([]TokenLogprob{
		{Token: " Yes.", Logprob: -0.2},
		{Token: "NO", Logprob: -1.0},
	})
	assert.Greater(t, score, 0.5)
}

func TestRelevanceFromLogprobsOnlyYes(t *testing.T) {
	score := relevanceFromLogprobs([]TokenLogprob{{Token: "yes", Logprob: -0.5}})
	assert.InDelta(t, math.Exp(-0.5), score, 1e-9)
}

func TestRelevanceFromLogprobsNeither(t *testing.T) {
	score := relevanceFromLogprobs([]TokenLogprob{{Token: "maybe", Logprob: -0.1}})
	assert.Zero(t, score)
}

func TestRelevanceFromText(t *testing.T) {
	assert.Equal(t, 1.0, relevanceFromText("Yes"))
	assert.Equal(t, 1.0, relevanceFromText(" yes, it is"))
	assert.Equal(t, 0.0, relevanceFromText("no"))
	assert.Equal(t, 0.0, relevanceFromText(""))
}

func TestRerankTier1Native(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		json.NewEncoder(w).Encode(Response{
			Model: "reranker",
			Results: []Result{
				{Index: 1, RelevanceScore: 0.9},
				{Index: 0, RelevanceScore: 0.2},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.Client(), zap.NewNop())
	resp, err := client.Rerank(context.Background(), server.URL, "", &Request{
		Model:     "reranker",
		Query:     "q",
		Documents: []interface{}{"a", "b"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Results[0].Index)
	assert.Greater(t, resp.Usage.TotalTokens, 0)
}

func TestRerankTier2Score(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rerank":
			w.WriteHeader(http.StatusNotFound)
		case "/score":
			var payload map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "q", payload["text_1"])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"index": 0, "score": 0.2},
					{"index": 1, "score": 0.8},
					{"index": 2, "score": 0.5},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.Client(), zap.NewNop())
	resp, err := client.Rerank(context.Background(), server.URL, "", &Request{
		Model:     "reranker",
		Query:     "q",
		Documents: []interface{}{"d0", "d1", "d2"},
		TopN:      intPtr(2),
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Results[0].Index)
	assert.InDelta(t, 0.8, resp.Results[0].RelevanceScore, 1e-9)
	assert.Equal(t, 2, resp.Results[1].Index)
}

func TestRerankTier2ScoreOutOfOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rerank":
			w.WriteHeader(http.StatusNotFound)
		case "/score":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"index": 2, "score": 0.9},
					{"index": 0, "score": 0.1},
					{"index": 1, "score": 0.4},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	yes := true
	client := NewClient(server.Client(), zap.NewNop())
	resp, err := client.Rerank(context.Background(), server.URL, "", &Request{
		Model:           "reranker",
		Query:           "q",
		Documents:       []interface{}{"d0", "d1", "d2"},
		ReturnDocuments: &yes,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	// Scores must follow the declared index, not response position.
	assert.Equal(t, 2, resp.Results[0].Index)
	assert.Equal(t, "d2", resp.Results[0].Document)
	assert.InDelta(t, 0.9, resp.Results[0].RelevanceScore, 1e-9)
	assert.Equal(t, 1, resp.Results[1].Index)
	assert.Equal(t, "d1", resp.Results[1].Document)
	assert.Equal(t, 0, resp.Results[2].Index)
}

// Covers the full chat fallback: 404 on /rerank and /score, logprob
// scoring per document, descending sort, top_n truncation.
func TestRerankTier3ChatFallback(t *testing.T) {
	logprobsByDoc := map[string][2]float64{
		"D1": {-0.1, -2.3},
		"D2": {-2.0, -0.2},
		"D3": {-0.5, -0.5},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rerank", "/score":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/chat/completions":
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Messages    []map[string]string `json:"messages"`
				MaxTokens   int                 `json:"max_tokens"`
				Logprobs    bool                `json:"logprobs"`
				TopLogprobs int                 `json:"top_logprobs"`
			}
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.Equal(t, 1, payload.MaxTokens)
			assert.True(t, payload.Logprobs)
			assert.Equal(t, 20, payload.TopLogprobs)

			user := payload.Messages[1]["content"]
			var lp [2]float64
			for doc, pair := range logprobsByDoc {
				if strings.Contains(user, fmt.Sprintf("<Document>%s</Document>", doc)) {
					lp = pair
				}
			}
			fmt.Fprintf(w, `{"choices":[{"message":{"content":"yes"},"logprobs":{"content":[{"top_logprobs":[{"token":"yes","logprob":%f},{"token":"no","logprob":%f}]}]}}]}`,
				lp[0], lp[1])
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.Client(), zap.NewNop())
	resp, err := client.Rerank(context.Background(), server.URL, "", &Request{
		Model:     "judge",
		Query:     "q",
		Documents: []interface{}{"D1", "D2", "D3"},
		TopN:      intPtr(2),
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// D1 ≈ 0.900, D3 = 0.500, D2 ≈ 0.140.
	assert.Equal(t, 0, resp.Results[0].Index)
	assert.InDelta(t, 0.900, resp.Results[0].RelevanceScore, 0.001)
	assert.Equal(t, 2, resp.Results[1].Index)
	assert.InDelta(t, 0.500, resp.Results[1].RelevanceScore, 0.001)
}

func TestRerankReturnDocuments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rerank", "/score":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/chat/completions":
			fmt.Fprint(w, `{"choices":[{"message":{"content":"yes"}}]}`)
		}
	}))
	defer server.Close()

	yes := true
	client := NewClient(server.Client(), zap.NewNop())
	resp, err := client.Rerank(context.Background(), server.URL, "", &Request{
		Model:           "judge",
		Query:           "q",
		Documents:       []interface{}{"doc-a"},
		ReturnDocuments: &yes,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-a", resp.Results[0].Document)
}
