package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

const judgeSystemPrompt = `Judge whether the Document is relevant to the Query. Output only "yes" or "no".`

// Client probes a backend for rerank capability in three tiers: a native
// /rerank endpoint, the /score API (vLLM cross-encoders), and finally a
// per-document chat-completions judge scored from logprobs.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, logger: logger}
}

// Rerank runs the fallback chain against one endpoint base URL. The
// returned response always has results sorted descending by score and
// truncated to top_n.
func (c *Client) Rerank(ctx context.Context, baseURL, apiKey string, req *Request) (*Response, error) {
	status, body, err := c.post(ctx, baseURL+"/rerank", apiKey, req)
	if err == nil && status == http.StatusOK {
		var resp Response
		if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
			return nil, fmt.Errorf("invalid rerank response: %w", jsonErr)
		}
		resp.Usage.TotalTokens = BilledTokens(req)
		return &resp, nil
	}

	if err == nil && notImplemented(status) {
		c.logger.Debug("Native rerank unavailable, trying score API",
			zap.String("base_url", baseURL),
			zap.Int("status", status))
		if resp, scoreErr := c.rerankViaScore(ctx, baseURL, apiKey, req); scoreErr == nil {
			return resp, nil
		}
	}

	c.logger.Debug("Falling back to chat-completions rerank",
		zap.String("base_url", baseURL))
	return c.rerankViaChat(ctx, baseURL, apiKey, req)
}

func notImplemented(status int) bool {
	return status == http.StatusNotFound ||
		status == http.StatusMethodNotAllowed ||
		status == http.StatusNotImplemented
}

// rerankViaScore uses the pairwise score API: text_1 is the query, text_2
// the documents, one score per document in order.
func (c *Client) rerankViaScore(ctx context.Context, baseURL, apiKey string, req *Request) (*Response, error) {
	docs := make([]string, len(req.Documents))
	for i, doc := range req.Documents {
		docs[i] = DocumentText(doc)
	}
	payload := map[string]interface{}{
		"model":  req.Model,
		"text_1": req.Query,
		"text_2": docs,
	}

	status, body, err := c.post(ctx, baseURL+"/score", apiKey, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("score API returned status %d", status)
	}

	var scoreResp struct {
		Data []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &scoreResp); err != nil {
		return nil, fmt.Errorf("invalid score response: %w", err)
	}

	results := make([]Result, len(scoreResp.Data))
	for i, entry := range scoreResp.Data {
		// Backends may return scores out of order; trust the declared
		// index and fall back to position only when it is out of range.
		idx := entry.Index
		if idx < 0 || idx >= len(req.Documents) {
			idx = i
		}
		results[i] = Result{Index: idx, RelevanceScore: entry.Score}
	}
	return c.assemble(req, results), nil
}

// rerankViaChat judges each document with one max_tokens=1 chat call,
// concurrently, and scores from the first-token logprobs.
func (c *Client) rerankViaChat(ctx context.Context, baseURL, apiKey string, req *Request) (*Response, error) {
	results := make([]Result, len(req.Documents))
	errs := make([]error, len(req.Documents))

	var wg sync.WaitGroup
	for i := range req.Documents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			score, err := c.judgeDocument(ctx, baseURL, apiKey, req.Model, req.Query, DocumentText(req.Documents[i]))
			results[i] = Result{Index: i, RelevanceScore: score}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("chat rerank fallback failed: %w", err)
		}
	}
	return c.assemble(req, results), nil
}

func (c *Client) judgeDocument(ctx context.Context, baseURL, apiKey, model, query, document string) (float64, error) {
	payload := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": judgeSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("<Query>%s</Query>\n<Document>%s</Document>", query, document)},
		},
		"max_tokens":   1,
		"temperature":  0,
		"logprobs":     true,
		"top_logprobs": 20,
		// Reasoning models would otherwise burn the single output token
		// on a thinking trace.
		"chat_template_kwargs": map[string]interface{}{"enable_thinking": false},
	}

	status, body, err := c.post(ctx, baseURL+"/v1/chat/completions", apiKey, payload)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("judge call returned status %d", status)
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Logprobs *struct {
				Content []struct {
					TopLogprobs []TokenLogprob `json:"top_logprobs"`
				} `json:"content"`
			} `json:"logprobs"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return 0, fmt.Errorf("invalid judge response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return 0, nil
	}

	choice := chatResp.Choices[0]
	if choice.Logprobs != nil && len(choice.Logprobs.Content) > 0 {
		return relevanceFromLogprobs(choice.Logprobs.Content[0].TopLogprobs), nil
	}
	return relevanceFromText(choice.Message.Content), nil
}

func (c *Client) assemble(req *Request, results []Result) *Response {
	if req.ReturnDocuments != nil && *req.ReturnDocuments {
		for i := range results {
			results[i].Document = req.Documents[results[i].Index]
		}
	}
	return &Response{
		Model:   req.Model,
		Results: truncateTopN(results, req.TopN),
		Usage:   Usage{TotalTokens: BilledTokens(req)},
	}
}

func (c *Client) post(ctx context.Context, url, apiKey string, payload interface{}) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
