package rerank

import (
	"math"
)

// Request is the Jina/Cohere-compatible rerank payload. Documents may be
// plain strings or objects with a text field.
type Request struct {
	Model           string        `json:"model"`
	Query           string        `json:"query"`
	Documents       []interface{} `json:"documents"`
	TopN            *int          `json:"top_n,omitempty"`
	ReturnDocuments *bool         `json:"return_documents,omitempty"`
	MaxChunksPerDoc *int          `json:"max_chunks_per_doc,omitempty"`
	RankFields      []string      `json:"rank_fields,omitempty"`
}

type Result struct {
	Index          int         `json:"index"`
	RelevanceScore float64     `json:"relevance_score"`
	Document       interface{} `json:"document,omitempty"`
}

type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

type Response struct {
	Model   string   `json:"model"`
	Results []Result `json:"results"`
	Usage   Usage    `json:"usage"`
}

// DocumentText extracts the rankable text from one document entry.
func DocumentText(doc interface{}) string {
	switch d := doc.(type) {
	case string:
		return d
	case map[string]interface{}:
		if text, ok := d["text"].(string); ok {
			return text
		}
	}
	return ""
}

// BilledTokens is the attribution for rerank billing: one token per four
// characters across query and documents, rounded up. Character counts, not
// bytes.
func BilledTokens(req *Request) int {
	chars := len([]rune(req.Query))
	for _, doc := range req.Documents {
		chars += len([]rune(DocumentText(doc)))
	}
	return int(math.Ceil(float64(chars) / 4))
}

// truncateTopN sorts results in place descending by score and keeps the
// first top_n. A nil top_n keeps everything.
func truncateTopN(results []Result, topN *int) []Result {
	sortByScoreDesc(results)
	if topN != nil && *topN >= 0 && *topN < len(results) {
		return results[:*topN]
	}
	return results
}

func sortByScoreDesc(results []Result) {
	// Insertion sort keeps equal-score results in input order, so ties
	// break by document index.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].RelevanceScore > results[j-1].RelevanceScore; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
