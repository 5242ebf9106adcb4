package rerank

import (
	"math"
	"strings"
)

// TokenLogprob is one entry of a chat completion's first-token
// top-logprobs.
type TokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

func normalizeToken(token string) string {
	token = strings.TrimSpace(strings.ToLower(token))
	return strings.TrimSuffix(token, ".")
}

// relevanceFromLogprobs turns a judge model's first-token distribution
// into a relevance score: p_yes / (p_yes + p_no). With only a yes mass the
// raw probability is used; with neither, zero.
func relevanceFromLogprobs(topLogprobs []TokenLogprob) float64 {
	var pYes, pNo float64
	var haveYes, haveNo bool

	for _, entry := range topLogprobs {
		switch normalizeToken(entry.Token) {
		case "yes":
			if !haveYes {
				pYes = math.Exp(entry.Logprob)
				haveYes = true
			}
		case "no":
			if !haveNo {
				pNo = math.Exp(entry.Logprob)
				haveNo = true
			}
		}
	}

	switch {
	case haveYes && haveNo:
		return pYes / (pYes + pNo)
	case haveYes:
		return pYes
	default:
		return 0
	}
}

// relevanceFromText is the last-resort score when the backend returned no
// logprobs at all.
func relevanceFromText(text string) float64 {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "yes") {
		return 1
	}
	return 0
}
