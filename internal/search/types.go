// Package search implements hybrid retrieval: parallel sparse and dense
// prefetch, min-max weighted fusion, optional cross-encoder reranking,
// and postranking (dedup, diversity, file grouping).
package search

import (
	"github.com/lodestone-search/lodestone/internal/query"
)

// Result is one ranked hit.
type Result struct {
	DocID     string   `json:"doc_id"`
	Path      string   `json:"path"`
	Language  string   `json:"language"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Content   string   `json:"content,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`

	// FinalScore orders the response: the rerank score when reranking
	// applied (model-native range), the fused score otherwise.
	FinalScore float64 `json:"final_score"`
	// FusedScore is always in [0,1].
	FusedScore  float64 `json:"fused_score"`
	SparseScore float64 `json:"sparse_score,omitempty"`
	DenseScore  float64 `json:"dense_score,omitempty"`
	RerankScore float64 `json:"rerank_score,omitempty"`
}

// Response is the outcome of one Search call.
type Response struct {
	Query         string            `json:"query"`
	Parsed        query.ParsedQuery `json:"parsed"`
	Results       []Result          `json:"results"`
	Total         int               `json:"total"`
	RerankApplied bool              `json:"rerank_applied"`
	// Degraded is set when dense retrieval was unavailable and only the
	// sparse index answered.
	Degraded     bool  `json:"degraded,omitempty"`
	SearchTimeMS int64 `json:"search_time_ms"`
}
