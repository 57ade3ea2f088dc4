// Package embed provides the embedding and reranking model clients, a
// deterministic offline embedder, and the bounded embedding cache.
package embed

import (
	"context"

	"github.com/lodestone-search/lodestone/internal/errors"
)

// MaxInputChars caps text sent to the embedder. Longer inputs are
// truncated by callers before batching.
const MaxInputChars = 8000

// Embedder turns texts into fixed-dimension L2-normalized vectors.
// Output order matches input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	Close() error
}

// RerankResult scores one input document; Index points into the input
// list. Scores are in the model's native range.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker reorders candidate documents against a query with a
// cross-encoder. Results are sorted by descending score and truncated
// to topK.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]RerankResult, error)
	Close() error
}

// SparseVector is a term-weighted sparse encoding.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SparseEncoder is the optional sparse-via-model path.
type SparseEncoder interface {
	SparseEncode(ctx context.Context, texts []string) ([]SparseVector, error)
}

// Truncate bounds a text to MaxInputChars.
func Truncate(text string) string {
	if len(text) <= MaxInputChars {
		return text
	}
	return text[:MaxInputChars]
}

func errClosed(what string) error {
	return errors.New(errors.KindInternal, what+" is closed")
}
