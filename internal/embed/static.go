package embed

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Feature weights for the hash-based vector.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3

	// DefaultStaticDimensions matches the usual small-model width.
	DefaultStaticDimensions = 384
)

var staticTokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StaticEmbedder produces deterministic hash-based embeddings with no
// model or network dependency. Semantic quality is reduced but identical
// text always yields the identical vector, which keeps indexing and
// search usable offline and in tests.
type StaticEmbedder struct {
	dims   int
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder of the given width.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultStaticDimensions
	}
	return &StaticEmbedder{dims: dims}
}

// Embed generates one vector per input text, in order.
func (e *StaticEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errClosed("static embedder")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *StaticEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vec
	}

	for _, token := range staticTokens(trimmed) {
		vec[hashIndex(token, e.dims)] += tokenWeight
	}
	for _, gram := range ngrams(strings.ToLower(trimmed), ngramSize) {
		vec[hashIndex(gram, e.dims)] += ngramWeight
	}

	normalizeVec(vec)
	return vec
}

// Dimensions returns the vector width.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName identifies this embedder for cache keying.
func (e *StaticEmbedder) ModelName() string { return "static-hash" }

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// StaticReranker scores candidates by lexical token overlap with the
// query. It is the offline stand-in for a cross-encoder.
type StaticReranker struct{}

var _ Reranker = (*StaticReranker)(nil)

// NewStaticReranker creates the lexical reranker.
func NewStaticReranker() *StaticReranker { return &StaticReranker{} }

// Rerank orders docs by overlap score, descending, truncated to topK.
func (r *StaticReranker) Rerank(ctx context.Context, query string, docs []string, topK int) ([]RerankResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 || topK <= 0 {
		return nil, nil
	}

	queryTokens := make(map[string]bool)
	for _, tok := range staticTokens(query) {
		queryTokens[tok] = true
	}

	results := make([]RerankResult, len(docs))
	for i, doc := range docs {
		overlap := 0
		docTokens := staticTokens(doc)
		for _, tok := range docTokens {
			if queryTokens[tok] {
				overlap++
			}
		}
		score := 0.0
		if len(docTokens) > 0 {
			score = float64(overlap) / math.Sqrt(float64(len(docTokens)))
		}
		results[i] = RerankResult{Index: i, Score: score}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Close is a no-op.
func (r *StaticReranker) Close() error { return nil }

func staticTokens(text string) []string {
	var tokens []string
	for _, word := range staticTokenRegex.FindAllString(text, -1) {
		for _, part := range splitCamel(word) {
			lower := strings.ToLower(part)
			if lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitCamel(word string) []string {
	var parts []string
	start := 0
	for i := 1; i < len(word); i++ {
		if word[i] >= 'A' && word[i] <= 'Z' && word[i-1] >= 'a' && word[i-1] <= 'z' {
			parts = append(parts, word[start:i])
			start = i
		}
	}
	return append(parts, word[start:])
}

func ngrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

func hashIndex(s string, dims int) int {
	return int(xxhash.Sum64String(s) % uint64(dims))
}

func normalizeVec(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
