package query

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/lodestone-search/lodestone/internal/embed"
)

// QueryType drives the sparse/dense weight preset when the caller did
// not choose weights explicitly.
type QueryType string

const (
	// QueryTypeLexical means the query is an identifier, error code, or
	// path: exact matching dominates.
	QueryTypeLexical QueryType = "lexical"
	// QueryTypeSemantic means natural language: embeddings dominate.
	QueryTypeSemantic QueryType = "semantic"
	// QueryTypeMixed is the balanced default.
	QueryTypeMixed QueryType = "mixed"
)

// Weights is a sparse/dense split summing to 1.0.
type Weights struct {
	Sparse float64
	Dense  float64
}

// WeightsForType returns the preset for a query type.
func WeightsForType(qt QueryType) Weights {
	switch qt {
	case QueryTypeLexical:
		return Weights{Sparse: 0.7, Dense: 0.3}
	case QueryTypeSemantic:
		return Weights{Sparse: 0.3, Dense: 0.7}
	default:
		return Weights{Sparse: 0.5, Dense: 0.5}
	}
}

// Classifier decides what kind of query this is. Implementations must
// not fail the search path: on any internal error they fall back to a
// usable answer.
type Classifier interface {
	Classify(ctx context.Context, query string) QueryType
}

var (
	errorCodeRe = regexp.MustCompile(`(?i)^(ERR_\w+|E\d{4,5}|[A-Z]{2,}\d{3,}|\w+Exception)$`)
	quotedRe    = regexp.MustCompile(`^["'].*["']$`)
	filePathRe  = regexp.MustCompile(`(?i)^[\w\-\./\\]+\.(go|ts|tsx|js|jsx|py|md|json|yaml|yml|toml|rs|java|rb|c|cpp|h|sh|sql|css|html)$`)

	camelCaseRe      = regexp.MustCompile(`^[a-z]+([A-Z][a-z0-9]*)+$`)
	pascalCaseRe     = regexp.MustCompile(`^([A-Z][a-z0-9]*){2,}$`)
	snakeCaseRe      = regexp.MustCompile(`^[a-z]+(_[a-z0-9]+)+$`)
	screamingSnakeRe = regexp.MustCompile(`^[A-Z]+(_[A-Z0-9]+)+$`)

	naturalLanguageRe = regexp.MustCompile(`(?i)^(how|what|where|why|when|which|can|does|is|are|should|explain|describe|show|find|list)\s`)
)

// PatternClassifier classifies queries by shape alone. It is the always-
// available path and the fallback for the model classifier.
type PatternClassifier struct{}

// NewPatternClassifier creates the regex-based classifier.
func NewPatternClassifier() *PatternClassifier { return &PatternClassifier{} }

// Classify determines the query type from its surface form.
func (p *PatternClassifier) Classify(_ context.Context, raw string) QueryType {
	q := strings.TrimSpace(raw)
	if q == "" {
		return QueryTypeMixed
	}
	if isLexicalShape(q) {
		return QueryTypeLexical
	}
	if naturalLanguageRe.MatchString(q) {
		return QueryTypeSemantic
	}
	if len(strings.Fields(q)) >= 3 {
		return QueryTypeSemantic
	}
	return QueryTypeMixed
}

func isLexicalShape(q string) bool {
	if errorCodeRe.MatchString(q) || quotedRe.MatchString(q) || filePathRe.MatchString(q) {
		return true
	}
	if strings.Contains(q, " ") {
		return false
	}
	return camelCaseRe.MatchString(q) ||
		pascalCaseRe.MatchString(q) ||
		snakeCaseRe.MatchString(q) ||
		screamingSnakeRe.MatchString(q)
}

var _ Classifier = (*PatternClassifier)(nil)

// lexicalPrototypes and semanticPrototypes anchor the embedding-based
// classifier: the query type is whichever centroid sits closer.
var (
	lexicalPrototypes = []string{
		"parseConfigFile",
		"ERR_CONNECTION_REFUSED",
		"handle_request",
		"internal/server/session.go",
	}
	semanticPrototypes = []string{
		"how does the retry logic decide when to give up",
		"explain the authentication flow for new users",
		"what happens when the cache is full",
		"where do we validate uploaded file sizes",
	}
)

// EmbeddingClassifier scores a query against prototype centroids. Any
// embedding failure falls through to the pattern classifier without
// surfacing an error.
type EmbeddingClassifier struct {
	embedder embed.Embedder
	fallback *PatternClassifier

	mu        sync.Mutex
	centroids [2][]float32 // lexical, semantic
	ready     bool
}

// NewEmbeddingClassifier builds the model-backed classifier.
func NewEmbeddingClassifier(embedder embed.Embedder) *EmbeddingClassifier {
	return &EmbeddingClassifier{
		embedder: embedder,
		fallback: NewPatternClassifier(),
	}
}

// Classify embeds the query and the prototype sets, choosing whichever
// centroid is nearer. Lexical-looking inputs skip the model entirely.
func (e *EmbeddingClassifier) Classify(ctx context.Context, raw string) QueryType {
	q := strings.TrimSpace(raw)
	if q == "" {
		return QueryTypeMixed
	}
	if isLexicalShape(q) {
		return QueryTypeLexical
	}

	if err := e.prime(ctx); err != nil {
		return e.fallback.Classify(ctx, raw)
	}
	vecs, err := e.embedder.Embed(ctx, []string{q})
	if err != nil || len(vecs) != 1 {
		return e.fallback.Classify(ctx, raw)
	}

	lex := dot(vecs[0], e.centroids[0])
	sem := dot(vecs[0], e.centroids[1])
	switch {
	case sem > lex+0.05:
		return QueryTypeSemantic
	case lex > sem+0.05:
		return QueryTypeLexical
	default:
		return QueryTypeMixed
	}
}

func (e *EmbeddingClassifier) prime(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}
	all := append(append([]string{}, lexicalPrototypes...), semanticPrototypes...)
	vecs, err := e.embedder.Embed(ctx, all)
	if err != nil {
		return err
	}
	e.centroids[0] = centroid(vecs[:len(lexicalPrototypes)])
	e.centroids[1] = centroid(vecs[len(lexicalPrototypes):])
	e.ready = true
	return nil
}

func centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			out[i] += x
		}
	}
	inv := float32(1) / float32(len(vecs))
	for i := range out {
		out[i] *= inv
	}
	return out
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

var _ Classifier = (*EmbeddingClassifier)(nil)
