package search

import (
	"context"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/query"
	"github.com/lodestone-search/lodestone/internal/sparse"
	"github.com/lodestone-search/lodestone/internal/store"
	"github.com/lodestone-search/lodestone/internal/vector"
)

// EngineOptions wires an Engine.
type EngineOptions struct {
	Stores     *store.Manager
	Embedder   embed.Embedder
	Reranker   embed.Reranker // nil disables reranking entirely
	Classifier query.Classifier
	Logger     *slog.Logger
}

// Engine answers hybrid queries against one store at a time.
type Engine struct {
	stores     *store.Manager
	embedder   embed.Embedder
	reranker   embed.Reranker
	classifier query.Classifier
	logger     *slog.Logger
}

// NewEngine creates the hybrid engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = query.NewPatternClassifier()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		stores:     opts.Stores,
		embedder:   opts.Embedder,
		reranker:   opts.Reranker,
		classifier: opts.Classifier,
		logger:     opts.Logger,
	}
}

// Search runs the full retrieval pipeline: parse, parallel prefetch,
// fuse, rerank, postrank, truncate. Dense-side model failures degrade
// the response to sparse-only instead of failing it.
func (e *Engine) Search(ctx context.Context, storeName, rawQuery string, opts Options) (Response, error) {
	start := time.Now()
	opts = opts.sanitized()

	if rawQuery == "" {
		return Response{}, errors.New(errors.KindValidation, "query must not be empty")
	}

	h, err := e.stores.Ensure(storeName)
	if err != nil {
		return Response{}, err
	}

	parsed := query.Parse(rawQuery)

	sparseWeight, denseWeight, err := e.resolveWeights(ctx, rawQuery, opts)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	prefetch := opts.prefetchSize()
	sparseFilter := sparse.Filter{PathPrefix: opts.Filter.PathPrefix, Languages: opts.Filter.Languages}
	denseFilter := vector.Filter{PathPrefix: opts.Filter.PathPrefix, Languages: opts.Filter.Languages}

	var (
		sparseHits []sparse.Hit
		denseHits  []vector.Hit
		degraded   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := h.Sparse.Query(gctx, parsed.SearchQuery, sparseFilter, prefetch)
		if err != nil {
			return err
		}
		sparseHits = hits
		return nil
	})
	g.Go(func() error {
		vecs, err := e.embedder.Embed(gctx, []string{parsed.SearchQuery})
		if err != nil {
			if kind := errors.KindOf(err); kind == errors.KindModelUnavailable || kind == errors.KindTimeout {
				degraded = true
				e.logger.Warn("dense retrieval unavailable, serving sparse-only",
					"store", storeName, "error", err)
				return nil
			}
			return err
		}
		hits, err := h.Vectors.Search(gctx, vecs[0], prefetch, denseFilter)
		if err != nil {
			return err
		}
		denseHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	cands := fuse(sparseHits, denseHits, sparseWeight, denseWeight)
	if len(cands) > opts.RerankCandidates {
		cands = cands[:opts.RerankCandidates]
	}

	rerankApplied := false
	if opts.EnableRerank && e.reranker != nil && len(cands) >= 2 {
		reranked, err := e.rerank(ctx, rawQuery, cands)
		if err != nil {
			e.logger.Warn("rerank failed, keeping fused order",
				"store", storeName, "error", err)
		} else {
			cands = reranked
			rerankApplied = true
		}
	}

	lookup := func(id string) ([]float32, bool) { return h.Vectors.Vector(id) }
	if opts.EnableDedup {
		cands = dedup(cands, opts.DedupThreshold, lookup, vector.Cosine)
	}
	if opts.EnableDiversity {
		cands = diversify(cands, opts.DiversityLambda, lookup, vector.Cosine)
	}
	if opts.GroupByFile {
		cands = groupByFile(cands, opts.MaxChunksPerFile)
	}
	if len(cands) > opts.TopK {
		cands = cands[:opts.TopK]
	}

	results := make([]Result, len(cands))
	for i, c := range cands {
		r := Result{
			DocID:       c.docID,
			Path:        c.path,
			Language:    c.language,
			StartLine:   c.startLine,
			EndLine:     c.endLine,
			Symbols:     c.symbols,
			FinalScore:  c.relevance,
			FusedScore:  c.fused,
			SparseScore: c.sparseScore,
			DenseScore:  c.denseScore,
		}
		if rerankApplied {
			r.RerankScore = c.rerankScore
		}
		if opts.IncludeContent {
			r.Content = c.content
		}
		results[i] = r
	}

	return Response{
		Query:         rawQuery,
		Parsed:        parsed,
		Results:       results,
		Total:         len(results),
		RerankApplied: rerankApplied,
		Degraded:      degraded,
		SearchTimeMS:  time.Since(start).Milliseconds(),
	}, nil
}

// resolveWeights picks the sparse/dense split: explicit weights win,
// otherwise the classifier's preset for this query shape.
func (e *Engine) resolveWeights(ctx context.Context, rawQuery string, opts Options) (float64, float64, error) {
	if opts.SparseWeight == 0 && opts.DenseWeight == 0 {
		w := query.WeightsForType(e.classifier.Classify(ctx, rawQuery))
		return w.Sparse, w.Dense, nil
	}
	if math.Abs(opts.SparseWeight+opts.DenseWeight-1.0) > 1e-3 {
		return 0, 0, errors.Newf(errors.KindValidation,
			"sparse_weight %.3f and dense_weight %.3f must sum to 1.0",
			opts.SparseWeight, opts.DenseWeight)
	}
	return opts.SparseWeight, opts.DenseWeight, nil
}

// rerank rescores candidates with the cross-encoder and reorders by the
// model's scores, model-native range preserved.
func (e *Engine) rerank(ctx context.Context, rawQuery string, cands []*candidate) ([]*candidate, error) {
	docs := make([]string, len(cands))
	for i, c := range cands {
		if c.content != "" {
			docs[i] = embed.Truncate(c.content)
		} else {
			docs[i] = c.path
		}
	}

	// Every candidate gets a score, not just top_k: dedup, MMR, and
	// file grouping still run after this and need the full ordering.
	scored, err := e.reranker.Rerank(ctx, rawQuery, docs, len(cands))
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(scored))
	out := make([]*candidate, 0, len(cands))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(cands) || seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		c := cands[s.Index]
		c.rerankScore = s.Score
		c.relevance = s.Score
		out = append(out, c)
	}
	// Anything the model did not score keeps its fused position at the
	// tail.
	for i, c := range cands {
		if !seen[i] {
			out = append(out, c)
		}
	}
	sortCandidates(out)
	return out, nil
}
