package search

import (
	"sort"

	"github.com/lodestone-search/lodestone/internal/sparse"
	"github.com/lodestone-search/lodestone/internal/vector"
)

// candidate carries one doc through fusion and postranking.
type candidate struct {
	docID string

	path      string
	language  string
	startLine int
	endLine   int
	content   string
	symbols   []string

	sparseScore float64 // raw BM25
	denseScore  float64 // raw cosine-derived
	sparseRank  int     // 1-indexed, 0 if absent
	denseRank   int

	normSparse float64
	normDense  float64
	fused      float64

	rerankScore float64
	// relevance orders the list at any point in the pipeline: fused
	// first, replaced by the rerank score when reranking applies.
	relevance float64
}

// fuse min-max normalizes each source to [0,1] and combines them with
// the given weights, treating a doc's missing side as 0. The returned
// list is sorted by fused score with deterministic tie-breaks.
func fuse(sparseHits []sparse.Hit, denseHits []vector.Hit, sparseWeight, denseWeight float64) []*candidate {
	if len(sparseHits) == 0 && len(denseHits) == 0 {
		return nil
	}

	byID := make(map[string]*candidate, len(sparseHits)+len(denseHits))
	get := func(id string) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{docID: id}
		byID[id] = c
		return c
	}

	sparseMin, sparseMax := scoreRangeSparse(sparseHits)
	for i, h := range sparseHits {
		c := get(h.DocID)
		c.sparseScore = h.Score
		c.sparseRank = i + 1
		c.normSparse = minMax(h.Score, sparseMin, sparseMax)
		c.path = h.Path
		c.language = h.Language
		c.startLine = h.StartLine
		c.endLine = h.EndLine
		c.content = h.Content
		c.symbols = h.Symbols
	}

	denseMin, denseMax := scoreRangeDense(denseHits)
	for i, h := range denseHits {
		c := get(h.DocID)
		c.denseScore = h.Score
		c.denseRank = i + 1
		c.normDense = minMax(h.Score, denseMin, denseMax)
		if c.path == "" {
			c.path = h.Payload.Path
			c.language = h.Payload.Language
			c.startLine = h.Payload.StartLine
			c.endLine = h.Payload.EndLine
		}
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		c.fused = sparseWeight*c.normSparse + denseWeight*c.normDense
		c.relevance = c.fused
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by relevance descending, breaking ties by the
// original sparse rank and then doc_id so identical inputs always yield
// identical output.
func sortCandidates(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		ar, br := tieRank(a.sparseRank), tieRank(b.sparseRank)
		if ar != br {
			return ar < br
		}
		return a.docID < b.docID
	})
}

func tieRank(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}

func scoreRangeSparse(hits []sparse.Hit) (float64, float64) {
	if len(hits) == 0 {
		return 0, 0
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	return lo, hi
}

func scoreRangeDense(hits []vector.Hit) (float64, float64) {
	if len(hits) == 0 {
		return 0, 0
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	return lo, hi
}

// minMax scales x into [0,1]. A degenerate range maps every score to 1:
// a single hit is a full-strength match for its source.
func minMax(x, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (x - lo) / (hi - lo)
}
