package search

import "time"

// Defaults for search options.
const (
	DefaultTopK               = 20
	DefaultRerankCandidates   = 50
	DefaultSparseWeight       = 0.5
	DefaultDenseWeight        = 0.5
	DefaultDedupThreshold     = 0.85
	DefaultDiversityLambda    = 0.7
	DefaultMaxChunksPerFile   = 3
	DefaultPrefetchMultiplier = 3
	DefaultTimeout            = 30 * time.Second
)

// Filter restricts hits by path prefix and language.
type Filter struct {
	PathPrefix string   `json:"path_prefix,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

// Options controls one Search call. Use DefaultOptions as the base and
// override fields; the zero value of Options is NOT usable directly.
type Options struct {
	TopK             int
	RerankCandidates int

	// SparseWeight and DenseWeight must sum to 1.0 when set. Leaving
	// both zero lets the query classifier pick a preset.
	SparseWeight float64
	DenseWeight  float64

	EnableRerank    bool
	EnableDedup     bool
	DedupThreshold  float64
	EnableDiversity bool
	DiversityLambda float64

	GroupByFile      bool
	MaxChunksPerFile int

	IncludeContent     bool
	PrefetchMultiplier int
	Filter             Filter
	Timeout            time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		TopK:               DefaultTopK,
		RerankCandidates:   DefaultRerankCandidates,
		EnableRerank:       true,
		EnableDedup:        true,
		DedupThreshold:     DefaultDedupThreshold,
		EnableDiversity:    true,
		DiversityLambda:    DefaultDiversityLambda,
		GroupByFile:        false,
		MaxChunksPerFile:   DefaultMaxChunksPerFile,
		IncludeContent:     true,
		PrefetchMultiplier: DefaultPrefetchMultiplier,
		Timeout:            DefaultTimeout,
	}
}

// sanitized fills holes left by partial construction.
func (o Options) sanitized() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.RerankCandidates <= 0 {
		o.RerankCandidates = DefaultRerankCandidates
	}
	if o.DedupThreshold <= 0 || o.DedupThreshold > 1 {
		o.DedupThreshold = DefaultDedupThreshold
	}
	if o.DiversityLambda <= 0 || o.DiversityLambda > 1 {
		o.DiversityLambda = DefaultDiversityLambda
	}
	if o.MaxChunksPerFile <= 0 {
		o.MaxChunksPerFile = DefaultMaxChunksPerFile
	}
	if o.PrefetchMultiplier <= 0 {
		o.PrefetchMultiplier = DefaultPrefetchMultiplier
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// prefetchSize is how deep each retriever fetches before fusion.
func (o Options) prefetchSize() int {
	n := o.TopK
	if o.RerankCandidates > n {
		n = o.RerankCandidates
	}
	return o.PrefetchMultiplier * n
}
