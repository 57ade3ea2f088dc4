// Package sparse provides BM25 term retrieval over code chunks, with a
// bleve backend and a SQLite FTS5 backend behind one interface, fronted
// by a single-writer queue per store.
package sparse

import (
	"context"
	"fmt"
	"path/filepath"
)

// Doc is one chunk as stored in the sparse segment.
type Doc struct {
	DocID     string
	Path      string
	Language  string
	Symbols   []string
	Content   string
	StartLine int
	EndLine   int
}

// Hit is one scored retrieval result, hydrated from stored fields.
type Hit struct {
	DocID     string
	Score     float64
	Path      string
	Language  string
	Symbols   []string
	Content   string
	StartLine int
	EndLine   int
}

// Filter restricts retrieval to a path prefix and/or language set.
type Filter struct {
	PathPrefix string
	Languages  []string
}

// Empty reports whether the filter imposes no restriction.
func (f Filter) Empty() bool {
	return f.PathPrefix == "" && len(f.Languages) == 0
}

// Index is the sparse segment contract shared by both backends.
type Index interface {
	Upsert(ctx context.Context, docs []Doc) error
	DeleteByPath(ctx context.Context, path string) (int, error)
	DeleteByPathPrefix(ctx context.Context, prefix string) (int, error)
	Query(ctx context.Context, queryText string, filter Filter, k int) ([]Hit, error)
	DocCount() (uint64, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBleve  = "bleve"
	BackendSQLite = "sqlite"
)

// Open creates or opens a sparse segment under dir. An empty dir yields
// an in-memory segment for tests.
func Open(backend, dir string) (Index, error) {
	switch backend {
	case BackendBleve, "":
		path := ""
		if dir != "" {
			path = filepath.Join(dir, "bleve")
		}
		return OpenBleve(path)
	case BackendSQLite:
		path := ""
		if dir != "" {
			path = filepath.Join(dir, "sparse.db")
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown sparse backend %q", backend)
	}
}
