// Package store manages logical search namespaces. Each store owns an
// isolated sparse segment, vector collection, file tracker, and
// embedding queue under <data_root>/stores/<name>/.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/queue"
	"github.com/lodestone-search/lodestone/internal/sparse"
	"github.com/lodestone-search/lodestone/internal/tracker"
	"github.com/lodestone-search/lodestone/internal/vector"
)

// DefaultStore is the namespace that always exists for the server's
// lifetime and cannot be deleted.
const DefaultStore = "default"

const (
	metaFile    = "meta.json"
	trackerFile = "tracker.json"
	sparseDir   = "sparse"
	vectorFile  = "vectors.hnsw"
)

// Meta is the persisted store metadata.
type Meta struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Per-store chunking overrides; zero means the server default.
	ChunkSize    int `json:"chunk_size,omitempty"`
	ChunkOverlap int `json:"chunk_overlap,omitempty"`
}

// Stats aggregates one store's counters across its backing resources.
type Stats struct {
	DocCount     int       `json:"doc_count"`
	ChunkCount   uint64    `json:"chunk_count"`
	VectorCount  int       `json:"vector_count"`
	TotalSize    int64     `json:"total_size"`
	LastIndexed  time.Time `json:"last_indexed"`
	QueueDepth   int       `json:"queue_depth"`
	FailedChunks int64     `json:"failed_chunks"`
}

// Handle bundles one store's live resources. All fields are owned by the
// Manager; callers must not close them individually.
type Handle struct {
	Meta        Meta
	Tracker     *tracker.Tracker
	Sparse      sparse.Index
	SparseQueue *sparse.WriteQueue
	Vectors     *vector.Collection
	Embeddings  *queue.EmbeddingQueue

	dir string
}

// Dir returns the store's on-disk directory.
func (h *Handle) Dir() string { return h.dir }

// vectorPath is where the store's collection snapshot lives.
func (h *Handle) vectorPath() string { return filepath.Join(h.dir, vectorFile) }

// close shuts the handle down in dependency order: drain the embedding
// queue first so its final upserts land before the vector snapshot.
func (h *Handle) close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if h.Embeddings != nil {
		record(h.Embeddings.Close())
	}
	if h.SparseQueue != nil {
		h.SparseQueue.Close()
	}
	if h.Vectors != nil {
		record(h.Vectors.Save(h.vectorPath()))
		record(h.Vectors.Close())
	}
	if h.Sparse != nil {
		record(h.Sparse.Close())
	}
	return firstErr
}

func loadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, errors.Wrap(errors.KindInternal, "read store metadata", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, errors.Wrap(errors.KindInternal, "decode store metadata", err)
	}
	return m, nil
}

func saveMeta(path string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode store metadata", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.KindInternal, "write store metadata", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "commit store metadata", err)
	}
	return nil
}
