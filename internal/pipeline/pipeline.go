// Package pipeline orchestrates indexing: change detection, chunking,
// fan-out to the sparse write queue and the embedding queue, and file
// tracking for incremental sync.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lodestone-search/lodestone/internal/chunk"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/sparse"
	"github.com/lodestone-search/lodestone/internal/store"
	"github.com/lodestone-search/lodestone/internal/tracker"
)

// DefaultMaxFileCount bounds one IndexFiles call.
const DefaultMaxFileCount = 5000

// Statuses reported by IndexFiles.
const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
)

// File is one unit of ingest.
type File struct {
	Path    string
	Content []byte
}

// AcceptResponse reports what IndexFiles admitted. Status "accepted"
// means chunks are queued and the indexes are eventually consistent;
// "completed" means there was nothing left to do.
type AcceptResponse struct {
	JobID            string   `json:"job_id,omitempty"`
	Status           string   `json:"status"`
	FilesAccepted    int      `json:"files_accepted"`
	ChunksQueued     int      `json:"chunks_queued"`
	QueuePosition    int      `json:"queue_position"`
	SkippedUnchanged int      `json:"skipped_unchanged"`
	Errors           []string `json:"errors,omitempty"`
}

// DeleteResponse reports what DeleteFiles removed from each index.
type DeleteResponse struct {
	SparseDeleted int   `json:"sparse_deleted"`
	DenseDeleted  int   `json:"dense_deleted"`
	TimeMS        int64 `json:"time_ms"`
}

// SyncResponse lists the paths removed by SyncDeleted.
type SyncResponse struct {
	Deleted []string `json:"deleted"`
}

// Options configures a Pipeline.
type Options struct {
	Stores       *store.Manager
	Chunker      *chunk.Chunker
	MaxFileCount int
	Logger       *slog.Logger
}

// Pipeline is the sole writer of tracker state. It never waits for the
// sparse or dense indexes: admission is recorded in the tracker first,
// and the queues converge the backing stores afterwards.
type Pipeline struct {
	stores       *store.Manager
	chunker      *chunk.Chunker
	maxFileCount int
	logger       *slog.Logger
}

// New creates a pipeline over the given store manager and chunker.
func New(opts Options) *Pipeline {
	if opts.MaxFileCount <= 0 {
		opts.MaxFileCount = DefaultMaxFileCount
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		stores:       opts.Stores,
		chunker:      opts.Chunker,
		maxFileCount: opts.MaxFileCount,
		logger:       opts.Logger,
	}
}

// IndexFiles admits files into the named store. Unchanged files are
// skipped unless force is set. Rejected files (binary, oversized) are
// skipped with a warning and reported in Errors.
func (p *Pipeline) IndexFiles(ctx context.Context, storeName string, files []File, force bool) (AcceptResponse, error) {
	if len(files) == 0 {
		return AcceptResponse{Status: StatusCompleted}, nil
	}
	if len(files) > p.maxFileCount {
		return AcceptResponse{}, errors.Newf(errors.KindValidation,
			"%d files exceeds the per-call limit of %d", len(files), p.maxFileCount)
	}

	h, err := p.stores.Ensure(storeName)
	if err != nil {
		return AcceptResponse{}, err
	}

	normalized := make([]File, len(files))
	for i, f := range files {
		normalized[i] = File{Path: tracker.NormalizePath(f.Path), Content: f.Content}
	}

	resp := AcceptResponse{Status: StatusCompleted}
	toProcess := normalized
	if !force {
		check := make([]tracker.FileContent, len(normalized))
		for i, f := range normalized {
			check[i] = tracker.FileContent{Path: f.Path, Content: f.Content}
		}
		changes := h.Tracker.CheckChanges(check)
		resp.SkippedUnchanged = len(changes.Unchanged)

		keep := make(map[string]bool, len(changes.Changed)+len(changes.New))
		for _, path := range changes.Changed {
			keep[path] = true
		}
		for _, path := range changes.New {
			keep[path] = true
		}
		toProcess = toProcess[:0]
		for _, f := range normalized {
			if keep[f.Path] {
				toProcess = append(toProcess, f)
			}
		}
	}

	var (
		allChunks []chunk.Chunk
		docs      []sparse.Doc
		entries   []tracker.Entry
	)
	for _, f := range toProcess {
		if err := ctx.Err(); err != nil {
			return AcceptResponse{}, err
		}

		result, err := p.chunker.Chunk(ctx, f.Path, f.Content)
		if err != nil {
			return AcceptResponse{}, err
		}
		if result.Rejected() {
			p.logger.Warn("file skipped", "path", f.Path, "reason", result.Fallback)
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s", f.Path, result.Fallback))
			continue
		}
		if len(result.Chunks) == 0 {
			continue
		}
		if result.Fallback != "" {
			p.logger.Debug("chunker fell back to line windows",
				"path", f.Path, "reason", result.Fallback)
		}

		chunkIDs := make([]string, len(result.Chunks))
		for i, c := range result.Chunks {
			chunkIDs[i] = c.DocID
			docs = append(docs, sparse.Doc{
				DocID:     c.DocID,
				Path:      c.Path,
				Language:  c.Language,
				Symbols:   c.Symbols,
				Content:   c.Content,
				StartLine: c.StartLine,
				EndLine:   c.EndLine,
			})
		}
		allChunks = append(allChunks, result.Chunks...)
		entries = append(entries, tracker.Entry{Path: f.Path, Content: f.Content, ChunkIDs: chunkIDs})
		resp.FilesAccepted++
	}

	if len(allChunks) == 0 {
		return resp, nil
	}

	sparseJobID := h.SparseQueue.EnqueueUpsert(docs)

	// Tracking commits before embeddings finish: the tracker records what
	// was admitted, the queues make the indexes catch up.
	if err := h.Tracker.Track(entries); err != nil {
		return AcceptResponse{}, err
	}

	receipt, err := h.Embeddings.Enqueue(ctx, allChunks)
	if err != nil {
		// Backpressure must leave the files untracked, or the caller's
		// retry would see them as unchanged and the dense work would be
		// lost for good.
		for _, e := range entries {
			if _, uerr := h.Tracker.Untrack(e.Path); uerr != nil {
				p.logger.Error("untrack after enqueue failure",
					"store", storeName, "path", e.Path, "error", uerr)
			}
		}
		return AcceptResponse{}, err
	}

	resp.Status = StatusAccepted
	resp.JobID = receipt.JobID
	resp.QueuePosition = receipt.Position
	resp.ChunksQueued = len(allChunks)

	p.logger.Info("files admitted",
		"store", storeName,
		"files", resp.FilesAccepted,
		"chunks", resp.ChunksQueued,
		"skipped_unchanged", resp.SkippedUnchanged,
		"sparse_job", sparseJobID,
		"embed_job", receipt.JobID)
	return resp, nil
}

// DeleteFiles removes files by explicit paths or by path prefix, fanning
// the deletion to the sparse queue and the vector collection before
// untracking. Exactly one of paths or prefix should be set; prefix ""
// with no paths clears the whole store.
func (p *Pipeline) DeleteFiles(ctx context.Context, storeName string, paths []string, prefix *string) (DeleteResponse, error) {
	start := time.Now()

	h, err := p.stores.Ensure(storeName)
	if err != nil {
		return DeleteResponse{}, err
	}

	var resp DeleteResponse
	switch {
	case len(paths) > 0:
		for _, raw := range paths {
			path := tracker.NormalizePath(raw)
			ids := h.Tracker.ChunkIDs(path)
			resp.SparseDeleted += len(ids)
			resp.DenseDeleted += h.Vectors.Delete(ids)
			h.SparseQueue.EnqueueDeletePath(path)
			if _, err := h.Tracker.Untrack(path); err != nil {
				return DeleteResponse{}, err
			}
		}
	case prefix != nil:
		pfx := tracker.NormalizePath(*prefix)
		if pfx == "." {
			pfx = ""
		}
		for _, f := range h.Tracker.List() {
			if pfx == "" || strings.HasPrefix(f.Path, pfx) {
				resp.SparseDeleted += len(f.ChunkIDs)
			}
		}
		resp.DenseDeleted += h.Vectors.DeleteByPathPrefix(pfx)
		h.SparseQueue.EnqueueDeletePrefix(pfx)
		if _, err := h.Tracker.UntrackByPrefix(pfx); err != nil {
			return DeleteResponse{}, err
		}
	default:
		return DeleteResponse{}, errors.New(errors.KindValidation, "delete needs paths or a path prefix")
	}

	// Make the sparse deletion visible before reporting.
	if err := h.SparseQueue.Flush(ctx); err != nil {
		return DeleteResponse{}, err
	}

	resp.TimeMS = time.Since(start).Milliseconds()
	return resp, nil
}

// Reindex wipes the store's indexes and re-admits files from scratch.
func (p *Pipeline) Reindex(ctx context.Context, storeName string, files []File) (AcceptResponse, error) {
	h, err := p.stores.Ensure(storeName)
	if err != nil {
		return AcceptResponse{}, err
	}

	if err := h.Tracker.Clear(); err != nil {
		return AcceptResponse{}, err
	}
	h.Vectors.DeleteByPathPrefix("")
	h.SparseQueue.EnqueueDeletePrefix("")
	if err := h.SparseQueue.Flush(ctx); err != nil {
		return AcceptResponse{}, err
	}

	return p.IndexFiles(ctx, storeName, files, true)
}

// SyncDeleted removes every tracked file that is absent from
// currentPaths.
func (p *Pipeline) SyncDeleted(ctx context.Context, storeName string, currentPaths []string) (SyncResponse, error) {
	h, err := p.stores.Ensure(storeName)
	if err != nil {
		return SyncResponse{}, err
	}

	normalized := make([]string, len(currentPaths))
	for i, path := range currentPaths {
		normalized[i] = tracker.NormalizePath(path)
	}

	removed := h.Tracker.FindDeleted(normalized)
	if len(removed) == 0 {
		return SyncResponse{}, nil
	}
	if _, err := p.DeleteFiles(ctx, storeName, removed, nil); err != nil {
		return SyncResponse{}, err
	}
	return SyncResponse{Deleted: removed}, nil
}
