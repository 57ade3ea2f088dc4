// Package queue implements the durable per-store embedding queue: a
// journal-backed FIFO of chunk jobs drained by a worker pool that embeds
// batches and upserts them into the vector collection.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-search/lodestone/internal/chunk"
	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/vector"
)

// Defaults for the embedding queue.
const (
	DefaultBatchSize = 32
	DefaultMaxChunks = 10000
	DefaultWorkers   = 1
	DefaultTimeout   = 30 * time.Second
)

// Job is one enqueued unit of embedding work.
type Job struct {
	ID         string        `json:"id"`
	Chunks     []chunk.Chunk `json:"chunks"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// queuedJob pairs a job with the journal offset that acknowledges it.
type queuedJob struct {
	Job
	end int64
}

// Receipt is returned by Enqueue: the job handle and its zero-based
// position in the queue at admission time.
type Receipt struct {
	JobID    string
	Position int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	QueuedJobs   int
	QueuedChunks int
	FailedChunks int64
}

// Options configures an EmbeddingQueue.
type Options struct {
	// Dir holds the durability journal; empty disables durability.
	Dir       string
	BatchSize int
	MaxChunks int
	Workers   int
	// Timeout bounds one batch's embed + upsert round trip.
	Timeout time.Duration
	Logger  *slog.Logger
}

// EmbeddingQueue is the per-store FIFO between the indexing pipeline and
// the vector collection. Enqueue returns immediately; workers drain jobs
// in admission order, embedding in bounded batches. A failed batch is
// counted and skipped so one bad chunk never wedges the queue.
type EmbeddingQueue struct {
	embedder embed.Embedder
	coll     *vector.Collection
	opts     Options

	mu           sync.Mutex
	cond         *sync.Cond
	jobs         []queuedJob
	acks         ackWindow
	queuedChunks int
	inflight     int
	failedChunks int64
	closed       bool

	journal *journal
	wg      sync.WaitGroup
}

// New opens the queue, replays any journaled jobs that were never
// acknowledged, and starts the worker pool.
func New(embedder embed.Embedder, coll *vector.Collection, opts Options) (*EmbeddingQueue, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &EmbeddingQueue{
		embedder: embedder,
		coll:     coll,
		opts:     opts,
	}
	q.cond = sync.NewCond(&q.mu)

	if opts.Dir != "" {
		j, replayed, err := openJournal(opts.Dir)
		if err != nil {
			return nil, err
		}
		q.journal = j
		q.jobs = replayed
		for _, job := range replayed {
			q.queuedChunks += len(job.Chunks)
			q.acks.add(job.end)
		}
		if len(replayed) > 0 {
			opts.Logger.Info("replayed embedding queue journal",
				"jobs", len(replayed), "chunks", q.queuedChunks)
		}
	}

	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q, nil
}

// Enqueue admits chunks as one job. It returns queue_full when accepting
// the job would push the outstanding chunk count over the cap; callers
// retry with backoff.
func (q *EmbeddingQueue) Enqueue(ctx context.Context, chunks []chunk.Chunk) (Receipt, error) {
	if len(chunks) == 0 {
		return Receipt{}, errors.New(errors.KindValidation, "no chunks to enqueue")
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Receipt{}, errors.New(errors.KindInternal, "embedding queue is closed")
	}
	if q.queuedChunks+len(chunks) > q.opts.MaxChunks {
		return Receipt{}, errors.Newf(errors.KindQueueFull,
			"embedding queue at %d of %d chunks", q.queuedChunks, q.opts.MaxChunks)
	}

	job := Job{ID: uuid.NewString(), Chunks: chunks, EnqueuedAt: time.Now().UTC()}
	var end int64
	if q.journal != nil {
		var err error
		if end, err = q.journal.append(job); err != nil {
			return Receipt{}, err
		}
	}

	pos := len(q.jobs)
	q.jobs = append(q.jobs, queuedJob{Job: job, end: end})
	if q.journal != nil {
		q.acks.add(end)
	}
	q.queuedChunks += len(chunks)
	q.cond.Signal()
	return Receipt{JobID: job.ID, Position: pos}, nil
}

// ackWindow orders the journal offsets of outstanding jobs so that
// completions acknowledge only the contiguous finished prefix. With
// several workers a later job can finish first; acking its offset
// directly would cover an earlier job still in flight and lose it on
// crash replay. Guarded by the queue mutex.
type ackWindow struct {
	entries []ackEntry
}

type ackEntry struct {
	end  int64
	done bool
}

func (w *ackWindow) add(end int64) {
	w.entries = append(w.entries, ackEntry{end: end})
}

// complete marks the job ending at end as done. It reports the highest
// offset safe to acknowledge, and whether the completed prefix advanced
// at all.
func (w *ackWindow) complete(end int64) (int64, bool) {
	for i := range w.entries {
		if w.entries[i].end == end && !w.entries[i].done {
			w.entries[i].done = true
			break
		}
	}
	var safe int64
	advanced := false
	for len(w.entries) > 0 && w.entries[0].done {
		safe = w.entries[0].end
		w.entries = w.entries[1:]
		advanced = true
	}
	return safe, advanced
}

func (q *EmbeddingQueue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.inflight++
		q.mu.Unlock()

		failed := q.process(job.Job)

		q.mu.Lock()
		q.inflight--
		q.queuedChunks -= len(job.Chunks)
		q.failedChunks += int64(failed)
		if q.journal != nil {
			if safe, ok := q.acks.complete(job.end); ok {
				if err := q.journal.ack(safe); err != nil {
					q.opts.Logger.Warn("acknowledge queue journal", "error", err)
				}
			}
			if len(q.jobs) == 0 && q.inflight == 0 {
				if err := q.journal.compact(); err != nil {
					q.opts.Logger.Warn("compact queue journal", "error", err)
				}
			}
		}
		q.mu.Unlock()
	}
}

// process embeds and upserts one job in batches, returning the number of
// chunks that could not be committed.
func (q *EmbeddingQueue) process(job Job) int {
	failed := 0
	for start := 0; start < len(job.Chunks); start += q.opts.BatchSize {
		end := start + q.opts.BatchSize
		if end > len(job.Chunks) {
			end = len(job.Chunks)
		}
		batch := job.Chunks[start:end]
		if err := q.commitBatch(batch); err != nil {
			q.opts.Logger.Warn("embedding batch failed",
				"job_id", job.ID, "chunks", len(batch), "error", err)
			failed += len(batch)
		}
	}
	return failed
}

func (q *EmbeddingQueue) commitBatch(batch []chunk.Chunk) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
	defer cancel()

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = embedText(c)
	}

	var vecs [][]float32
	err := errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		var eerr error
		vecs, eerr = q.embedder.Embed(ctx, texts)
		return eerr
	})
	if err != nil {
		return err
	}
	if len(vecs) != len(batch) {
		return errors.Newf(errors.KindInternal,
			"embedder returned %d vectors for %d chunks", len(vecs), len(batch))
	}

	points := make([]vector.Point, len(batch))
	for i, c := range batch {
		points[i] = vector.Point{
			ID:     c.DocID,
			Vector: vecs[i],
			Payload: vector.Payload{
				Path:       c.Path,
				Language:   c.Language,
				ChunkIndex: c.ChunkIndex,
				StartLine:  c.StartLine,
				EndLine:    c.EndLine,
			},
		}
	}
	return errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		return q.coll.Upsert(ctx, points)
	})
}

// embedText is what the model sees for one chunk: the path and symbol
// names prime the embedding with context the content alone lacks.
func embedText(c chunk.Chunk) string {
	return embed.Truncate(c.Path + "\n" + strings.Join(c.Symbols, " ") + "\n" + c.Content)
}

// Flush blocks until every admitted job has been processed.
func (q *EmbeddingQueue) Flush(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		q.mu.Lock()
		idle := len(q.jobs) == 0 && q.inflight == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Depth returns the number of chunks admitted but not yet committed.
func (q *EmbeddingQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedChunks
}

// Stats returns a snapshot of the queue's counters.
func (q *EmbeddingQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueuedJobs:   len(q.jobs) + q.inflight,
		QueuedChunks: q.queuedChunks,
		FailedChunks: q.failedChunks,
	}
}

// Close drains the queue, stops the workers, and closes the journal.
func (q *EmbeddingQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	if q.journal != nil {
		return q.journal.close()
	}
	return nil
}
