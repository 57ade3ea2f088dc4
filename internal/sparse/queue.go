package sparse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Write queue tuning.
const (
	defaultQueueDepth = 256
	coalesceDocLimit  = 500 // max docs merged into one commit
	maxJobAttempts    = 3
	retryBaseDelay    = 100 * time.Millisecond
	commitTimeout     = 30 * time.Second
)

type jobKind int

const (
	jobUpsert jobKind = iota
	jobDeletePath
	jobDeletePrefix
	jobFlush
)

type writeJob struct {
	id       string
	kind     jobKind
	docs     []Doc
	path     string
	attempts int
	done     chan struct{} // flush only
}

// WriteQueue serializes all writes to one sparse segment through a
// single worker goroutine. Enqueue calls are fire-and-forget and return
// a job ID immediately; commits happen asynchronously in FIFO order.
// Consecutive upsert jobs are coalesced into one commit. Jobs that keep
// failing are parked after maxJobAttempts and do not block later jobs.
type WriteQueue struct {
	idx    Index
	logger *slog.Logger

	jobs chan *writeJob
	wg   sync.WaitGroup

	mu      sync.Mutex
	parked  []string // job IDs abandoned after repeated failures
	pending int
}

// NewWriteQueue starts the single writer for idx.
func NewWriteQueue(idx Index, logger *slog.Logger) *WriteQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &WriteQueue{
		idx:    idx,
		logger: logger,
		jobs:   make(chan *writeJob, defaultQueueDepth),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// EnqueueUpsert queues docs for indexing and returns the job ID.
func (q *WriteQueue) EnqueueUpsert(docs []Doc) string {
	return q.enqueue(&writeJob{kind: jobUpsert, docs: docs})
}

// EnqueueDeletePath queues deletion of one file's chunks.
func (q *WriteQueue) EnqueueDeletePath(path string) string {
	return q.enqueue(&writeJob{kind: jobDeletePath, path: path})
}

// EnqueueDeletePrefix queues deletion of every chunk under a prefix.
func (q *WriteQueue) EnqueueDeletePrefix(prefix string) string {
	return q.enqueue(&writeJob{kind: jobDeletePrefix, path: prefix})
}

func (q *WriteQueue) enqueue(j *writeJob) string {
	j.id = uuid.NewString()
	q.mu.Lock()
	q.pending++
	q.mu.Unlock()
	q.jobs <- j
	return j.id
}

// Flush blocks until every job enqueued before the call has committed
// or been parked.
func (q *WriteQueue) Flush(ctx context.Context) error {
	j := &writeJob{id: uuid.NewString(), kind: jobFlush, done: make(chan struct{})}
	q.jobs <- j
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of jobs not yet committed.
func (q *WriteQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// ParkedCount returns how many jobs were abandoned after retries.
func (q *WriteQueue) ParkedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parked)
}

// Close drains the queue and stops the worker. The underlying index is
// not closed.
func (q *WriteQueue) Close() {
	close(q.jobs)
	q.wg.Wait()
}

func (q *WriteQueue) run() {
	defer q.wg.Done()

	for j := range q.jobs {
		switch j.kind {
		case jobFlush:
			close(j.done)
			continue
		case jobUpsert:
			j = q.coalesce(j)
			if j == nil {
				continue
			}
		}
		q.commit(j)
	}
}

// coalesce merges immediately available upsert jobs into j, up to the
// doc limit. A non-upsert job pulled during the scan is committed after
// the merged batch, preserving FIFO order.
func (q *WriteQueue) coalesce(j *writeJob) *writeJob {
	merged := 0
	for len(j.docs) < coalesceDocLimit {
		select {
		case next, ok := <-q.jobs:
			if !ok {
				q.commit(j)
				return nil
			}
			if next.kind != jobUpsert {
				q.commit(j)
				if next.kind == jobFlush {
					close(next.done)
					return nil
				}
				return next
			}
			j.docs = append(j.docs, next.docs...)
			q.finish(next.id, nil)
			merged++
		default:
			return j
		}
	}
	if merged > 0 {
		q.logger.Debug("sparse jobs coalesced", slog.Int("merged", merged), slog.Int("docs", len(j.docs)))
	}
	return j
}

func (q *WriteQueue) commit(j *writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	var err error
	switch j.kind {
	case jobUpsert:
		err = q.idx.Upsert(ctx, j.docs)
	case jobDeletePath:
		_, err = q.idx.DeleteByPath(ctx, j.path)
	case jobDeletePrefix:
		_, err = q.idx.DeleteByPathPrefix(ctx, j.path)
	}

	if err == nil {
		q.finish(j.id, nil)
		return
	}

	j.attempts++
	if j.attempts < maxJobAttempts {
		q.logger.Warn("sparse commit failed, retrying",
			slog.String("job_id", j.id),
			slog.Int("attempt", j.attempts),
			slog.String("error", err.Error()))
		time.Sleep(retryBaseDelay << (j.attempts - 1))
		q.commit(j)
		return
	}

	q.logger.Error("sparse job parked after repeated failures",
		slog.String("job_id", j.id),
		slog.String("error", err.Error()))
	q.finish(j.id, err)
}

func (q *WriteQueue) finish(jobID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if err != nil {
		q.parked = append(q.parked, jobID)
	}
}
