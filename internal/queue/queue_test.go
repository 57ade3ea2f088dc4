package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/internal/chunk"
	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/vector"
)

const testDims = 32

func newCollection(t *testing.T) *vector.Collection {
	t.Helper()
	coll, err := vector.NewCollection(testDims)
	require.NoError(t, err)
	return coll
}

func makeChunks(prefix string, n int) []chunk.Chunk {
	chunks := make([]chunk.Chunk, n)
	for i := range chunks {
		chunks[i] = chunk.Chunk{
			DocID:      fmt.Sprintf("%s-%04d", prefix, i),
			Path:       "src/" + prefix + ".go",
			Language:   "go",
			ChunkIndex: i,
			StartLine:  i*10 + 1,
			EndLine:    i*10 + 9,
			Content:    fmt.Sprintf("func %s%d() {}", prefix, i),
		}
	}
	return chunks
}

func TestQueueProcessesToCollection(t *testing.T) {
	coll := newCollection(t)
	q, err := New(embed.NewStaticEmbedder(testDims), coll, Options{})
	require.NoError(t, err)
	defer q.Close()

	receipt, err := q.Enqueue(context.Background(), makeChunks("alpha", 5))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.JobID)
	assert.Equal(t, 0, receipt.Position)

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 5, coll.Count())
	assert.Equal(t, 0, q.Depth())
}

// gatedEmbedder blocks until released so jobs stay queued.
type gatedEmbedder struct {
	*embed.StaticEmbedder
	gate chan struct{}
	once sync.Once
}

func (g *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.StaticEmbedder.Embed(ctx, texts)
}

func (g *gatedEmbedder) release() { g.once.Do(func() { close(g.gate) }) }

func TestQueuePositionsAreFIFO(t *testing.T) {
	gated := &gatedEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDims), gate: make(chan struct{})}
	q, err := New(gated, newCollection(t), Options{})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	first, err := q.Enqueue(ctx, makeChunks("a", 2))
	require.NoError(t, err)
	// First job may already be in a worker's hands, so only the relative
	// ordering of later positions is guaranteed.
	second, err := q.Enqueue(ctx, makeChunks("b", 2))
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, makeChunks("c", 2))
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Less(t, second.Position, third.Position)

	gated.release()
	require.NoError(t, q.Flush(ctx))
}

func TestQueueBackpressure(t *testing.T) {
	gated := &gatedEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDims), gate: make(chan struct{})}
	q, err := New(gated, newCollection(t), Options{MaxChunks: 10})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	_, err = q.Enqueue(ctx, makeChunks("fill", 10))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, makeChunks("over", 1))
	require.Error(t, err)
	assert.Equal(t, errors.KindQueueFull, errors.KindOf(err))
	assert.True(t, errors.IsRetryable(err))

	gated.release()
	require.NoError(t, q.Flush(ctx))

	// Capacity frees up once the backlog drains.
	_, err = q.Enqueue(ctx, makeChunks("after", 1))
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))
}

func TestQueueEmptyEnqueueRejected(t *testing.T) {
	q, err := New(embed.NewStaticEmbedder(testDims), newCollection(t), Options{})
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

// poisonEmbedder fails permanently on texts containing "poison".
type poisonEmbedder struct {
	*embed.StaticEmbedder
}

func (p *poisonEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, "poison") {
			return nil, errors.New(errors.KindInternal, "embedder rejected input")
		}
	}
	return p.StaticEmbedder.Embed(ctx, texts)
}

func TestQueueFailedBatchIsIsolated(t *testing.T) {
	coll := newCollection(t)
	q, err := New(&poisonEmbedder{embed.NewStaticEmbedder(testDims)}, coll, Options{BatchSize: 2})
	require.NoError(t, err)
	defer q.Close()

	chunks := makeChunks("mixed", 6)
	chunks[2].Content = "func poison() {}"

	_, err = q.Enqueue(context.Background(), chunks)
	require.NoError(t, err)
	require.NoError(t, q.Flush(context.Background()))

	// The batch holding the poisoned chunk (chunks 2-3) is dropped; the
	// other two batches land.
	assert.Equal(t, 4, coll.Count())
	assert.Equal(t, int64(2), q.Stats().FailedChunks)
}

// flakyEmbedder fails with a retryable error a fixed number of times.
type flakyEmbedder struct {
	*embed.StaticEmbedder
	mu       sync.Mutex
	failures int
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New(errors.KindModelUnavailable, "transient outage")
	}
	f.mu.Unlock()
	return f.StaticEmbedder.Embed(ctx, texts)
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	coll := newCollection(t)
	flaky := &flakyEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDims), failures: 2}
	q, err := New(flaky, coll, Options{})
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(context.Background(), makeChunks("retry", 3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	assert.Equal(t, 3, coll.Count())
	assert.Equal(t, int64(0), q.Stats().FailedChunks)
}

func TestQueueJournalReplay(t *testing.T) {
	dir := t.TempDir()

	// First incarnation admits work but never processes it.
	gated := &gatedEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDims), gate: make(chan struct{})}
	q1, err := New(gated, newCollection(t), Options{Dir: dir})
	require.NoError(t, err)
	_, err = q1.Enqueue(context.Background(), makeChunks("dur", 4))
	require.NoError(t, err)
	// Simulate a crash: abandon q1 without Close.

	coll := newCollection(t)
	q2, err := New(embed.NewStaticEmbedder(testDims), coll, Options{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()

	require.NoError(t, q2.Flush(context.Background()))
	assert.Equal(t, 4, coll.Count())
}

func TestQueueJournalCompactsOnDrain(t *testing.T) {
	dir := t.TempDir()
	q, err := New(embed.NewStaticEmbedder(testDims), newCollection(t), Options{Dir: dir})
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(context.Background(), makeChunks("compact", 3))
	require.NoError(t, err)
	require.NoError(t, q.Flush(context.Background()))

	// Give the worker a moment to compact after the final ack.
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := os.Stat(filepath.Join(dir, journalName))
		require.NoError(t, err)
		if info.Size() == 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "journal never compacted")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueJournalTornTailDropped(t *testing.T) {
	dir := t.TempDir()

	gated := &gatedEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDims), gate: make(chan struct{})}
	q1, err := New(gated, newCollection(t), Options{Dir: dir})
	require.NoError(t, err)
	_, err = q1.Enqueue(context.Background(), makeChunks("good", 2))
	require.NoError(t, err)

	// Simulate a crash mid-append.
	logPath := filepath.Join(dir, journalName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","chunks":[{"Do`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	coll := newCollection(t)
	q2, err := New(embed.NewStaticEmbedder(testDims), coll, Options{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()

	require.NoError(t, q2.Flush(context.Background()))
	assert.Equal(t, 2, coll.Count())
}

func TestAckWindowOnlyAdvancesContiguously(t *testing.T) {
	var w ackWindow
	w.add(100)
	w.add(200)
	w.add(300)

	// The middle job finishes first: nothing is safe to acknowledge yet,
	// the first job is still in flight.
	_, ok := w.complete(200)
	assert.False(t, ok)

	// First job done: the prefix now covers the first two.
	safe, ok := w.complete(100)
	require.True(t, ok)
	assert.Equal(t, int64(200), safe)

	safe, ok = w.complete(300)
	require.True(t, ok)
	assert.Equal(t, int64(300), safe)
	assert.Empty(t, w.entries)
}

func TestAckWindowInOrderCompletions(t *testing.T) {
	var w ackWindow
	w.add(10)
	w.add(20)

	safe, ok := w.complete(10)
	require.True(t, ok)
	assert.Equal(t, int64(10), safe)

	safe, ok = w.complete(20)
	require.True(t, ok)
	assert.Equal(t, int64(20), safe)
}

func TestQueueCloseDrains(t *testing.T) {
	coll := newCollection(t)
	q, err := New(embed.NewStaticEmbedder(testDims), coll, Options{})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), makeChunks("drain", 5))
	require.NoError(t, err)

	require.NoError(t, q.Close())
	assert.Equal(t, 5, coll.Count())

	_, err = q.Enqueue(context.Background(), makeChunks("late", 1))
	require.Error(t, err)
}
