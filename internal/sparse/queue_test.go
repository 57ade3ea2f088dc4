package sparse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteQueueCommitsAsync(t *testing.T) {
	idx, err := OpenBleve("")
	require.NoError(t, err)
	defer idx.Close()

	q := NewWriteQueue(idx, nil)
	defer q.Close()

	jobID := q.EnqueueUpsert(seedDocs())
	assert.NotEmpty(t, jobID)

	require.NoError(t, q.Flush(context.Background()))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	assert.Zero(t, q.ParkedCount())
}

func TestWriteQueuePreservesFIFO(t *testing.T) {
	idx, err := OpenBleve("")
	require.NoError(t, err)
	defer idx.Close()

	q := NewWriteQueue(idx, nil)
	defer q.Close()

	q.EnqueueUpsert(seedDocs())
	q.EnqueueDeletePrefix("src/")

	require.NoError(t, q.Flush(context.Background()))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestWriteQueueCoalescesUpserts(t *testing.T) {
	idx, err := OpenBleve("")
	require.NoError(t, err)
	defer idx.Close()

	q := NewWriteQueue(idx, nil)
	defer q.Close()

	for i := 0; i < 20; i++ {
		q.EnqueueUpsert([]Doc{{
			DocID:    fmt.Sprintf("doc-%d", i),
			Path:     fmt.Sprintf("pkg/f%d.go", i),
			Language: "go",
			Content:  fmt.Sprintf("func Worker%d() {}", i),
		}})
	}

	require.NoError(t, q.Flush(context.Background()))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), count)
}

// failingIndex errors on every write to exercise parking.
type failingIndex struct {
	mu       sync.Mutex
	attempts int
}

func (f *failingIndex) Upsert(ctx context.Context, docs []Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return fmt.Errorf("disk full")
}

func (f *failingIndex) DeleteByPath(ctx context.Context, path string) (int, error) {
	return 0, fmt.Errorf("disk full")
}

func (f *failingIndex) DeleteByPathPrefix(ctx context.Context, prefix string) (int, error) {
	return 0, fmt.Errorf("disk full")
}

func (f *failingIndex) Query(ctx context.Context, q string, filter Filter, k int) ([]Hit, error) {
	return nil, nil
}

func (f *failingIndex) DocCount() (uint64, error) { return 0, nil }
func (f *failingIndex) Close() error              { return nil }

func (f *failingIndex) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestWriteQueueParksPoisonedJobs(t *testing.T) {
	fi := &failingIndex{}
	q := NewWriteQueue(fi, nil)
	defer q.Close()

	q.EnqueueUpsert([]Doc{{DocID: "poison", Path: "x.go", Content: "x"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	assert.Equal(t, maxJobAttempts, fi.attemptCount())
	assert.Equal(t, 1, q.ParkedCount())
	assert.Zero(t, q.Pending())
}

// poisonIndex rejects one marked doc but serves everything else.
type poisonIndex struct {
	Index
}

func (p *poisonIndex) Upsert(ctx context.Context, docs []Doc) error {
	for _, d := range docs {
		if d.DocID == "poison" {
			return fmt.Errorf("corrupt doc")
		}
	}
	return p.Index.Upsert(ctx, docs)
}

func TestWriteQueueContinuesAfterParkedJob(t *testing.T) {
	idx, err := OpenBleve("")
	require.NoError(t, err)
	defer idx.Close()

	q := NewWriteQueue(&poisonIndex{Index: idx}, nil)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q.EnqueueUpsert([]Doc{{DocID: "poison", Path: "bad.go", Content: "x"}})
	require.NoError(t, q.Flush(ctx))

	q.EnqueueUpsert(seedDocs())
	require.NoError(t, q.Flush(ctx))

	assert.Equal(t, 1, q.ParkedCount())
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}
