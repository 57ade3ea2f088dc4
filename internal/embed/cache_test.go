package embed

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetCopies(t *testing.T) {
	c := NewCache(8)
	c.Set("m", "hello", []float32{1, 2, 3})

	got, ok := c.Get("m", "hello")
	require.True(t, ok)
	got[0] = 99

	again, ok := c.Get("m", "hello")
	require.True(t, ok)
	assert.Equal(t, float32(1), again[0])
}

func TestCacheSetCopies(t *testing.T) {
	c := NewCache(8)
	vec := []float32{1, 2, 3}
	c.Set("m", "hello", vec)
	vec[0] = 99

	got, ok := c.Get("m", "hello")
	require.True(t, ok)
	assert.Equal(t, float32(1), got[0])
}

func TestCacheKeyedByModel(t *testing.T) {
	c := NewCache(8)
	c.Set("model-a", "text", []float32{1})
	c.Set("model-b", "text", []float32{2})

	a, ok := c.Get("model-a", "text")
	require.True(t, ok)
	b, ok := c.Get("model-b", "text")
	require.True(t, ok)
	assert.NotEqual(t, a, b)
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache(4)
	for i := 0; i < 8; i++ {
		c.Set("m", fmt.Sprintf("text-%d", i), []float32{float32(i)})
	}

	assert.Equal(t, 4, c.Len())
	_, ok := c.Get("m", "text-0")
	assert.False(t, ok)
	_, ok = c.Get("m", "text-7")
	assert.True(t, ok)
}

// countingEmbedder wraps StaticEmbedder and counts texts that reach it.
type countingEmbedder struct {
	*StaticEmbedder
	mu    sync.Mutex
	calls int
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()
	return c.StaticEmbedder.Embed(ctx, texts)
}

func TestCachedEmbedderBatchesOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(32)}
	cached := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, 3, inner.texts)

	// Two hits, one miss.
	second, err := cached.Embed(ctx, []string{"a", "d", "c"})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, 4, inner.texts)

	assert.Equal(t, first[0], second[0])
	assert.Equal(t, first[2], second[2])
}

func TestCachedEmbedderIdenticalVectorsOnRepeat(t *testing.T) {
	cached := NewCachedEmbedder(NewStaticEmbedder(64), 16)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"func main() {}"})
	require.NoError(t, err)
	second, err := cached.Embed(ctx, []string{"func main() {}"})
	require.NoError(t, err)

	assert.Equal(t, first[0], second[0])
}

func TestCachedEmbedderAllHitsSkipsModel(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(32)}
	cached := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	_, err := cached.Embed(ctx, []string{"x", "y"})
	require.NoError(t, err)
	callsAfterWarm := inner.calls

	_, err = cached.Embed(ctx, []string{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, callsAfterWarm, inner.calls)
}

func TestTruncateBoundsInput(t *testing.T) {
	long := make([]byte, MaxInputChars+100)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, Truncate(string(long)), MaxInputChars)
	assert.Equal(t, "short", Truncate("short"))
}
