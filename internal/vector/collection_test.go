package vector

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	c, err := NewCollection(4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seedPoints() []Point {
	return []Point{
		{ID: "d1", Vector: []float32{1, 0, 0, 0}, Payload: Payload{Path: "src/a.go", Language: "go", StartLine: 1, EndLine: 10}},
		{ID: "d2", Vector: []float32{0.9, 0.1, 0, 0}, Payload: Payload{Path: "src/b.go", Language: "go", StartLine: 1, EndLine: 5}},
		{ID: "d3", Vector: []float32{0, 1, 0, 0}, Payload: Payload{Path: "web/c.py", Language: "python", StartLine: 1, EndLine: 8}},
		{ID: "d4", Vector: []float32{0, 0, 1, 0}, Payload: Payload{Path: "docs/d.md", Language: "markdown", StartLine: 1, EndLine: 3}},
	}
}

func TestSearchRanksByCosine(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	hits, err := c.Search(ctx, []float32{1, 0, 0, 0}, 3, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "d1", hits[0].DocID)
	assert.Equal(t, "d2", hits[1].DocID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
	assert.Equal(t, "src/a.go", hits[0].Payload.Path)
}

func TestSearchOrderIsExactDistanceOrder(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	// Graph traversal order is not distance order; every search must
	// still rank the near-parallel vector above the orthogonal ones.
	for i := 0; i < 20; i++ {
		hits, err := c.Search(ctx, []float32{1, 0, 0, 0}, 3, Filter{})
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "d1", hits[0].DocID)
		assert.Equal(t, "d2", hits[1].DocID)
		for j := 1; j < len(hits); j++ {
			assert.GreaterOrEqual(t, hits[j-1].Score, hits[j].Score)
		}
	}
}

func TestSearchFilterByLanguage(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	hits, err := c.Search(ctx, []float32{0.5, 0.5, 0, 0}, 4, Filter{Languages: []string{"python"}})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "python", h.Payload.Language)
	}
}

func TestSearchFilterByPathPrefix(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	hits, err := c.Search(ctx, []float32{1, 1, 1, 0}, 4, Filter{PathPrefix: "src/"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Contains(t, h.Payload.Path, "src/")
	}
}

func TestUpsertReplacesSameID(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	require.NoError(t, c.Upsert(ctx, []Point{
		{ID: "d1", Vector: []float32{0, 0, 0, 1}, Payload: Payload{Path: "src/a.go", Language: "go"}},
	}))

	assert.Equal(t, 4, c.Count())

	hits, err := c.Search(ctx, []float32{0, 0, 0, 1}, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DocID)
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	c := newTestCollection(t)
	err := c.Upsert(context.Background(), []Point{{ID: "bad", Vector: []float32{1, 2}}})
	assert.Error(t, err)
}

func TestDeleteByPathPrefix(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	removed := c.DeleteByPathPrefix("src/")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, c.Count())

	hits, err := c.Search(ctx, []float32{1, 0, 0, 0}, 4, Filter{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, h.Payload.Path, "src/")
	}
}

func TestDeleteByIDs(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))

	assert.Equal(t, 2, c.Delete([]string{"d1", "d3", "missing"}))
	assert.Equal(t, 2, c.Count())
}

func TestVectorLookupReturnsCopy(t *testing.T) {
	c := newTestCollection(t)
	require.NoError(t, c.Upsert(context.Background(), seedPoints()))

	vec, ok := c.Vector("d1")
	require.True(t, ok)
	vec[0] = -99

	again, ok := c.Vector("d1")
	require.True(t, ok)
	assert.InDelta(t, 1.0, float64(again[0]), 1e-5)

	_, ok = c.Vector("missing")
	assert.False(t, ok)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	c := newTestCollection(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, seedPoints()))
	require.NoError(t, c.Save(path))

	reopened, err := Open(path, 4)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 4, reopened.Count())

	hits, err := reopened.Search(ctx, []float32{1, 0, 0, 0}, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DocID)
	assert.Equal(t, "src/a.go", hits[0].Payload.Path)
}

func TestOpenMissingSnapshotStartsEmpty(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "vectors.hnsw"), 4)
	require.NoError(t, err)
	defer c.Close()
	assert.Zero(t, c.Count())
}

func TestOpenDimensionMismatchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	c := newTestCollection(t)
	require.NoError(t, c.Upsert(context.Background(), seedPoints()))
	require.NoError(t, c.Save(path))

	_, err := Open(path, 8)
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9)
	assert.Zero(t, Cosine(a, []float32{1}))

	c := []float32{float32(1 / math.Sqrt2), float32(1 / math.Sqrt2), 0, 0}
	assert.InDelta(t, 1/math.Sqrt2, Cosine(a, c), 1e-5)
}

func TestSearchEmptyCollection(t *testing.T) {
	c := newTestCollection(t)
	hits, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
