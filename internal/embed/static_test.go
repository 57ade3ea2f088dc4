package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedDeterministic(t *testing.T) {
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	first, err := e.Embed(ctx, []string{"func Authenticate(user string)"})
	require.NoError(t, err)
	second, err := e.Embed(ctx, []string{"func Authenticate(user string)"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStaticEmbedNormalized(t *testing.T) {
	e := NewStaticEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"open database connection"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedPreservesOrder(t *testing.T) {
	e := NewStaticEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta", "alpha"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, vecs[0], vecs[2])
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestStaticEmbedEmptyText(t *testing.T) {
	e := NewStaticEmbedder(32)
	vecs, err := e.Embed(context.Background(), []string{"   "})
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 32), vecs[0])
}

func TestStaticEmbedSimilarTextsCloser(t *testing.T) {
	e := NewStaticEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"authenticate user password login",
		"user authentication and login flow",
		"render html template page",
	})
	require.NoError(t, err)

	simRelated := dot(vecs[0], vecs[1])
	simUnrelated := dot(vecs[0], vecs[2])
	assert.Greater(t, simRelated, simUnrelated)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestStaticEmbedClosed(t *testing.T) {
	e := NewStaticEmbedder(32)
	require.NoError(t, e.Close())
	_, err := e.Embed(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestStaticRerankOrdersByOverlap(t *testing.T) {
	r := NewStaticReranker()
	docs := []string{
		"render the html page",
		"authenticate user with password",
		"authenticate and validate the user password hash",
	}

	results, err := r.Rerank(context.Background(), "authenticate user password", docs, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 0, results[2].Index)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestStaticRerankTruncatesToTopK(t *testing.T) {
	r := NewStaticReranker()
	results, err := r.Rerank(context.Background(), "query", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
