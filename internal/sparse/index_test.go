package sparse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends drives the shared contract tests across both implementations.
func backends(t *testing.T) map[string]Index {
	t.Helper()
	bl, err := OpenBleve("")
	require.NoError(t, err)
	sq, err := OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bl.Close()
		_ = sq.Close()
	})
	return map[string]Index{"bleve": bl, "sqlite": sq}
}

func seedDocs() []Doc {
	return []Doc{
		{
			DocID:     "d1",
			Path:      "src/auth/login.go",
			Language:  "go",
			Symbols:   []string{"Authenticate", "HashPassword"},
			Content:   "func Authenticate(user, pass string) error { return nil }",
			StartLine: 1,
			EndLine:   10,
		},
		{
			DocID:     "d2",
			Path:      "src/db/conn.go",
			Language:  "go",
			Symbols:   []string{"OpenConnection"},
			Content:   "func OpenConnection(dsn string) (*DB, error) { return dial(dsn) }",
			StartLine: 1,
			EndLine:   8,
		},
		{
			DocID:     "d3",
			Path:      "web/app.py",
			Language:  "python",
			Symbols:   []string{"handle_request"},
			Content:   "def handle_request(req):\n    return render(req)",
			StartLine: 1,
			EndLine:   5,
		},
	}
}

func TestQueryFindsSymbolMatch(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, seedDocs()))

			hits, err := idx.Query(ctx, "authenticate", Filter{}, 10)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			assert.Equal(t, "d1", hits[0].DocID)
			assert.Equal(t, "src/auth/login.go", hits[0].Path)
			assert.Contains(t, hits[0].Symbols, "Authenticate")
			assert.NotEmpty(t, hits[0].Content)
			assert.Equal(t, 1, hits[0].StartLine)
			assert.Equal(t, 10, hits[0].EndLine)
			assert.Greater(t, hits[0].Score, 0.0)
		})
	}
}

func TestQuerySplitsCamelCaseTerms(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, seedDocs()))

			// "OpenConnection" is findable by its camelCase parts.
			hits, err := idx.Query(ctx, "connection", Filter{}, 10)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			assert.Equal(t, "d2", hits[0].DocID)
		})
	}
}

func TestQueryFilters(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, seedDocs()))

			hits, err := idx.Query(ctx, "request", Filter{Languages: []string{"python"}}, 10)
			require.NoError(t, err)
			for _, h := range hits {
				assert.Equal(t, "python", h.Language)
			}

			hits, err = idx.Query(ctx, "authenticate connection request", Filter{PathPrefix: "src/"}, 10)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			for _, h := range hits {
				assert.Contains(t, h.Path, "src/")
			}
		})
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, seedDocs()))
			require.NoError(t, idx.Upsert(ctx, []Doc{{
				DocID:    "d1",
				Path:     "src/auth/login.go",
				Language: "go",
				Symbols:  []string{"Validate"},
				Content:  "func Validate(token string) bool { return true }",
			}}))

			count, err := idx.DocCount()
			require.NoError(t, err)
			assert.Equal(t, uint64(3), count)

			hits, err := idx.Query(ctx, "validate token", Filter{}, 10)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			assert.Equal(t, "d1", hits[0].DocID)
		})
	}
}

func TestDeleteByPath(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, seedDocs()))

			n, err := idx.DeleteByPath(ctx, "src/auth/login.go")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			count, err := idx.DocCount()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), count)
		})
	}
}

func TestDeleteByPathPrefix(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, seedDocs()))

			n, err := idx.DeleteByPathPrefix(ctx, "src/")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			hits, err := idx.Query(ctx, "authenticate", Filter{}, 10)
			require.NoError(t, err)
			for _, h := range hits {
				assert.NotContains(t, h.Path, "src/")
			}
		})
	}
}

func TestQueryEmptyInputs(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hits, err := idx.Query(ctx, "   ", Filter{}, 10)
			require.NoError(t, err)
			assert.Empty(t, hits)

			hits, err = idx.Query(ctx, "anything", Filter{}, 0)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestOpenFactory(t *testing.T) {
	idx, err := Open(BackendBleve, "")
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	idx, err = Open(BackendSQLite, "")
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = Open("lucene", "")
	assert.Error(t, err)
}

func TestOpenPersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(BackendSQLite, dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, seedDocs()))
	require.NoError(t, idx.Close())

	reopened, err := Open(BackendSQLite, dir)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}
