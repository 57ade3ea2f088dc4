package chunk

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"app.py", "python"},
		{"index.ts", "typescript"},
		{"view.tsx", "tsx"},
		{"util.js", "javascript"},
		{"widget.jsx", "jsx"},
		{"lib.rs", "rust"},
		{"README.md", "markdown"},
		{"Makefile", "text"},
		{"data.unknown", "text"},
		{"SRC/MAIN.GO", "go"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectLanguage(tt.path), "path %q", tt.path)
	}
}

func TestChunkRejectsBinary(t *testing.T) {
	c := New(Options{})
	content := append([]byte("ELF"), 0x00, 0x01, 0x02)

	res, err := c.Chunk(context.Background(), "bin/tool", content)
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, ReasonBinary, res.Fallback)
	assert.Empty(t, res.Chunks)
}

func TestChunkRejectsOversize(t *testing.T) {
	c := New(Options{MaxFileSize: 64})

	res, err := c.Chunk(context.Background(), "big.go", []byte(strings.Repeat("x", 65)))
	require.NoError(t, err)
	assert.Equal(t, ReasonTooLarge, res.Fallback)
	assert.Empty(t, res.Chunks)
}

func TestChunkEmptyContent(t *testing.T) {
	c := New(Options{})

	res, err := c.Chunk(context.Background(), "empty.go", []byte("  \n\t\n"))
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
	assert.False(t, res.Rejected())
}

func TestChunkGoFile(t *testing.T) {
	source := `package auth

import "errors"

// Authenticate validates user credentials.
func Authenticate(user, pass string) error {
	if user == "" {
		return errors.New("empty user")
	}
	return nil
}

func HashPassword(pass string) string {
	return pass
}
`
	c := New(Options{})
	res, err := c.Chunk(context.Background(), "internal/auth/auth.go", []byte(source))
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Empty(t, res.Fallback)

	var symbols []string
	for _, ch := range res.Chunks {
		assert.Equal(t, "go", ch.Language)
		assert.Equal(t, "internal/auth/auth.go", ch.Path)
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
		assert.NotEmpty(t, ch.DocID)
		symbols = append(symbols, ch.Symbols...)
	}
	assert.Contains(t, symbols, "Authenticate")
	assert.Contains(t, symbols, "HashPassword")
}

func TestChunkPythonFile(t *testing.T) {
	c := New(Options{})
	res, err := c.Chunk(context.Background(), "a.py", []byte("def f():\n    pass\n"))
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)

	ch := res.Chunks[0]
	assert.Equal(t, "python", ch.Language)
	assert.Equal(t, 0, ch.ChunkIndex)
	assert.Equal(t, 1, ch.StartLine)
	assert.Contains(t, ch.Symbols, "f")
}

func TestChunkUnknownLanguageFallsBackToLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}

	c := New(Options{FallbackLines: 100, FallbackOverlapLines: 10})
	res, err := c.Chunk(context.Background(), "notes.txt", []byte(sb.String()))
	require.NoError(t, err)
	assert.Empty(t, res.Fallback)
	require.Greater(t, len(res.Chunks), 1)

	assert.Equal(t, "text", res.Chunks[0].Language)
	assert.Equal(t, 1, res.Chunks[0].StartLine)
	assert.Equal(t, 100, res.Chunks[0].EndLine)
	// Consecutive windows overlap by the configured line count.
	assert.Equal(t, 91, res.Chunks[1].StartLine)
}

func TestChunkDeterministic(t *testing.T) {
	source := []byte("package p\n\nfunc A() {}\n\nfunc B() {}\n")
	c := New(Options{})

	first, err := c.Chunk(context.Background(), "p.go", source)
	require.NoError(t, err)
	second, err := c.Chunk(context.Background(), "p.go", source)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestChunkDocIDDependsOnPathAndContent(t *testing.T) {
	hash := ContentHash([]byte("body"))
	assert.NotEqual(t, DocID("a.go", 0, hash), DocID("b.go", 0, hash))
	assert.NotEqual(t, DocID("a.go", 0, hash), DocID("a.go", 1, hash))
	assert.NotEqual(t, DocID("a.go", 0, hash), DocID("a.go", 0, ContentHash([]byte("other"))))
	assert.Len(t, DocID("a.go", 0, hash), 16)
}

func TestChunkSplitsLargeFile(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("package big\n\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "func Handler%d() {\n\t_ = %d\n\t_ = \"%s\"\n}\n\n", i, i, strings.Repeat("z", 80))
	}

	c := New(Options{ChunkSize: 512, ChunkOverlap: 64})
	res, err := c.Chunk(context.Background(), "big.go", []byte(sb.String()))
	require.NoError(t, err)
	require.Greater(t, len(res.Chunks), 3)

	for i, ch := range res.Chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		if i > 0 {
			// Line ranges advance monotonically across the file.
			assert.GreaterOrEqual(t, ch.StartLine, res.Chunks[i-1].StartLine)
		}
	}
}

func TestChunkOversizedSingleDeclaration(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("package big\n\nfunc Giant() {\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "\tstep%d := %q\n\t_ = step%d\n", i, strings.Repeat("y", 40), i)
	}
	sb.WriteString("}\n")

	c := New(Options{ChunkSize: 1024, ChunkOverlap: 128})
	res, err := c.Chunk(context.Background(), "giant.go", []byte(sb.String()))
	require.NoError(t, err)
	require.Greater(t, len(res.Chunks), 1)

	// Every piece of the split declaration still names it.
	pieces := 0
	for _, ch := range res.Chunks {
		for _, sym := range ch.Symbols {
			if sym == "Giant" {
				pieces++
			}
		}
	}
	assert.Greater(t, pieces, 1)
}

func TestChunkCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{}).Chunk(ctx, "a.go", []byte("package p\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContentHashFormat(t *testing.T) {
	h := ContentHash([]byte("hello"))
	assert.Len(t, h, 16)
	assert.NotEqual(t, h, ContentHash([]byte("world")))
}
