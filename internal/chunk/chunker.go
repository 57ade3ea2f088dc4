package chunk

import (
	"bytes"
	"context"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Built-in limits applied when Options fields are zero.
const (
	DefaultChunkSize            = 2048 // bytes per AST chunk
	DefaultChunkOverlap         = 256  // bytes shared between consecutive chunks
	DefaultFallbackLines        = 128  // line-window height for unparsed files
	DefaultFallbackOverlapLines = 16
	DefaultMaxFileSize          = 5 << 20 // bytes

	binarySniffLen = 8192
)

// Options configures a Chunker. Zero fields take the defaults above.
type Options struct {
	ChunkSize            int
	ChunkOverlap         int
	FallbackLines        int
	FallbackOverlapLines int
	MaxFileSize          int64
}

// Chunker splits file content into AST-aligned chunks, falling back to
// fixed line windows when no grammar is available or parsing fails.
type Chunker struct {
	opts Options
}

// New creates a Chunker.
func New(opts Options) *Chunker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if opts.FallbackLines <= 0 {
		opts.FallbackLines = DefaultFallbackLines
	}
	if opts.FallbackOverlapLines < 0 || opts.FallbackOverlapLines >= opts.FallbackLines {
		opts.FallbackOverlapLines = DefaultFallbackOverlapLines
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Chunker{opts: opts}
}

// Chunk splits one file. Binary and oversize files are rejected with a
// reason rather than an error; parse failures downgrade to line-window
// chunking and annotate the result.
func (c *Chunker) Chunk(ctx context.Context, path string, content []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return Result{}, nil
	}
	if isBinary(content) {
		return Result{Fallback: ReasonBinary}, nil
	}
	if int64(len(content)) > c.opts.MaxFileSize {
		return Result{Fallback: ReasonTooLarge}, nil
	}

	language := DetectLanguage(path)
	hash := ContentHash(content)

	g, ok := grammarFor(language)
	if !ok {
		return Result{Chunks: c.lineChunks(path, language, hash, content)}, nil
	}

	tree, err := parseRoot(ctx, content, g)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{
			Chunks:   c.lineChunks(path, language, hash, content),
			Fallback: ReasonParseFallback,
		}, nil
	}
	defer tree.Close()

	chunks := c.astChunks(path, language, hash, content, tree.RootNode(), g)
	if len(chunks) == 0 {
		return Result{Chunks: c.lineChunks(path, language, hash, content)}, nil
	}
	return Result{Chunks: chunks}, nil
}

// isBinary sniffs the leading bytes for NUL.
func isBinary(content []byte) bool {
	n := len(content)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// astChunks packs top-level spans into chunks bounded by ChunkSize bytes.
// Spans never cut through a declaration unless the declaration itself
// exceeds the budget, in which case it is split at line boundaries.
func (c *Chunker) astChunks(path, language, hash string, content []byte, root *sitter.Node, g *grammar) []Chunk {
	childCount := int(root.ChildCount())
	if childCount == 0 {
		return nil
	}

	starts := lineStarts(content)
	decls := collectDeclarations(root, content, g)

	// Top-level spans cover the whole file: each span runs from the
	// previous boundary to the end of the child node, so interstitial
	// text (comments, imports, blank lines) rides with the declaration
	// that follows it.
	type span struct{ start, end int }
	var spans []span
	prev := 0
	for i := 0; i < childCount; i++ {
		child := root.Child(i)
		if child == nil {
			continue
		}
		end := int(child.EndByte())
		if end <= prev {
			continue
		}
		spans = append(spans, span{start: prev, end: end})
		prev = end
	}
	if prev < len(content) {
		if len(spans) == 0 {
			spans = append(spans, span{start: 0, end: len(content)})
		} else {
			spans[len(spans)-1].end = len(content)
		}
	}

	// Greedy packing with byte-range splitting for oversized spans.
	type window struct{ start, end int }
	var windows []window
	cur := window{start: spans[0].start, end: spans[0].start}
	flush := func() {
		if cur.end > cur.start {
			windows = append(windows, cur)
		}
	}
	for _, s := range spans {
		size := s.end - s.start
		if size > c.opts.ChunkSize {
			flush()
			for _, w := range c.splitByLines(s.start, s.end, starts) {
				windows = append(windows, window(w))
			}
			cur = window{start: s.end, end: s.end}
			continue
		}
		if cur.end-cur.start+size > c.opts.ChunkSize && cur.end > cur.start {
			flush()
			cur = window{start: s.start, end: s.start}
		}
		if cur.end == cur.start {
			cur.start = s.start
		}
		cur.end = s.end
	}
	flush()

	chunks := make([]Chunk, 0, len(windows))
	for i, w := range windows {
		start := w.start
		if i > 0 && c.opts.ChunkOverlap > 0 {
			// Pull in up to ChunkOverlap bytes of the preceding text,
			// snapped to a line start.
			want := start - c.opts.ChunkOverlap
			if want < windows[i-1].start {
				want = windows[i-1].start
			}
			start = lineStartAtOrBefore(want, starts)
			if start > w.start {
				start = w.start
			}
		}

		text := strings.TrimRight(string(content[start:w.end]), "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			DocID:      DocID(path, idx, hash),
			Path:       path,
			Language:   language,
			ChunkIndex: idx,
			StartLine:  lineOf(start, starts),
			EndLine:    lineOf(maxInt(w.end-1, start), starts),
			Content:    text,
			Symbols:    symbolsInRange(decls, start, w.end),
		})
	}
	return chunks
}

// splitByLines cuts the byte range [start, end) into line-aligned pieces
// no larger than ChunkSize, overlapping by up to ChunkOverlap bytes.
func (c *Chunker) splitByLines(start, end int, starts []int) []struct{ start, end int } {
	var out []struct{ start, end int }
	pos := start
	for pos < end {
		limit := pos + c.opts.ChunkSize
		if limit >= end {
			out = append(out, struct{ start, end int }{pos, end})
			break
		}
		// Snap the cut to the last line start within budget; always
		// advance by at least one line.
		cut := lineStartAtOrBefore(limit, starts)
		if cut <= pos {
			cut = nextLineStart(pos, starts, end)
		}
		out = append(out, struct{ start, end int }{pos, cut})

		next := cut - c.opts.ChunkOverlap
		if next <= pos {
			next = cut
		} else {
			next = lineStartAtOrBefore(next, starts)
			if next <= pos {
				next = cut
			}
		}
		pos = next
	}
	return out
}

// symbolsInRange returns declaration names intersecting [start, end),
// in declaration order, deduplicated.
func symbolsInRange(decls []declaration, start, end int) []string {
	var names []string
	seen := make(map[string]bool)
	for _, d := range decls {
		if int(d.startByte) >= end || int(d.endByte) <= start {
			continue
		}
		if seen[d.name] {
			continue
		}
		seen[d.name] = true
		names = append(names, d.name)
	}
	return names
}

// lineChunks is the fixed-window fallback for unparsed content.
func (c *Chunker) lineChunks(path, language, hash string, content []byte) []Chunk {
	lines := strings.Split(string(content), "\n")
	step := c.opts.FallbackLines - c.opts.FallbackOverlapLines

	var chunks []Chunk
	for i := 0; i < len(lines); i += step {
		end := i + c.opts.FallbackLines
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.TrimRight(strings.Join(lines[i:end], "\n"), "\n")
		if strings.TrimSpace(text) != "" {
			idx := len(chunks)
			chunks = append(chunks, Chunk{
				DocID:      DocID(path, idx, hash),
				Path:       path,
				Language:   language,
				ChunkIndex: idx,
				StartLine:  i + 1,
				EndLine:    end,
				Content:    text,
			})
		}
		if end >= len(lines) {
			break
		}
	}
	return chunks
}

// lineStarts returns the byte offset of every line start.
func lineStarts(content []byte) []int {
	starts := []int{0}
	for i, b := range content {
		if b == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineOf converts a byte offset to a 1-based line number.
func lineOf(offset int, starts []int) int {
	return sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
}

// lineStartAtOrBefore snaps an offset down to the nearest line start.
func lineStartAtOrBefore(offset int, starts []int) int {
	if offset <= 0 {
		return 0
	}
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	return starts[i-1]
}

// nextLineStart returns the first line start after offset, capped at end.
func nextLineStart(offset int, starts []int, end int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	if i >= len(starts) || starts[i] > end {
		return end
	}
	return starts[i]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
