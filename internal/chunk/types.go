// Package chunk splits source files into AST-aligned indexable units.
package chunk

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fallback reasons reported alongside a chunking result.
const (
	ReasonBinary        = "binary"
	ReasonTooLarge      = "too_large"
	ReasonParseFallback = "parse_error_fallback_used"
)

// Chunk is the atomic indexed unit: a bounded slice of one file.
type Chunk struct {
	// DocID is globally unique and deterministic; it joins the sparse
	// segment, the vector collection, and the file tracker.
	DocID      string
	Path       string
	Language   string
	ChunkIndex int
	StartLine  int // 1-based
	EndLine    int // inclusive
	Content    string
	// Symbols are declaration names whose body intersects this chunk,
	// in declaration order, deduplicated.
	Symbols []string
}

// Result is the outcome of chunking one file. Rejected files carry an
// empty Chunks slice with the reason in Fallback; parse failures carry
// line-window chunks with Fallback set to ReasonParseFallback.
type Result struct {
	Chunks   []Chunk
	Fallback string
}

// Rejected reports whether the file produced no chunks at all.
func (r Result) Rejected() bool {
	return len(r.Chunks) == 0 && r.Fallback != ""
}

// ContentHash returns the 64-bit content hash used in doc IDs and by the
// file tracker.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// DocID derives the stable chunk identifier from the file path, the
// chunk's position within the file, and the file content hash.
func DocID(path string, chunkIndex int, contentHash string) string {
	key := fmt.Sprintf("%s:%d:%s", path, chunkIndex, contentHash)
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}
