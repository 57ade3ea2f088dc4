// Package vector implements the per-store dense vector collection on an
// in-process HNSW graph with gob-persisted metadata.
package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	"github.com/lodestone-search/lodestone/internal/errors"
)

// Payload is the metadata stored alongside each vector.
type Payload struct {
	Path       string
	Language   string
	ChunkIndex int
	StartLine  int
	EndLine    int
}

// Point is one vector to upsert, keyed by chunk doc_id.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is one nearest-neighbor result. Score is cosine similarity mapped
// to [0,1].
type Hit struct {
	DocID   string
	Score   float64
	Payload Payload
}

// Filter restricts search hits by payload fields.
type Filter struct {
	PathPrefix string
	Languages  []string
}

// Empty reports whether the filter imposes no restriction.
func (f Filter) Empty() bool {
	return f.PathPrefix == "" && len(f.Languages) == 0
}

func (f Filter) matches(p Payload) bool {
	if f.PathPrefix != "" && !strings.HasPrefix(p.Path, f.PathPrefix) {
		return false
	}
	if len(f.Languages) > 0 {
		found := false
		for _, lang := range f.Languages {
			if strings.EqualFold(lang, p.Language) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// overFetchFactor widens filtered searches so enough survivors remain
// after payload filtering.
const overFetchFactor = 4

// Collection is one store's dense index. Writes use lazy deletion:
// replaced or deleted nodes stay in the graph but lose their ID mapping
// and never surface in results.
type Collection struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]Payload
	vectors  map[string][]float32 // normalized, for similarity lookups
	nextKey  uint64
	closed   bool
}

// collectionMeta is the gob sidecar persisted next to the graph export.
type collectionMeta struct {
	Dims     int
	IDMap    map[string]uint64
	NextKey  uint64
	Payloads map[string]Payload
	Vectors  map[string][]float32
}

// NewCollection creates an empty collection for dims-dimensional vectors.
func NewCollection(dims int) (*Collection, error) {
	if dims <= 0 {
		return nil, errors.Newf(errors.KindValidation, "vector dimensions must be positive, got %d", dims)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	// A wider beam keeps recall high on small collections; results are
	// re-ranked by exact distance after the graph walk regardless.
	graph.EfSearch = 64
	graph.Ml = 0.25

	return &Collection{
		graph:    graph,
		dims:     dims,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]Payload),
		vectors:  make(map[string][]float32),
	}, nil
}

// Open loads the collection persisted at path, or creates an empty one
// when no snapshot exists.
func Open(path string, dims int) (*Collection, error) {
	c, err := NewCollection(dims)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if err := c.Load(path); err != nil {
		return nil, err
	}
	return c, nil
}

// Upsert inserts or replaces points. Same-ID upserts are last-writer-wins.
func (c *Collection) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.KindInternal, "vector collection is closed")
	}

	for _, p := range points {
		if len(p.Vector) != c.dims {
			return errors.Newf(errors.KindValidation,
				"vector dimension mismatch for %s: want %d, got %d", p.ID, c.dims, len(p.Vector))
		}
	}

	for _, p := range points {
		if oldKey, exists := c.idMap[p.ID]; exists {
			// Lazy delete: orphan the old graph node.
			delete(c.keyMap, oldKey)
		}

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		normalize(vec)

		key := c.nextKey
		c.nextKey++
		c.graph.Add(hnsw.MakeNode(key, vec))

		c.idMap[p.ID] = key
		c.keyMap[key] = p.ID
		c.payloads[p.ID] = p.Payload
		c.vectors[p.ID] = vec
	}
	return nil
}

// Search returns the k nearest live points, filtered by payload. Filtered
// searches over-fetch from the graph to compensate for dropped hits.
func (c *Collection) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errors.New(errors.KindInternal, "vector collection is closed")
	}
	if len(query) != c.dims {
		return nil, errors.Newf(errors.KindValidation,
			"query dimension mismatch: want %d, got %d", c.dims, len(query))
	}
	if k <= 0 || c.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	fetch := k
	if !filter.Empty() {
		fetch = k * overFetchFactor
	}
	// Lazy-deleted orphans also occupy result slots.
	if orphans := c.graph.Len() - len(c.idMap); orphans > 0 {
		fetch += orphans
	}
	if max := c.graph.Len(); fetch > max {
		fetch = max
	}

	nodes := c.graph.Search(q, fetch)

	// The graph's beam search does not guarantee distance order, so
	// collect every live candidate and rank by score before truncating.
	hits := make([]Hit, 0, len(nodes))
	for _, node := range nodes {
		id, live := c.keyMap[node.Key]
		if !live {
			continue
		}
		payload := c.payloads[id]
		if !filter.matches(payload) {
			continue
		}
		dist := c.graph.Distance(q, node.Value)
		hits = append(hits, Hit{
			DocID:   id,
			Score:   float64(1 - dist/2),
			Payload: payload,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes points by ID. Returns how many existed.
func (c *Collection) Delete(ids []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	removed := 0
	for _, id := range ids {
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
			delete(c.payloads, id)
			delete(c.vectors, id)
			removed++
		}
	}
	return removed
}

// DeleteByPathPrefix removes every point whose payload path starts with
// prefix. An empty prefix removes everything. Returns the count removed.
func (c *Collection) DeleteByPathPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	removed := 0
	for id, p := range c.payloads {
		if !strings.HasPrefix(p.Path, prefix) {
			continue
		}
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
		}
		delete(c.payloads, id)
		delete(c.vectors, id)
		removed++
	}
	return removed
}

// Vector returns a copy of the stored normalized vector for a doc_id.
func (c *Collection) Vector(docID string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vec, ok := c.vectors[docID]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Count returns the number of live points.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.idMap)
}

// Dims returns the collection's vector dimensionality.
func (c *Collection) Dims() int {
	return c.dims
}

// Save persists the graph and metadata via temp files and atomic rename.
func (c *Collection) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New(errors.KindInternal, "vector collection is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.KindInternal, "create vector directory", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "create vector snapshot", err)
	}
	if err := c.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "export vector graph", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "close vector snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "commit vector snapshot", err)
	}

	return c.saveMeta(path + ".meta")
}

func (c *Collection) saveMeta(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "create vector metadata", err)
	}

	meta := collectionMeta{
		Dims:     c.dims,
		IDMap:    c.idMap,
		NextKey:  c.nextKey,
		Payloads: c.payloads,
		Vectors:  c.vectors,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "encode vector metadata", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "close vector metadata", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "commit vector metadata", err)
	}
	return nil
}

// Load replaces the collection contents with the snapshot at path.
func (c *Collection) Load(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.KindInternal, "vector collection is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "open vector metadata", err)
	}
	defer metaFile.Close()

	var meta collectionMeta
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return errors.Wrap(errors.KindInternal, "decode vector metadata", err)
	}
	if meta.Dims != c.dims {
		return errors.Newf(errors.KindValidation,
			"persisted collection has %d dimensions, expected %d", meta.Dims, c.dims)
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "open vector snapshot", err)
	}
	defer file.Close()

	// Import needs an io.ByteReader.
	if err := c.graph.Import(bufio.NewReader(file)); err != nil {
		return errors.Wrap(errors.KindInternal, "import vector graph", err)
	}

	c.idMap = meta.IDMap
	c.nextKey = meta.NextKey
	c.payloads = meta.Payloads
	c.vectors = meta.Vectors
	c.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		c.keyMap[key] = id
	}
	return nil
}

// Close releases the graph. Idempotent.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.graph = nil
	return nil
}

// Cosine returns the cosine similarity of two L2-normalized vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// normalize scales v to unit length in place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
