package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/queue"
	"github.com/lodestone-search/lodestone/internal/sparse"
	"github.com/lodestone-search/lodestone/internal/tracker"
	"github.com/lodestone-search/lodestone/internal/vector"
)

var storeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Options configures a Manager.
type Options struct {
	DataRoot      string
	SparseBackend string // sparse.BackendBleve or sparse.BackendSQLite
	Dimensions    int
	Embedder      embed.Embedder

	EmbedWorkers   int
	EmbedBatchSize int
	EmbedQueueMax  int

	Logger *slog.Logger
}

// Manager creates, opens, and destroys stores. Creation provisions the
// sparse segment, vector collection, and tracker atomically: a failure
// partway rolls back everything already provisioned.
type Manager struct {
	opts Options

	mu     sync.RWMutex
	stores map[string]*Handle
	closed bool
}

// NewManager prepares the data root and opens the manager. Stores are
// opened lazily on first Ensure/Get.
func NewManager(opts Options) (*Manager, error) {
	if opts.DataRoot == "" {
		return nil, errors.New(errors.KindValidation, "data root is required")
	}
	if opts.Dimensions <= 0 {
		return nil, errors.New(errors.KindValidation, "embedding dimensions must be positive")
	}
	if opts.Embedder == nil {
		return nil, errors.New(errors.KindValidation, "embedder is required")
	}
	if opts.SparseBackend == "" {
		opts.SparseBackend = sparse.BackendBleve
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(opts.DataRoot, "stores"), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create data root", err)
	}
	return &Manager{opts: opts, stores: make(map[string]*Handle)}, nil
}

// ValidateName reports whether name is a legal store name.
func ValidateName(name string) error {
	if !storeNameRe.MatchString(name) {
		return errors.Newf(errors.KindValidation,
			"invalid store name %q: must match [a-zA-Z0-9_-], max 64 chars", name)
	}
	return nil
}

func (m *Manager) storeDir(name string) string {
	return filepath.Join(m.opts.DataRoot, "stores", name)
}

func (m *Manager) queueDir(name string) string {
	return filepath.Join(m.opts.DataRoot, "queues", name)
}

// Ensure returns the named store, opening it from disk or creating it as
// needed.
func (m *Manager) Ensure(name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	h, ok := m.stores[name]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.New(errors.KindInternal, "store manager is closed")
	}
	if ok {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New(errors.KindInternal, "store manager is closed")
	}
	if h, ok := m.stores[name]; ok {
		return h, nil
	}

	dir := m.storeDir(name)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		return m.openLocked(name)
	}
	return m.createLocked(name, Meta{Name: name})
}

// Get returns an already-provisioned store or not_found.
func (m *Manager) Get(name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	h, ok := m.stores[name]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.stores[name]; ok {
		return h, nil
	}
	if _, err := os.Stat(filepath.Join(m.storeDir(name), metaFile)); err != nil {
		return nil, errors.Newf(errors.KindNotFound, "store %q does not exist", name)
	}
	return m.openLocked(name)
}

// Create provisions a new store. It fails with already_exists when the
// store is live or present on disk.
func (m *Manager) Create(name string, meta Meta) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New(errors.KindInternal, "store manager is closed")
	}
	if _, ok := m.stores[name]; ok {
		return nil, errors.Newf(errors.KindAlreadyExists, "store %q already exists", name)
	}
	if _, err := os.Stat(filepath.Join(m.storeDir(name), metaFile)); err == nil {
		return nil, errors.Newf(errors.KindAlreadyExists, "store %q already exists", name)
	}

	meta.Name = name
	return m.createLocked(name, meta)
}

// createLocked provisions all backing resources, rolling back on any
// failure so a half-created store never survives.
func (m *Manager) createLocked(name string, meta Meta) (*Handle, error) {
	dir := m.storeDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create store directory", err)
	}

	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	h, err := m.buildHandle(name, meta, m.opts.SparseBackend)
	if err != nil {
		os.RemoveAll(dir)
		os.RemoveAll(m.queueDir(name))
		return nil, err
	}
	// Materialize the empty tracker snapshot so the store's three backing
	// resources all exist on disk once creation returns.
	if err := h.Tracker.Clear(); err != nil {
		h.close()
		os.RemoveAll(dir)
		os.RemoveAll(m.queueDir(name))
		return nil, err
	}
	if err := saveMeta(filepath.Join(dir, metaFile), meta); err != nil {
		h.close()
		os.RemoveAll(dir)
		os.RemoveAll(m.queueDir(name))
		return nil, err
	}

	m.stores[name] = h
	m.opts.Logger.Info("store created", "store", name, "backend", m.opts.SparseBackend)
	return h, nil
}

func (m *Manager) openLocked(name string) (*Handle, error) {
	dir := m.storeDir(name)
	meta, err := loadMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}

	backend := detectBackend(filepath.Join(dir, sparseDir))
	if backend == "" {
		backend = m.opts.SparseBackend
	}

	h, err := m.buildHandle(name, meta, backend)
	if err != nil {
		return nil, err
	}
	m.stores[name] = h
	m.opts.Logger.Info("store opened", "store", name, "backend", backend,
		"tracked_files", h.Tracker.Stats().TrackedFiles)
	return h, nil
}

// buildHandle opens the store's resources in order, closing what was
// already opened when a later step fails.
func (m *Manager) buildHandle(name string, meta Meta, backend string) (*Handle, error) {
	dir := m.storeDir(name)

	trk, err := tracker.Load(filepath.Join(dir, trackerFile))
	if err != nil {
		return nil, err
	}

	idx, err := sparse.Open(backend, filepath.Join(dir, sparseDir))
	if err != nil {
		return nil, err
	}

	coll, err := vector.Open(filepath.Join(dir, vectorFile), m.opts.Dimensions)
	if err != nil {
		idx.Close()
		return nil, err
	}

	embeddings, err := queue.New(m.opts.Embedder, coll, queue.Options{
		Dir:       m.queueDir(name),
		BatchSize: m.opts.EmbedBatchSize,
		MaxChunks: m.opts.EmbedQueueMax,
		Workers:   m.opts.EmbedWorkers,
		Logger:    m.opts.Logger.With("store", name),
	})
	if err != nil {
		coll.Close()
		idx.Close()
		return nil, err
	}

	return &Handle{
		Meta:        meta,
		Tracker:     trk,
		Sparse:      idx,
		SparseQueue: sparse.NewWriteQueue(idx, m.opts.Logger.With("store", name)),
		Vectors:     coll,
		Embeddings:  embeddings,
		dir:         dir,
	}, nil
}

// Delete destroys a store and everything under it. The default store is
// pinned and cannot be deleted.
func (m *Manager) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if name == DefaultStore {
		return errors.New(errors.KindValidation, "the default store cannot be deleted")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, live := m.stores[name]
	if !live {
		if _, err := os.Stat(filepath.Join(m.storeDir(name), metaFile)); err != nil {
			return errors.Newf(errors.KindNotFound, "store %q does not exist", name)
		}
	}
	if live {
		if err := h.close(); err != nil {
			m.opts.Logger.Warn("close store before delete", "store", name, "error", err)
		}
		delete(m.stores, name)
	}

	if err := os.RemoveAll(m.storeDir(name)); err != nil {
		return errors.Wrap(errors.KindInternal, "remove store directory", err)
	}
	if err := os.RemoveAll(m.queueDir(name)); err != nil {
		return errors.Wrap(errors.KindInternal, "remove store queue directory", err)
	}
	m.opts.Logger.Info("store deleted", "store", name)
	return nil
}

// List returns metadata for every store on disk, sorted by name.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(filepath.Join(m.opts.DataRoot, "stores"))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list stores", err)
	}

	var metas []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := loadMeta(filepath.Join(m.storeDir(e.Name()), metaFile))
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

// Stats aggregates the named store's counters.
func (m *Manager) Stats(name string) (Stats, error) {
	h, err := m.Get(name)
	if err != nil {
		return Stats{}, err
	}

	ts := h.Tracker.Stats()
	chunkCount, err := h.Sparse.DocCount()
	if err != nil {
		return Stats{}, err
	}
	qs := h.Embeddings.Stats()

	return Stats{
		DocCount:     ts.TrackedFiles,
		ChunkCount:   chunkCount,
		VectorCount:  h.Vectors.Count(),
		TotalSize:    ts.TotalSize,
		LastIndexed:  ts.LastUpdated,
		QueueDepth:   qs.QueuedChunks,
		FailedChunks: qs.FailedChunks,
	}, nil
}

// Touch bumps the store's updated_at timestamp.
func (m *Manager) Touch(name string) error {
	h, err := m.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h.Meta.UpdatedAt = time.Now().UTC()
	return saveMeta(filepath.Join(h.dir, metaFile), h.Meta)
}

// Close shuts down every live store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for name, h := range m.stores {
		if err := h.close(); err != nil {
			m.opts.Logger.Warn("close store", "store", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.stores = nil
	return firstErr
}

// detectBackend inspects an existing sparse directory so a store keeps
// the backend it was created with even if the server default changed.
func detectBackend(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "sparse.db")); err == nil {
		return sparse.BackendSQLite
	}
	if _, err := os.Stat(filepath.Join(dir, "bleve")); err == nil {
		return sparse.BackendBleve
	}
	return ""
}
