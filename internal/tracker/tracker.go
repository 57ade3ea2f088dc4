// Package tracker records which files have been admitted for indexing
// and the chunk IDs each produced. One Tracker instance serves one store.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lodestone-search/lodestone/internal/errors"
)

const snapshotVersion = 1

// TrackedFile is the persisted record for one indexed file.
type TrackedFile struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	IndexedAt time.Time `json:"indexed_at"`
	ChunkIDs  []string  `json:"chunk_ids"`
}

// FileContent pairs a path with its current content for change checks.
type FileContent struct {
	Path    string
	Content []byte
}

// Entry is one file to record via Track.
type Entry struct {
	Path     string
	Content  []byte
	ChunkIDs []string
}

// Changes partitions a change check into unchanged, changed and new paths.
type Changes struct {
	Unchanged []string
	Changed   []string
	New       []string
}

// Stats summarizes tracker state for one store.
type Stats struct {
	TrackedFiles int       `json:"tracked_files"`
	TotalSize    int64     `json:"total_size"`
	LastUpdated  time.Time `json:"last_updated"`
}

type snapshot struct {
	Version int                    `json:"version"`
	Files   map[string]TrackedFile `json:"files"`
}

// Tracker is the per-store file registry, persisted as a single JSON
// snapshot written via temp file and atomic rename.
type Tracker struct {
	mu    sync.RWMutex
	path  string
	files map[string]TrackedFile
}

// Load opens (or initializes) the tracker snapshot at path.
func Load(path string) (*Tracker, error) {
	t := &Tracker{
		path:  path,
		files: make(map[string]TrackedFile),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "read tracker snapshot", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "decode tracker snapshot", err)
	}
	if snap.Files != nil {
		t.files = snap.Files
	}
	return t, nil
}

// NormalizePath converts a path to forward slashes and trims leading "./".
func NormalizePath(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	return strings.TrimPrefix(p, "./")
}

// HashContent computes the tracker's content hash (xxhash64, 16 hex chars).
func HashContent(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// hashMatches compares content against a stored hash. New records use
// xxhash64; snapshots written by older versions carry SHA-256, which is
// accepted transparently.
func hashMatches(stored string, content []byte) bool {
	switch len(stored) {
	case 16:
		return stored == HashContent(content)
	case 64:
		sum := sha256.Sum256(content)
		return stored == hex.EncodeToString(sum[:])
	default:
		return false
	}
}

// CheckChanges partitions files by comparing content hashes to the
// tracked state.
func (t *Tracker) CheckChanges(files []FileContent) Changes {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ch Changes
	for _, f := range files {
		path := NormalizePath(f.Path)
		rec, ok := t.files[path]
		switch {
		case !ok:
			ch.New = append(ch.New, path)
		case hashMatches(rec.Hash, f.Content):
			ch.Unchanged = append(ch.Unchanged, path)
		default:
			ch.Changed = append(ch.Changed, path)
		}
	}
	return ch
}

// Track overwrites the records for the given entries and persists the
// snapshot once.
func (t *Tracker) Track(entries []Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range entries {
		path := NormalizePath(e.Path)
		t.files[path] = TrackedFile{
			Path:      path,
			Hash:      HashContent(e.Content),
			Size:      int64(len(e.Content)),
			IndexedAt: now,
			ChunkIDs:  append([]string(nil), e.ChunkIDs...),
		}
	}
	return t.saveLocked()
}

// Untrack removes one path. Returns false when the path was not tracked.
func (t *Tracker) Untrack(path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path = NormalizePath(path)
	if _, ok := t.files[path]; !ok {
		return false, nil
	}
	delete(t.files, path)
	return true, t.saveLocked()
}

// UntrackByPrefix removes every path under prefix and returns the
// removed paths.
func (t *Tracker) UntrackByPrefix(prefix string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix = NormalizePath(prefix)
	var removed []string
	for path := range t.files {
		if strings.HasPrefix(path, prefix) {
			removed = append(removed, path)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	for _, path := range removed {
		delete(t.files, path)
	}
	sort.Strings(removed)
	return removed, t.saveLocked()
}

// FindDeleted returns tracked paths absent from currentPaths.
func (t *Tracker) FindDeleted(currentPaths []string) []string {
	current := make(map[string]bool, len(currentPaths))
	for _, p := range currentPaths {
		current[NormalizePath(p)] = true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var deleted []string
	for path := range t.files {
		if !current[path] {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(deleted)
	return deleted
}

// ChunkIDs returns the chunk IDs recorded for a path.
func (t *Tracker) ChunkIDs(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.files[NormalizePath(path)]
	if !ok {
		return nil
	}
	return append([]string(nil), rec.ChunkIDs...)
}

// List returns all tracked files sorted by path.
func (t *Tracker) List() []TrackedFile {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrackedFile, 0, len(t.files))
	for _, rec := range t.files {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Stats summarizes the tracked set.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Stats
	for _, rec := range t.files {
		s.TrackedFiles++
		s.TotalSize += rec.Size
		if rec.IndexedAt.After(s.LastUpdated) {
			s.LastUpdated = rec.IndexedAt
		}
	}
	return s
}

// Clear drops every record and persists the empty snapshot.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files = make(map[string]TrackedFile)
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	snap := snapshot{Version: snapshotVersion, Files: t.files}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode tracker snapshot", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return errors.Wrap(errors.KindInternal, "create tracker directory", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.KindInternal, "write tracker snapshot", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.KindInternal, "commit tracker snapshot", err)
	}
	return nil
}
