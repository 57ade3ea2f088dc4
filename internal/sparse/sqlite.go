package sparse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// SQLiteIndex is the FTS5-backed sparse segment. Content and symbols are
// pre-tokenized with the same code-aware rules as the bleve backend, so
// both backends rank comparably.
type SQLiteIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Index = (*SQLiteIndex)(nil)

// OpenSQLite creates or opens an FTS5 segment at path. An empty path
// yields an in-memory segment.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sparse directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite segment: %w", err)
	}

	// Single connection: one writer, and the in-memory DSN would
	// otherwise give every pooled connection its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA statements with modernc.org/sqlite;
	// DSN parameters are not honored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sparse schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	// Column order matters: bm25() weights are positional.
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		doc_id UNINDEXED,
		path UNINDEXED,
		language UNINDEXED,
		start_line UNINDEXED,
		end_line UNINDEXED,
		symbols,
		path_terms,
		content,
		raw_content UNINDEXED,
		raw_symbols UNINDEXED,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// preTokenize applies the shared code tokenization and stop filtering.
func preTokenize(text string) string {
	return strings.Join(FilterStopWords(TokenizeCode(text)), " ")
}

// Upsert indexes docs in one transaction. FTS5 virtual tables have no
// REPLACE, so existing rows are deleted first.
func (s *SQLiteIndex) Upsert(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sparse segment is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, `DELETE FROM fts_chunks WHERE doc_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	ins, err := tx.PrepareContext(ctx, `
		INSERT INTO fts_chunks
		(doc_id, path, language, start_line, end_line, symbols, path_terms, content, raw_content, raw_symbols)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer ins.Close()

	for _, d := range docs {
		rawSymbols := strings.Join(d.Symbols, " ")
		if _, err := del.ExecContext(ctx, d.DocID); err != nil {
			return fmt.Errorf("delete doc %s: %w", d.DocID, err)
		}
		_, err := ins.ExecContext(ctx,
			d.DocID, d.Path, d.Language, d.StartLine, d.EndLine,
			preTokenize(rawSymbols), preTokenize(d.Path), preTokenize(d.Content),
			d.Content, rawSymbols,
		)
		if err != nil {
			return fmt.Errorf("insert doc %s: %w", d.DocID, err)
		}
	}
	return tx.Commit()
}

// Query runs an FTS5 MATCH with positional bm25 weights mirroring the
// bleve boosts (symbols > path > content).
func (s *SQLiteIndex) Query(ctx context.Context, queryText string, filter Filter, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("sparse segment is closed")
	}
	if strings.TrimSpace(queryText) == "" || k <= 0 {
		return nil, nil
	}

	tokens := FilterStopWords(TokenizeCode(queryText))
	if len(tokens) == 0 {
		return nil, nil
	}
	// OR semantics across terms, matching the bleve disjunction.
	match := strings.Join(tokens, " OR ")

	var sb strings.Builder
	sb.WriteString(`
		SELECT doc_id, path, language, start_line, end_line, raw_content, raw_symbols,
		       bm25(fts_chunks, 0, 0, 0, 0, 0, 3.0, 2.0, 1.0, 0, 0) AS score
		FROM fts_chunks
		WHERE fts_chunks MATCH ?`)
	args := []any{match}

	if filter.PathPrefix != "" {
		sb.WriteString(` AND path >= ? AND path < ?`)
		args = append(args, filter.PathPrefix, filter.PathPrefix+"\uffff")
	}
	if len(filter.Languages) > 0 {
		ph := make([]string, len(filter.Languages))
		for i, lang := range filter.Languages {
			ph[i] = "?"
			args = append(args, strings.ToLower(lang))
		}
		sb.WriteString(` AND language IN (` + strings.Join(ph, ",") + `)`)
	}
	sb.WriteString(` ORDER BY score LIMIT ?`)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		// FTS5 rejects some query syntax; treat as no results like bleve
		// does for unmatchable input.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fmt.Errorf("sparse query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rawSymbols string
		var score float64
		if err := rows.Scan(&h.DocID, &h.Path, &h.Language, &h.StartLine, &h.EndLine, &h.Content, &rawSymbols, &score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		// bm25() is negative, lower is better. Negate for descending
		// positive scores.
		h.Score = -score
		if rawSymbols != "" {
			h.Symbols = strings.Fields(rawSymbols)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// DeleteByPath removes every chunk of one file.
func (s *SQLiteIndex) DeleteByPath(ctx context.Context, path string) (int, error) {
	return s.deleteWhere(ctx, `path = ?`, path)
}

// DeleteByPathPrefix removes every chunk under a path prefix.
func (s *SQLiteIndex) DeleteByPathPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return s.deleteWhere(ctx, `1 = 1`)
	}
	return s.deleteWhere(ctx, `path >= ? AND path < ?`, prefix, prefix+"\uffff")
}

func (s *SQLiteIndex) deleteWhere(ctx context.Context, where string, args ...any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("sparse segment is closed")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM fts_chunks WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("sparse delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// DocCount returns the number of indexed chunks.
func (s *SQLiteIndex) DocCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("sparse segment is closed")
	}

	var count uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("doc count: %w", err)
	}
	return count, nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
