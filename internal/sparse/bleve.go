package sparse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Names registered with bleve for the code-aware analysis chain.
const (
	codeTokenizerName = "code_tokenizer"
	codeStopName      = "code_stop"
	codeAnalyzerName  = "code_analyzer"
)

// Query-time field boosts: symbol matches outrank path matches, which
// outrank plain content matches.
const (
	symbolsBoost = 3.0
	pathBoost    = 2.0
	contentBoost = 1.0
)

func init() {
	_ = registry.RegisterTokenizer(codeTokenizerName, newCodeTokenizer)
	_ = registry.RegisterTokenFilter(codeStopName, newCodeStopFilter)
}

// BleveIndex is the bleve-backed sparse segment.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

var _ Index = (*BleveIndex)(nil)

// OpenBleve creates or opens a bleve segment at path. An empty path
// yields an in-memory segment.
func OpenBleve(path string) (*BleveIndex, error) {
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sparse directory: %w", err)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve segment: %w", err)
	}
	return &BleveIndex{index: idx}, nil
}

func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": codeTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			codeStopName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add code analyzer: %w", err)
	}

	codeField := bleve.NewTextFieldMapping()
	codeField.Analyzer = codeAnalyzerName
	codeField.Store = true

	// path_terms is the analyzed view of the path; the raw path stays a
	// single keyword term for exact and prefix filtering.
	pathTermsField := bleve.NewTextFieldMapping()
	pathTermsField.Analyzer = codeAnalyzerName
	pathTermsField.Store = false

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Store = true

	lineField := bleve.NewNumericFieldMapping()
	lineField.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", codeField)
	doc.AddFieldMappingsAt("symbols", codeField)
	doc.AddFieldMappingsAt("path_terms", pathTermsField)
	doc.AddFieldMappingsAt("path", keywordField)
	doc.AddFieldMappingsAt("language", keywordField)
	doc.AddFieldMappingsAt("start_line", lineField)
	doc.AddFieldMappingsAt("end_line", lineField)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = codeAnalyzerName
	return indexMapping, nil
}

// Upsert indexes docs in one batch. Re-indexing an existing doc_id
// replaces it.
func (b *BleveIndex) Upsert(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("sparse segment is closed")
	}

	batch := b.index.NewBatch()
	for _, d := range docs {
		fields := map[string]interface{}{
			"content":    d.Content,
			"symbols":    strings.Join(d.Symbols, " "),
			"path":       d.Path,
			"path_terms": d.Path,
			"language":   d.Language,
			"start_line": d.StartLine,
			"end_line":   d.EndLine,
		}
		if err := batch.Index(d.DocID, fields); err != nil {
			return fmt.Errorf("batch doc %s: %w", d.DocID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Query runs a boosted disjunction over symbols, path terms and content.
func (b *BleveIndex) Query(ctx context.Context, queryText string, filter Filter, k int) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("sparse segment is closed")
	}
	if strings.TrimSpace(queryText) == "" || k <= 0 {
		return nil, nil
	}

	symbolsQ := bleve.NewMatchQuery(queryText)
	symbolsQ.SetField("symbols")
	symbolsQ.SetBoost(symbolsBoost)

	pathQ := bleve.NewMatchQuery(queryText)
	pathQ.SetField("path_terms")
	pathQ.SetBoost(pathBoost)

	contentQ := bleve.NewMatchQuery(queryText)
	contentQ.SetField("content")
	contentQ.SetBoost(contentBoost)

	var q = bleve.NewDisjunctionQuery(symbolsQ, pathQ, contentQ)

	req := bleve.NewSearchRequest(applyFilter(q, filter))
	req.Size = k
	req.Fields = []string{"path", "language", "symbols", "content", "start_line", "end_line"}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sparse query: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{DocID: h.ID, Score: h.Score}
		if v, ok := h.Fields["path"].(string); ok {
			hit.Path = v
		}
		if v, ok := h.Fields["language"].(string); ok {
			hit.Language = v
		}
		if v, ok := h.Fields["content"].(string); ok {
			hit.Content = v
		}
		if v, ok := h.Fields["symbols"].(string); ok && v != "" {
			hit.Symbols = strings.Fields(v)
		}
		if v, ok := h.Fields["start_line"].(float64); ok {
			hit.StartLine = int(v)
		}
		if v, ok := h.Fields["end_line"].(float64); ok {
			hit.EndLine = int(v)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func applyFilter(q *query.DisjunctionQuery, filter Filter) query.Query {
	if filter.Empty() {
		return q
	}

	conj := bleve.NewConjunctionQuery(q)
	if filter.PathPrefix != "" {
		prefix := bleve.NewPrefixQuery(filter.PathPrefix)
		prefix.SetField("path")
		conj.AddQuery(prefix)
	}
	if len(filter.Languages) > 0 {
		langs := bleve.NewDisjunctionQuery()
		for _, lang := range filter.Languages {
			term := bleve.NewTermQuery(strings.ToLower(lang))
			term.SetField("language")
			langs.AddQuery(term)
		}
		conj.AddQuery(langs)
	}
	return conj
}

// DeleteByPath removes every chunk of one file. Returns the count removed.
func (b *BleveIndex) DeleteByPath(ctx context.Context, path string) (int, error) {
	term := bleve.NewTermQuery(path)
	term.SetField("path")
	return b.deleteMatching(ctx, term)
}

// DeleteByPathPrefix removes every chunk under a path prefix.
func (b *BleveIndex) DeleteByPathPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return b.deleteMatching(ctx, bleve.NewMatchAllQuery())
	}
	q := bleve.NewPrefixQuery(prefix)
	q.SetField("path")
	return b.deleteMatching(ctx, q)
}

func (b *BleveIndex) deleteMatching(ctx context.Context, q query.Query) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fmt.Errorf("sparse segment is closed")
	}

	total, err := b.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("doc count: %w", err)
	}
	if total == 0 {
		return 0, nil
	}

	req := bleve.NewSearchRequest(q)
	req.Size = int(total)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("collect doc ids: %w", err)
	}
	if len(res.Hits) == 0 {
		return 0, nil
	}

	batch := b.index.NewBatch()
	for _, h := range res.Hits {
		batch.Delete(h.ID)
	}
	if err := b.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return len(res.Hits), nil
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, fmt.Errorf("sparse segment is closed")
	}
	return b.index.DocCount()
}

// Close closes the segment. Idempotent.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func newCodeTokenizer(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &codeTokenizer{}, nil
}

// codeTokenizer adapts TokenizeCode to bleve's analysis chain.
type codeTokenizer struct{}

func (t *codeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := TokenizeCode(text)

	stream := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, tok := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), tok)
		if start < 0 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(tok)
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return stream
}

func newCodeStopFilter(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &codeStopFilter{}, nil
}

type codeStopFilter struct{}

func (f *codeStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if _, stop := codeStopWords[strings.ToLower(string(tok.Term))]; !stop {
			out = append(out, tok)
		}
	}
	return out
}
