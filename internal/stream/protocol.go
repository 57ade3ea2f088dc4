// Package stream implements the TCP streaming ingest protocol:
// newline-delimited JSON frames carrying fire-and-forget file uploads and
// multiplexed request/response search, delete, and stats calls.
package stream

import (
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/search"
)

// Client frame types.
const (
	TypeFile   = "file"
	TypeSearch = "search"
	TypeDelete = "delete"
	TypeStats  = "stats"
	TypePing   = "ping"
)

// Server frame types.
const (
	TypeAck         = "ack"
	TypeIndexed     = "indexed"
	TypeResults     = "results"
	TypeDeleted     = "deleted"
	TypeStatsResult = "stats_result"
	TypePong        = "pong"
	TypeError       = "error"
)

// ClientFrame is the union of every inbound frame. Type discriminates;
// the remaining fields are populated per type.
type ClientFrame struct {
	Type string `json:"type"`

	// Store optionally pins the session's store on the first frame.
	Store string `json:"store,omitempty"`

	// file
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// search / delete / stats
	ReqID string `json:"req_id,omitempty"`

	// search. The booleans are pointers so an omitted field keeps the
	// server default instead of reading as false.
	Query           string       `json:"query,omitempty"`
	TopK            int          `json:"top_k,omitempty"`
	Filters         FrameFilters `json:"filters,omitempty"`
	IncludeContent  *bool        `json:"include_content,omitempty"`
	EnableReranking *bool        `json:"enable_reranking,omitempty"`

	// delete
	Paths      []string `json:"paths,omitempty"`
	PathPrefix *string  `json:"path_prefix,omitempty"`
}

// FrameFilters narrows a search to a path subtree or language set.
type FrameFilters struct {
	PathPrefix string   `json:"path_prefix,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

type ackFrame struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
	Store  string `json:"store"`
}

type indexedFrame struct {
	Type         string `json:"type"`
	ChunksQueued int    `json:"chunks_queued"`
	FilesCount   int    `json:"files_count"`
	BatchID      string `json:"batch_id"`
}

type resultItem struct {
	DocID      string   `json:"doc_id"`
	Path       string   `json:"path"`
	Language   string   `json:"language"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Content    string   `json:"content,omitempty"`
	Symbols    []string `json:"symbols,omitempty"`
	FinalScore float64  `json:"final_score"`
}

type resultsFrame struct {
	Type          string       `json:"type"`
	ReqID         string       `json:"req_id"`
	Query         string       `json:"query"`
	Results       []resultItem `json:"results"`
	Total         int          `json:"total"`
	RerankApplied bool         `json:"rerank_applied"`
	Degraded      bool         `json:"degraded,omitempty"`
	SearchTimeMS  int64        `json:"search_time_ms"`
}

type deletedFrame struct {
	Type          string `json:"type"`
	ReqID         string `json:"req_id"`
	SparseDeleted int    `json:"sparse_deleted"`
	DenseDeleted  int    `json:"dense_deleted"`
}

type statsResultFrame struct {
	Type         string `json:"type"`
	ReqID        string `json:"req_id"`
	TrackedFiles int    `json:"tracked_files"`
	TotalSize    int64  `json:"total_size"`
	LastUpdated  string `json:"last_updated"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string  `json:"type"`
	ReqID   *string `json:"req_id"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}

// CodeDuplicateReqID is the only wire error code with no matching error
// kind; everything else maps straight from the taxonomy.
const CodeDuplicateReqID = "duplicate_req_id"

// errorCode maps an error onto its wire code.
func errorCode(err error) string {
	switch kind := errors.KindOf(err); kind {
	case errors.KindValidation, errors.KindNotFound, errors.KindAlreadyExists,
		errors.KindQueueFull, errors.KindTimeout, errors.KindModelUnavailable:
		return string(kind)
	default:
		return string(errors.KindInternal)
	}
}

func toResultItems(results []search.Result) []resultItem {
	items := make([]resultItem, len(results))
	for i, r := range results {
		items[i] = resultItem{
			DocID:      r.DocID,
			Path:       r.Path,
			Language:   r.Language,
			StartLine:  r.StartLine,
			EndLine:    r.EndLine,
			Content:    r.Content,
			Symbols:    r.Symbols,
			FinalScore: r.FinalScore,
		}
	}
	return items
}
