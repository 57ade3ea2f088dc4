package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/pipeline"
	"github.com/lodestone-search/lodestone/internal/search"
)

// Session states.
type sessionState int

const (
	stateHandshake sessionState = iota
	stateReady
	stateClosing
	stateClosed
)

// session owns one client connection. All outbound writes are serialized
// through a single queue; file frames accumulate into a batch flushed on
// size or idle.
type session struct {
	id     string
	store  string
	conn   net.Conn
	server *Server
	logger *slog.Logger

	state sessionState

	// outbound serializes every write to the connection. It closes only
	// after all producers have finished.
	outbound   chan []byte
	writerDone chan struct{}

	// admit hands full batches to the indexing worker. When it fills,
	// senders block, pushing backpressure up to the socket.
	admit chan []pipeline.File

	mu          sync.Mutex
	batch       []pipeline.File
	timer       *time.Timer
	admitClosed bool

	reqMu  sync.Mutex
	reqIDs map[string]struct{}

	wg sync.WaitGroup
}

func newSession(conn net.Conn, srv *Server) *session {
	s := &session{
		id:         uuid.NewString(),
		store:      srv.opts.Store,
		conn:       conn,
		server:     srv,
		state:      stateHandshake,
		outbound:   make(chan []byte, srv.opts.OutboundQueue),
		writerDone: make(chan struct{}),
		admit:      make(chan []pipeline.File, srv.opts.AdmitQueue),
		reqIDs:     make(map[string]struct{}),
	}
	s.logger = srv.logger.With("conn_id", s.id)
	return s
}

// run drives the session until the connection or server context ends.
// Teardown order matters: in-flight requests are cancelled when the
// transport drops, but the pending file batch still gets admitted.
func (s *session) run(ctx context.Context) {
	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()
	reqCtx, reqCancel := context.WithCancel(sessCtx)
	defer reqCancel()

	go s.writeLoop()
	s.wg.Add(1)
	go s.indexLoop(sessCtx)

	// Server shutdown unblocks the read loop through the socket.
	go func() {
		<-sessCtx.Done()
		s.conn.Close()
	}()

	s.readLoop(reqCtx)
	s.state = stateClosing

	reqCancel()
	s.flushBatch()
	s.closeAdmit()
	s.wg.Wait()

	close(s.outbound)
	<-s.writerDone

	s.conn.Close()
	s.state = stateClosed
}

func (s *session) readLoop(ctx context.Context) {
	dec := json.NewDecoder(s.conn)
	for {
		var frame ClientFrame
		if err := dec.Decode(&frame); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Debug("session read ended", "error", err)
			}
			return
		}

		if s.state == stateHandshake {
			if frame.Store != "" {
				s.store = frame.Store
			}
			s.state = stateReady
			s.send(ackFrame{Type: TypeAck, ConnID: s.id, Store: s.store})
		}

		switch frame.Type {
		case TypeFile:
			s.handleFile(frame)
		case TypeSearch:
			s.dispatch(ctx, frame, s.handleSearch)
		case TypeDelete:
			s.dispatch(ctx, frame, s.handleDelete)
		case TypeStats:
			s.dispatch(ctx, frame, s.handleStats)
		case TypePing:
			s.send(pongFrame{Type: TypePong})
		default:
			s.sendError(nil, errors.Newf(errors.KindValidation,
				"unknown frame type %q", frame.Type))
		}
	}
}

// handleFile is fire-and-forget: the file joins the current batch, which
// flushes when it reaches batch_size or after batch_idle with no new
// files.
func (s *session) handleFile(frame ClientFrame) {
	if frame.Path == "" {
		s.sendError(nil, errors.New(errors.KindValidation, "file frame requires a path"))
		return
	}

	s.mu.Lock()
	s.batch = append(s.batch, pipeline.File{Path: frame.Path, Content: []byte(frame.Content)})
	full := len(s.batch) >= s.server.opts.BatchSize
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !full {
		s.timer = time.AfterFunc(s.server.opts.BatchIdle, s.flushBatch)
	}
	s.mu.Unlock()

	if full {
		s.flushBatch()
	}
}

// flushBatch moves the accumulated batch onto the admit channel. Called
// from the read loop, the idle timer, and session teardown. The mutex is
// held across the channel send so a flush can never race the admit
// close.
func (s *session) flushBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	batch := s.batch
	s.batch = nil
	if len(batch) == 0 || s.admitClosed {
		return
	}
	s.admit <- batch
}

func (s *session) closeAdmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admitClosed {
		s.admitClosed = true
		close(s.admit)
	}
}

// indexLoop drains admitted batches into the pipeline and reports each
// one with an indexed frame.
func (s *session) indexLoop(ctx context.Context) {
	defer s.wg.Done()
	for batch := range s.admit {
		resp, err := s.server.opts.Pipeline.IndexFiles(ctx, s.store, batch, false)
		if err != nil {
			s.sendError(nil, err)
			continue
		}
		s.send(indexedFrame{
			Type:         TypeIndexed,
			ChunksQueued: resp.ChunksQueued,
			FilesCount:   len(batch),
			BatchID:      uuid.NewString(),
		})
	}
}

// dispatch runs one req_id-tagged request concurrently, enforcing
// per-connection req_id uniqueness.
func (s *session) dispatch(ctx context.Context, frame ClientFrame, fn func(context.Context, ClientFrame)) {
	if frame.ReqID == "" {
		s.sendError(nil, errors.Newf(errors.KindValidation,
			"%s frame requires a req_id", frame.Type))
		return
	}

	s.reqMu.Lock()
	if _, dup := s.reqIDs[frame.ReqID]; dup {
		s.reqMu.Unlock()
		reqID := frame.ReqID
		s.send(errorFrame{
			Type:    TypeError,
			ReqID:   &reqID,
			Code:    CodeDuplicateReqID,
			Message: "req_id already used on this connection",
		})
		return
	}
	s.reqIDs[frame.ReqID] = struct{}{}
	s.reqMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx, frame)
	}()
}

func (s *session) handleSearch(ctx context.Context, frame ClientFrame) {
	opts := s.server.opts.SearchDefaults
	if frame.TopK > 0 {
		opts.TopK = frame.TopK
	}
	opts.Filter = search.Filter{
		PathPrefix: frame.Filters.PathPrefix,
		Languages:  frame.Filters.Languages,
	}
	if frame.IncludeContent != nil {
		opts.IncludeContent = *frame.IncludeContent
	}
	if frame.EnableReranking != nil {
		opts.EnableRerank = *frame.EnableReranking
	}

	resp, err := s.server.opts.Engine.Search(ctx, s.store, frame.Query, opts)
	if err != nil {
		s.sendError(&frame.ReqID, err)
		return
	}
	s.send(resultsFrame{
		Type:          TypeResults,
		ReqID:         frame.ReqID,
		Query:         resp.Query,
		Results:       toResultItems(resp.Results),
		Total:         resp.Total,
		RerankApplied: resp.RerankApplied,
		Degraded:      resp.Degraded,
		SearchTimeMS:  resp.SearchTimeMS,
	})
}

func (s *session) handleDelete(ctx context.Context, frame ClientFrame) {
	resp, err := s.server.opts.Pipeline.DeleteFiles(ctx, s.store, frame.Paths, frame.PathPrefix)
	if err != nil {
		s.sendError(&frame.ReqID, err)
		return
	}
	s.send(deletedFrame{
		Type:          TypeDeleted,
		ReqID:         frame.ReqID,
		SparseDeleted: resp.SparseDeleted,
		DenseDeleted:  resp.DenseDeleted,
	})
}

func (s *session) handleStats(ctx context.Context, frame ClientFrame) {
	h, err := s.server.opts.Stores.Ensure(s.store)
	if err != nil {
		s.sendError(&frame.ReqID, err)
		return
	}
	stats := h.Tracker.Stats()
	last := ""
	if !stats.LastUpdated.IsZero() {
		last = stats.LastUpdated.UTC().Format(time.RFC3339)
	}
	s.send(statsResultFrame{
		Type:         TypeStatsResult,
		ReqID:        frame.ReqID,
		TrackedFiles: stats.TrackedFiles,
		TotalSize:    stats.TotalSize,
		LastUpdated:  last,
	})
}

// send marshals a frame onto the outbound queue. Producers all finish
// before teardown closes the queue, so a send never hits a closed
// channel.
func (s *session) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal outbound frame", "error", err)
		return
	}
	s.outbound <- append(data, '\n')
}

// sendError maps err onto a single wire error frame. reqID is nil for
// errors not tied to a request.
func (s *session) sendError(reqID *string, err error) {
	s.logger.Warn("session error", "error", err)
	s.send(errorFrame{
		Type:    TypeError,
		ReqID:   reqID,
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

// writeLoop is the sole writer to the connection. After a write failure
// it keeps draining so producers never block on a dead connection.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	failed := false
	for data := range s.outbound {
		if failed {
			continue
		}
		if _, err := s.conn.Write(data); err != nil {
			s.logger.Debug("session write failed", "error", err)
			failed = true
		}
	}
}
