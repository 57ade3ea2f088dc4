package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lodestone-search/lodestone/internal/pipeline"
	"github.com/lodestone-search/lodestone/internal/search"
	"github.com/lodestone-search/lodestone/internal/store"
)

// Default streaming parameters, mirrored in the config package.
const (
	DefaultAddr          = "127.0.0.1:7700"
	DefaultBatchSize     = 50
	DefaultBatchIdle     = 300 * time.Millisecond
	DefaultOutboundQueue = 256
	DefaultAdmitQueue    = 64
)

// Options wires a streaming server.
type Options struct {
	// Addr is the TCP listen address.
	Addr string
	// Store names the store sessions bind to when the client's first
	// frame does not pick one.
	Store string

	Pipeline *pipeline.Pipeline
	Engine   *search.Engine
	Stores   *store.Manager

	// SearchDefaults seed per-request search options; the frame's own
	// fields override them.
	SearchDefaults search.Options

	BatchSize     int
	BatchIdle     time.Duration
	OutboundQueue int
	AdmitQueue    int

	Logger *slog.Logger
}

// Server accepts streaming protocol connections and runs one session per
// connection.
type Server struct {
	opts     Options
	logger   *slog.Logger
	listener net.Listener

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer validates options and fills defaults.
func NewServer(opts Options) (*Server, error) {
	if opts.Pipeline == nil || opts.Engine == nil || opts.Stores == nil {
		return nil, fmt.Errorf("stream server requires pipeline, engine, and stores")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Store == "" {
		opts.Store = store.DefaultStore
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchIdle <= 0 {
		opts.BatchIdle = DefaultBatchIdle
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = DefaultOutboundQueue
	}
	if opts.AdmitQueue <= 0 {
		opts.AdmitQueue = DefaultAdmitQueue
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SearchDefaults.TopK == 0 {
		opts.SearchDefaults = search.DefaultOptions()
	}
	// The bound store exists for the server's lifetime: provision it now
	// so stats and list answer before the first ingest.
	if _, err := opts.Stores.Ensure(opts.Store); err != nil {
		return nil, err
	}
	return &Server{opts: opts, logger: opts.Logger}, nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe accepts connections until ctx is cancelled, then waits
// for active sessions to wind down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.logger.Info("streaming server listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := newSession(conn, s)
			s.logger.Debug("session opened",
				"conn_id", sess.id, "remote", conn.RemoteAddr().String())
			sess.run(ctx)
			s.logger.Debug("session closed", "conn_id", sess.id)
		}()
	}

	s.wg.Wait()
	return ctx.Err()
}
