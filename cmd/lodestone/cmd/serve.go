package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/chunk"
	"github.com/lodestone-search/lodestone/internal/config"
	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/logging"
	"github.com/lodestone-search/lodestone/internal/pipeline"
	"github.com/lodestone-search/lodestone/internal/query"
	"github.com/lodestone-search/lodestone/internal/search"
	"github.com/lodestone-search/lodestone/internal/store"
	"github.com/lodestone-search/lodestone/internal/stream"
)

// lockFile guards the data root against concurrent server processes.
const lockFile = ".lodestone.lock"

// newServeCmd creates the serve command.
func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming search server",
		Long: `Serve loads the configuration, opens the data root, and listens for
streaming protocol connections until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Stream.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")

	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root %s: %w", cfg.DataRoot, err)
	}

	lock := flock.New(filepath.Join(cfg.DataRoot, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data root: %w", err)
	}
	if !locked {
		return fmt.Errorf("data root %s is in use by another lodestone process", cfg.DataRoot)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	reranker := buildReranker(cfg)

	stores, err := store.NewManager(store.Options{
		DataRoot:       cfg.DataRoot,
		SparseBackend:  cfg.Sparse.Backend,
		Dimensions:     embedder.Dimensions(),
		Embedder:       embedder,
		EmbedWorkers:   cfg.Embed.Workers,
		EmbedBatchSize: cfg.Embed.BatchSize,
		EmbedQueueMax:  cfg.Embed.QueueMax,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer stores.Close()

	chunker := chunk.New(chunk.Options{
		ChunkSize:            cfg.Chunking.ChunkSize,
		ChunkOverlap:         cfg.Chunking.ChunkOverlap,
		FallbackLines:        cfg.Chunking.FallbackLines,
		FallbackOverlapLines: cfg.Chunking.FallbackOverlapLines,
		MaxFileSize:          int64(cfg.MaxFileSizeMB) << 20,
	})

	pipe := pipeline.New(pipeline.Options{
		Stores:       stores,
		Chunker:      chunker,
		MaxFileCount: cfg.MaxFileCount,
		Logger:       logger,
	})

	engine := search.NewEngine(search.EngineOptions{
		Stores:     stores,
		Embedder:   embedder,
		Reranker:   reranker,
		Classifier: query.NewEmbeddingClassifier(embedder),
		Logger:     logger,
	})

	srv, err := stream.NewServer(stream.Options{
		Addr:           cfg.Stream.Addr,
		Pipeline:       pipe,
		Engine:         engine,
		Stores:         stores,
		SearchDefaults: searchDefaults(cfg),
		BatchSize:      cfg.Stream.BatchSize,
		BatchIdle:      cfg.Stream.BatchIdle,
		OutboundQueue:  cfg.Stream.OutboundQueue,
		AdmitQueue:     cfg.Stream.AdmitQueue,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("lodestone starting",
		"data_root", cfg.DataRoot,
		"addr", cfg.Stream.Addr,
		"sparse_backend", cfg.Sparse.Backend,
		"embed_model", embedder.ModelName(),
		"embed_dims", embedder.Dimensions())

	if err := srv.ListenAndServe(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("lodestone stopped")
	return nil
}

// buildEmbedder selects the model client or the deterministic static
// fallback, wraps it in the LRU cache, and probes it once so a
// dimensionality mismatch fails at startup instead of mid-ingest.
func buildEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (embed.Embedder, error) {
	dims := cfg.Embed.Dimensions
	if dims <= 0 {
		dims = 384
	}

	var inner embed.Embedder
	if cfg.Embed.Endpoint != "" {
		inner = embed.NewHTTPClient(embed.HTTPOptions{
			BaseURL:    cfg.Embed.Endpoint,
			APIKey:     cfg.VectorDB.APIKey,
			Dimensions: dims,
			Timeout:    cfg.Embed.Timeout,
		})
	} else {
		inner = embed.NewStaticEmbedder(dims)
	}

	embedder := embed.NewCachedEmbedder(inner, cfg.Embed.CacheSize)

	vecs, err := embedder.Embed(ctx, []string{"startup probe"})
	switch {
	case err == nil:
		if len(vecs[0]) != dims {
			return nil, fmt.Errorf("embedding model returned %d dimensions, config expects %d",
				len(vecs[0]), dims)
		}
	case errors.KindOf(err) == errors.KindModelUnavailable || errors.KindOf(err) == errors.KindTimeout:
		logger.Warn("embedding model unreachable at startup, dense retrieval will degrade",
			"endpoint", cfg.Embed.Endpoint, "error", err)
	default:
		return nil, err
	}
	return embedder, nil
}

func buildReranker(cfg *config.Config) embed.Reranker {
	if cfg.Rerank.Endpoint != "" {
		return embed.NewHTTPClient(embed.HTTPOptions{
			BaseURL: cfg.Rerank.Endpoint,
			APIKey:  cfg.VectorDB.APIKey,
			Timeout: cfg.Rerank.Timeout,
		})
	}
	return embed.NewStaticReranker()
}

func searchDefaults(cfg *config.Config) search.Options {
	opts := search.DefaultOptions()
	opts.TopK = cfg.Search.TopK
	opts.RerankCandidates = cfg.Search.RerankCandidates
	opts.SparseWeight = cfg.Search.SparseWeight
	opts.DenseWeight = cfg.Search.DenseWeight
	opts.DedupThreshold = cfg.Search.DedupThreshold
	opts.DiversityLambda = cfg.Search.DiversityLambda
	opts.PrefetchMultiplier = cfg.Search.PrefetchMultiplier
	opts.MaxChunksPerFile = cfg.Search.MaxChunksPerFile
	opts.Timeout = cfg.Search.Timeout
	return opts
}
