// Package config loads lodestone configuration from an optional YAML file
// with environment variable overrides. Env vars always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values, overridable via lodestone.yaml or environment.
const (
	DefaultDataRoot      = "./data"
	DefaultMaxFileSizeMB = 5
	DefaultMaxFileCount  = 5000

	DefaultChunkSize            = 2048 // bytes per AST chunk
	DefaultChunkOverlap         = 256  // bytes shared between chunks
	DefaultFallbackLines        = 128  // line-window fallback chunk height
	DefaultFallbackOverlapLines = 16

	DefaultEmbedBatchSize  = 32
	DefaultRerankBatchSize = 32
	DefaultEmbedQueueMax   = 10000
	DefaultEmbedWorkers    = 1

	DefaultStreamBatchSize = 50
	DefaultOutboundQueue   = 256
	DefaultAdmitQueue      = 64
)

// Default operation timeouts.
const (
	DefaultSearchTimeout = 30 * time.Second
	DefaultAdmitTimeout  = 60 * time.Second
	DefaultEmbedTimeout  = 30 * time.Second
	DefaultRerankTimeout = 20 * time.Second
	DefaultBatchIdle     = 300 * time.Millisecond
)

// Config is the complete lodestone configuration.
type Config struct {
	DataRoot      string `yaml:"data_root"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb"`
	MaxFileCount  int    `yaml:"max_file_count"`

	Chunking ChunkingConfig `yaml:"chunking"`
	Embed    EmbedConfig    `yaml:"embed"`
	Rerank   RerankConfig   `yaml:"rerank"`
	Search   SearchConfig   `yaml:"search"`
	Sparse   SparseConfig   `yaml:"sparse"`
	VectorDB VectorDBConfig `yaml:"vector_db"`
	Stream   StreamConfig   `yaml:"stream"`
	Log      LogConfig      `yaml:"log"`
}

// ChunkingConfig configures the AST chunker and its line-window fallback.
type ChunkingConfig struct {
	ChunkSize            int `yaml:"chunk_size"`
	ChunkOverlap         int `yaml:"chunk_overlap"`
	FallbackLines        int `yaml:"fallback_lines"`
	FallbackOverlapLines int `yaml:"fallback_overlap_lines"`
}

// EmbedConfig configures the embedding model client and queue.
type EmbedConfig struct {
	// Endpoint is the embedding service base URL. Empty selects the
	// deterministic static embedder.
	Endpoint string `yaml:"endpoint"`
	// Dimensions is the expected embedding dimensionality, asserted
	// against the embedder at startup.
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	QueueMax   int           `yaml:"queue_max"`
	Workers    int           `yaml:"workers"`
	CacheSize  int           `yaml:"cache_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RerankConfig configures the cross-encoder reranker client.
type RerankConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SearchConfig configures hybrid retrieval defaults.
type SearchConfig struct {
	TopK               int           `yaml:"top_k"`
	RerankCandidates   int           `yaml:"rerank_candidates"`
	SparseWeight       float64       `yaml:"sparse_weight"`
	DenseWeight        float64       `yaml:"dense_weight"`
	DedupThreshold     float64       `yaml:"dedup_threshold"`
	DiversityLambda    float64       `yaml:"diversity_lambda"`
	PrefetchMultiplier int           `yaml:"prefetch_multiplier"`
	MaxChunksPerFile   int           `yaml:"max_chunks_per_file"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SparseConfig selects the sparse index backend.
type SparseConfig struct {
	// Backend is "bleve" (default) or "sqlite".
	Backend string `yaml:"backend"`
}

// VectorDBConfig configures an external vector store, when one is used.
type VectorDBConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// StreamConfig configures the streaming ingest server.
type StreamConfig struct {
	// Addr is the TCP listen address for the streaming protocol.
	Addr          string        `yaml:"addr"`
	BatchSize     int           `yaml:"batch_size"`
	BatchIdle     time.Duration `yaml:"batch_idle"`
	OutboundQueue int           `yaml:"outbound_queue"`
	AdmitQueue    int           `yaml:"admit_queue"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataRoot:      DefaultDataRoot,
		MaxFileSizeMB: DefaultMaxFileSizeMB,
		MaxFileCount:  DefaultMaxFileCount,
		Chunking: ChunkingConfig{
			ChunkSize:            DefaultChunkSize,
			ChunkOverlap:         DefaultChunkOverlap,
			FallbackLines:        DefaultFallbackLines,
			FallbackOverlapLines: DefaultFallbackOverlapLines,
		},
		Embed: EmbedConfig{
			BatchSize: DefaultEmbedBatchSize,
			QueueMax:  DefaultEmbedQueueMax,
			Workers:   DefaultEmbedWorkers,
			CacheSize: 4096,
			Timeout:   DefaultEmbedTimeout,
		},
		Rerank: RerankConfig{
			BatchSize: DefaultRerankBatchSize,
			Timeout:   DefaultRerankTimeout,
		},
		Search: SearchConfig{
			TopK:               20,
			RerankCandidates:   50,
			SparseWeight:       0.5,
			DenseWeight:        0.5,
			DedupThreshold:     0.85,
			DiversityLambda:    0.7,
			PrefetchMultiplier: 3,
			MaxChunksPerFile:   3,
			Timeout:            DefaultSearchTimeout,
		},
		Sparse: SparseConfig{Backend: "bleve"},
		Stream: StreamConfig{
			Addr:          "127.0.0.1:7700",
			BatchSize:     DefaultStreamBatchSize,
			BatchIdle:     DefaultBatchIdle,
			OutboundQueue: DefaultOutboundQueue,
			AdmitQueue:    DefaultAdmitQueue,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// it exists), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the documented environment variables.
func (c *Config) applyEnv() {
	setString(&c.DataRoot, "DATA_ROOT")
	setInt(&c.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
	setInt(&c.MaxFileCount, "MAX_FILE_COUNT")
	setInt(&c.Embed.BatchSize, "EMBED_BATCH_SIZE")
	setInt(&c.Rerank.BatchSize, "RERANK_BATCH_SIZE")
	setInt(&c.Embed.QueueMax, "EMBED_QUEUE_MAX")
	setInt(&c.Embed.Workers, "EMBED_WORKERS")
	setInt(&c.Embed.Dimensions, "MODEL_EMBED_DIM")
	setString(&c.VectorDB.URL, "VECTOR_DB_URL")
	setString(&c.VectorDB.APIKey, "VECTOR_DB_API_KEY")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
}

// Validate checks invariants that would otherwise surface as runtime bugs.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must not be empty")
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max_file_size_mb must be positive, got %d", c.MaxFileSizeMB)
	}
	if c.MaxFileCount <= 0 {
		return fmt.Errorf("max_file_count must be positive, got %d", c.MaxFileCount)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.Chunking.ChunkOverlap)
	}
	if c.Embed.BatchSize <= 0 {
		return fmt.Errorf("embed batch_size must be positive, got %d", c.Embed.BatchSize)
	}
	if c.Embed.Workers <= 0 {
		return fmt.Errorf("embed workers must be positive, got %d", c.Embed.Workers)
	}
	if c.Embed.QueueMax <= 0 {
		return fmt.Errorf("embed queue_max must be positive, got %d", c.Embed.QueueMax)
	}
	if sum := c.Search.SparseWeight + c.Search.DenseWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("sparse_weight + dense_weight must sum to 1.0, got %.3f", sum)
	}
	if c.Search.DedupThreshold < 0 || c.Search.DedupThreshold > 1 {
		return fmt.Errorf("dedup_threshold must be in [0,1], got %.3f", c.Search.DedupThreshold)
	}
	if c.Search.DiversityLambda < 0 || c.Search.DiversityLambda > 1 {
		return fmt.Errorf("diversity_lambda must be in [0,1], got %.3f", c.Search.DiversityLambda)
	}
	switch c.Sparse.Backend {
	case "bleve", "sqlite":
	default:
		return fmt.Errorf("sparse backend must be bleve or sqlite, got %q", c.Sparse.Backend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
