package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/enufacas/Chained-sub007/internal/config"
	"github.com/enufacas/Chained-sub007/internal/llm"
	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/retrieval"
)

// OpenBackend connects to the configured database and creates its schema.
func OpenBackend(ctx context.Context, cfg config.Config) (memory.Backend, error) {
	opts := memory.Options{DefaultConfidence: cfg.DefaultConfidence}

	var (
		backend memory.Backend
		err     error
	)
	switch cfg.DBType {
	case config.DBSQLite:
		backend, err = memory.NewSQLiteBackend(ctx, cfg.DatabaseURL, opts)
	case config.DBPostgres:
		backend, err = memory.NewPostgresBackend(ctx, cfg.DatabaseURL, opts)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := backend.InitSchema(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

// Open builds a Service from cfg. The returned cleanup releases the database
// and the embedding cache.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, func(), error) {
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := Options{
		CandidateLimit:   cfg.CandidateLimit,
		HalfLife:         cfg.DecayHalfLife,
		Floor:            cfg.ConfidenceFloor,
		BatchSize:        cfg.StatsBatchSize,
		MinConfidence:    cfg.MinConfidence,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		ColdStorageDir:   cfg.ColdStorageDir,
		Logger:           logger,
	}
	cleanup := func() { backend.Close() }

	if cfg.Similarity == config.SimilarityEmbedding {
		client, err := llm.NewClient(ctx, cfg.APIKey, cfg.EmbeddingModel)
		if err != nil {
			backend.Close()
			return nil, nil, err
		}
		sim, err := retrieval.NewEmbeddingSimilarity(client, 0)
		if err != nil {
			backend.Close()
			return nil, nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		opts.Similarity = sim
		cleanup = func() {
			sim.Close()
			backend.Close()
		}
	}

	return New(backend, opts), cleanup, nil
}
