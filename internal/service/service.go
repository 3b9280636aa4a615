// Package service is the entry point agents and operators use: it ties the
// stores, retrieval, statistics and coordinator together and adds the
// caller-side policies (retry with backoff, graceful degradation, cold
// storage on retirement).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"

	"github.com/enufacas/Chained-sub007/internal/coordinator"
	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
	"github.com/enufacas/Chained-sub007/internal/retrieval"
	"github.com/enufacas/Chained-sub007/internal/stats"
)

// Options configure a Service. Zero values fall back to defaults.
type Options struct {
	Similarity     retrieval.Similarity
	CandidateLimit int

	HalfLife  time.Duration
	Floor     float64
	BatchSize int

	// MinConfidence is the cut-off Recall callers get when they have no
	// opinion of their own.
	MinConfidence float64

	RetryMaxAttempts int
	RetryInitial     time.Duration
	RetryMax         time.Duration

	// ColdStorageDir receives a bundle of every retired agent's records.
	// Empty disables cold storage.
	ColdStorageDir string

	Logger *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	backend   memory.Backend
	retriever *retrieval.Retriever
	// text ranks free-text queries, which share no keys with recorded
	// contexts.
	text    *retrieval.Retriever
	agg     *stats.Aggregator
	batcher *stats.Batcher
	coord   *coordinator.Coordinator

	minConfidence float64
	maxAttempts   int
	backoff       gax.Backoff
	coldDir       string
	logger        *slog.Logger
}

// New creates a Service over backend.
func New(backend memory.Backend, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryMaxAttempts < 1 {
		opts.RetryMaxAttempts = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2 * time.Second
	}

	var textSim retrieval.Similarity = retrieval.TokenOverlap{}
	if emb, ok := opts.Similarity.(*retrieval.EmbeddingSimilarity); ok {
		textSim = emb
	}

	agg := stats.New(stats.Options{HalfLife: opts.HalfLife, Floor: opts.Floor, Logger: opts.Logger})
	return &Service{
		backend: backend,
		retriever: retrieval.New(backend, retrieval.Options{
			Similarity:     opts.Similarity,
			CandidateLimit: opts.CandidateLimit,
			Logger:         opts.Logger,
		}),
		text: retrieval.New(backend, retrieval.Options{
			Similarity:       textSim,
			ExcludeUnrelated: true,
			Logger:           opts.Logger,
		}),
		agg:           agg,
		batcher:       stats.NewBatcher(agg, opts.BatchSize),
		coord:         coordinator.New(opts.Logger),
		minConfidence: opts.MinConfidence,
		maxAttempts:   opts.RetryMaxAttempts,
		backoff: gax.Backoff{
			Initial:    opts.RetryInitial,
			Max:        opts.RetryMax,
			Multiplier: 2,
		},
		coldDir: opts.ColdStorageDir,
		logger:  opts.Logger.With("component", "service"),
	}
}

// MinConfidence returns the default Recall cut-off.
func (s *Service) MinConfidence() float64 { return s.minConfidence }

// Register creates the store of agentID. Registering twice is a no-op.
func (s *Service) Register(ctx context.Context, agentID string) error {
	return s.retry(ctx, "register", func() error {
		_, err := s.backend.Register(ctx, agentID)
		return err
	})
}

// Agents lists registered agents.
func (s *Service) Agents(ctx context.Context) ([]string, error) {
	return s.backend.Agents(ctx)
}

// Record appends rec to the store of rec.AgentID, registering the agent on
// first use. Transient storage failures are retried with exponential
// backoff. Every completed batch of appends refreshes the agent's
// statistics; a failed refresh is logged and does not fail the append.
func (s *Service) Record(ctx context.Context, rec record.ExperienceRecord) (record.ID, error) {
	if rec.ID == "" {
		// Retries reuse the ID, so an append that committed before failing
		// is recognised.
		rec.ID = record.ID(uuid.NewString())
	}

	var st memory.Store
	attempt := 0
	err := s.retry(ctx, "record", func() error {
		attempt++
		var err error
		if st == nil {
			if st, err = s.backend.Register(ctx, rec.AgentID); err != nil {
				return err
			}
		}
		_, err = st.Append(ctx, rec)
		if err != nil && attempt > 1 && errors.Is(err, memory.ErrInvalidRecord) {
			if _, getErr := st.Get(ctx, rec.ID); getErr == nil {
				return nil
			}
		}
		return err
	})
	if err != nil {
		return "", err
	}

	if ran, sum, err := s.batcher.Appended(ctx, st, 1); err != nil {
		s.logger.Warn("statistics refresh failed", "agent", rec.AgentID, "error", err)
	} else if ran {
		s.logger.Debug("statistics refreshed", "agent", rec.AgentID, "total", sum.Total)
	}
	return rec.ID, nil
}

// Recall returns up to k records of agentID relevant to query. Memory is
// advisory: when the agent is unknown or storage is unavailable, Recall logs
// the problem and returns no records instead of an error.
func (s *Service) Recall(ctx context.Context, agentID string, query record.Context, k int, minConfidence float64) ([]retrieval.Result, error) {
	results, err := s.retriever.Retrieve(ctx, agentID, query, k, minConfidence)
	return s.degrade(agentID, results, err)
}

// RecallText is Recall for a free-text query. It matches the words of text
// against every value of the recorded contexts, or uses embeddings when the
// service is configured with them.
func (s *Service) RecallText(ctx context.Context, agentID, text string, k int, minConfidence float64) ([]retrieval.Result, error) {
	query := record.Context{"query": record.String(text)}
	results, err := s.text.Retrieve(ctx, agentID, query, k, minConfidence)
	return s.degrade(agentID, results, err)
}

func (s *Service) degrade(agentID string, results []retrieval.Result, err error) ([]retrieval.Result, error) {
	switch {
	case err == nil:
		return results, nil
	case errors.Is(err, memory.ErrNotFound):
		return nil, nil
	case memory.IsRetryable(err):
		s.logger.Warn("recall degraded to no memories", "agent", agentID, "error", err)
		return nil, nil
	}
	return nil, err
}

// Stats recomputes and returns the statistics of agentID.
func (s *Service) Stats(ctx context.Context, agentID string) (stats.Summary, error) {
	st, err := s.backend.Open(ctx, agentID)
	if err != nil {
		return stats.Summary{}, err
	}
	var sum stats.Summary
	err = s.retry(ctx, "stats", func() error {
		var err error
		sum, err = s.batcher.Flush(ctx, st)
		return err
	})
	return sum, err
}

// Export serializes the records of agentID matching f.
func (s *Service) Export(ctx context.Context, agentID string, f memory.Filter) ([]byte, error) {
	st, err := s.backend.Open(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.coord.Export(ctx, st, f)
}

// Import adds a bundle to the store of agentID. Imports are deduplicated,
// so a retry after a transient failure cannot import a record twice.
func (s *Service) Import(ctx context.Context, agentID string, bundle []byte) (coordinator.ImportResult, error) {
	var (
		res coordinator.ImportResult
		st  memory.Store
	)
	err := s.retry(ctx, "import", func() error {
		var err error
		if st, err = s.backend.Register(ctx, agentID); err != nil {
			return err
		}
		res, err = s.coord.Import(ctx, bundle, st)
		return err
	})
	if err != nil {
		return res, err
	}

	if ran, sum, err := s.batcher.Appended(ctx, st, res.Imported); err != nil {
		s.logger.Warn("statistics refresh failed", "agent", agentID, "error", err)
	} else if ran {
		s.logger.Debug("statistics refreshed", "agent", agentID, "total", sum.Total)
	}
	return res, nil
}

// Merge builds a shared view over the stores of agentIDs.
func (s *Service) Merge(ctx context.Context, agentIDs ...string) (*coordinator.SharedKnowledgeSet, error) {
	stores := make([]memory.Store, 0, len(agentIDs))
	for _, id := range agentIDs {
		st, err := s.backend.Open(ctx, id)
		if err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	return s.coord.Merge(ctx, stores...)
}

// RebuildIndex regenerates the derived index of agentID.
func (s *Service) RebuildIndex(ctx context.Context, agentID string) error {
	return s.backend.RebuildIndex(ctx, agentID)
}

// Retirement describes a retired agent.
type Retirement struct {
	Handle memory.ArchivedStoreHandle
	// BundlePath is the cold-storage copy, empty when cold storage is off.
	BundlePath string
}

// Retire archives the store of agentID and, when cold storage is
// configured, writes a bundle of all its records there. The bundle is
// written to a temporary file and renamed into place.
func (s *Service) Retire(ctx context.Context, agentID string) (Retirement, error) {
	st, err := s.backend.Open(ctx, agentID)
	if err != nil {
		return Retirement{}, err
	}
	var handle memory.ArchivedStoreHandle
	err = s.retry(ctx, "archive", func() error {
		var err error
		handle, err = st.Archive(ctx)
		return err
	})
	if err != nil {
		return Retirement{}, err
	}
	ret := Retirement{Handle: handle}
	if s.coldDir == "" {
		return ret, nil
	}

	bundle, err := s.coord.Export(ctx, st, memory.Filter{})
	if err != nil {
		return ret, fmt.Errorf("failed to export retired store: %w", err)
	}
	path, err := writeAtomic(s.coldDir, fmt.Sprintf("%s-%s.json", agentID, handle.ArchivedAt.Format("20060102T150405Z")), bundle)
	if err != nil {
		return ret, err
	}
	ret.BundlePath = path
	s.logger.Info("retired agent", "agent", agentID, "records", handle.Records, "bundle", path)
	return ret, nil
}

func writeAtomic(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cold storage directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create cold storage file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write cold storage file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync cold storage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close cold storage file: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move cold storage file into place: %w", err)
	}
	return path, nil
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	bo := s.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !memory.IsRetryable(err) || attempt >= s.maxAttempts {
			return err
		}
		pause := bo.Pause()
		s.logger.Warn("storage unavailable, retrying",
			"op", op, "attempt", attempt, "backoff", pause, "error", err)
		if err := gax.Sleep(ctx, pause); err != nil {
			return err
		}
	}
}
