// Package retrieval ranks an agent's past experience against the situation
// it is currently in.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
)

// Opener resolves an agent to its store. memory.Backend implements it.
type Opener interface {
	Open(ctx context.Context, agentID string) (memory.Store, error)
}

// Result is one ranked record.
type Result struct {
	Record     record.ExperienceRecord
	Similarity float64
	// Score is Similarity multiplied by the record's confidence weight.
	Score float64
}

// Options configure a Retriever.
type Options struct {
	// Similarity defaults to WeightedMatch{}.
	Similarity Similarity
	// CandidateLimit, when positive, ranks only that many records picked by
	// context fingerprint instead of scanning the whole store.
	CandidateLimit int
	// ExcludeUnrelated leaves out records with zero similarity instead of
	// ranking them last.
	ExcludeUnrelated bool
	Logger           *slog.Logger
}

// Retriever is read-only: it never writes to the stores it ranks.
type Retriever struct {
	stores           Opener
	similarity       Similarity
	candidateLimit   int
	excludeUnrelated bool
	logger           *slog.Logger
}

// New creates a Retriever over the stores of opener.
func New(opener Opener, opts Options) *Retriever {
	if opts.Similarity == nil {
		opts.Similarity = WeightedMatch{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retriever{
		stores:           opener,
		similarity:       opts.Similarity,
		candidateLimit:   opts.CandidateLimit,
		excludeUnrelated: opts.ExcludeUnrelated,
		logger:           opts.Logger.With("component", "retrieval"),
	}
}

// Retrieve returns up to k records of agentID ordered by descending score,
// newer records first on ties. Records weighted below minConfidence and
// records superseded by a later correction are left out. An empty store
// yields no results.
func (r *Retriever) Retrieve(ctx context.Context, agentID string, query record.Context, k int, minConfidence float64) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	st, err := r.stores.Open(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var candidates []record.ExperienceRecord
	if r.candidateLimit > 0 && len(query) > 0 {
		candidates, err = st.Nearest(ctx, record.Fingerprint(query, record.FingerprintDims), r.candidateLimit)
		if err != nil {
			return nil, err
		}
	} else {
		candidates, err = memory.Collect(st.Scan(ctx, memory.Filter{}))
		if err != nil {
			return nil, err
		}
	}

	superseded := make(map[record.ID]struct{})
	for _, rec := range candidates {
		if rec.Supersedes != "" {
			superseded[rec.Supersedes] = struct{}{}
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.ConfidenceWeight < minConfidence {
			continue
		}
		if _, ok := superseded[rec.ID]; ok {
			continue
		}
		sim, err := r.similarity.Score(ctx, query, rec.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to score record %s: %w", rec.ID, err)
		}
		if sim <= 0 && r.excludeUnrelated {
			continue
		}
		results = append(results, Result{Record: rec, Similarity: sim, Score: sim * rec.ConfidenceWeight})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return b.Record.Timestamp.Compare(a.Record.Timestamp)
	})
	if len(results) > k {
		results = results[:k]
	}

	r.logger.Debug("retrieved experience", "agent", agentID, "candidates", len(candidates), "returned", len(results))
	return results, nil
}

// Records strips the scores off results.
func Records(results []Result) []record.ExperienceRecord {
	out := make([]record.ExperienceRecord, len(results))
	for i, res := range results {
		out[i] = res.Record
	}
	return out
}
