// Package stats derives outcome statistics and confidence weights for an
// agent's store.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
)

const (
	DefaultHalfLife  = 90 * 24 * time.Hour
	DefaultFloor     = 0.1
	DefaultBatchSize = 10
)

// Summary is the structured statistics of one store. Superseded records are
// not counted.
type Summary struct {
	AgentID     string             `json:"agent_id"`
	Total       int                `json:"total"`
	Successes   int                `json:"successes"`
	Failures    int                `json:"failures"`
	Partials    int                `json:"partials"`
	SuccessRate float64            `json:"success_rate"`
	FailureRate float64            `json:"failure_rate"`
	PartialRate float64            `json:"partial_rate"`
	PerTag      map[string]float64 `json:"per_tag"`
	TagCounts   map[string]int     `json:"tag_counts"`
	// Superseded counts records replaced by a later correction.
	Superseded int `json:"superseded"`
	// Weights holds the confidence weight written for every record.
	Weights map[record.ID]float64 `json:"-"`
}

// Options configure an Aggregator. Zero values fall back to the defaults.
type Options struct {
	HalfLife time.Duration
	Floor    float64
	Logger   *slog.Logger
}

// Aggregator recomputes statistics and confidence weights.
//
// The weight of a record is
//
//	floor + (1-floor) * tagRate * 0.5^(age/halfLife)
//
// where tagRate is the mean success rate of the record's tags (the overall
// success rate for untagged records) and age is measured against the newest
// record in the store. Measuring age against the store instead of the wall
// clock makes recomputation on an unchanged store produce identical weights.
type Aggregator struct {
	halfLife time.Duration
	floor    float64
	logger   *slog.Logger
}

// New creates an Aggregator.
func New(opts Options) *Aggregator {
	if opts.HalfLife <= 0 {
		opts.HalfLife = DefaultHalfLife
	}
	if opts.Floor <= 0 || opts.Floor >= 1 {
		opts.Floor = DefaultFloor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		halfLife: opts.HalfLife,
		floor:    opts.Floor,
		logger:   opts.Logger.With("component", "stats"),
	}
}

// Recompute reads a snapshot of st, writes fresh confidence weights and
// returns the summary. Writers are never blocked; records appended while the
// recomputation runs are picked up by the next one.
func (a *Aggregator) Recompute(ctx context.Context, st memory.Store) (Summary, error) {
	snap, err := st.Snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	recs, err := memory.Collect(snap.Scan(ctx, memory.Filter{}))
	if err != nil {
		return Summary{}, err
	}

	sum, live := summarize(st.Owner(), recs)
	sum.Weights = a.weights(recs, live, sum)

	if err := st.SetWeights(ctx, sum.Weights); err != nil {
		return Summary{}, fmt.Errorf("failed to store weights: %w", err)
	}
	a.logger.Info("recomputed statistics",
		"agent", sum.AgentID, "total", sum.Total, "success_rate", sum.SuccessRate)
	return sum, nil
}

// Summarize computes the statistics of st without touching any weights.
func (a *Aggregator) Summarize(ctx context.Context, st memory.Store) (Summary, error) {
	recs, err := memory.Collect(st.Scan(ctx, memory.Filter{}))
	if err != nil {
		return Summary{}, err
	}
	sum, _ := summarize(st.Owner(), recs)
	return sum, nil
}

// summarize counts outcomes and reports which records are live, that is not
// superseded by a correction in the same store.
func summarize(agentID string, recs []record.ExperienceRecord) (Summary, map[record.ID]bool) {
	superseded := make(map[record.ID]bool)
	for _, rec := range recs {
		if rec.Supersedes != "" {
			superseded[rec.Supersedes] = true
		}
	}

	sum := Summary{
		AgentID:   agentID,
		PerTag:    make(map[string]float64),
		TagCounts: make(map[string]int),
	}
	live := make(map[record.ID]bool, len(recs))
	tagSuccesses := make(map[string]int)
	for _, rec := range recs {
		if superseded[rec.ID] {
			sum.Superseded++
			continue
		}
		live[rec.ID] = true
		sum.Total++
		switch rec.Outcome {
		case record.OutcomeSuccess:
			sum.Successes++
		case record.OutcomeFailure:
			sum.Failures++
		case record.OutcomePartial:
			sum.Partials++
		}
		for _, tag := range rec.Tags {
			sum.TagCounts[tag]++
			if rec.Outcome == record.OutcomeSuccess {
				tagSuccesses[tag]++
			}
		}
	}

	if sum.Total > 0 {
		n := float64(sum.Total)
		sum.SuccessRate = float64(sum.Successes) / n
		sum.FailureRate = float64(sum.Failures) / n
		sum.PartialRate = float64(sum.Partials) / n
	}
	for tag, n := range sum.TagCounts {
		sum.PerTag[tag] = float64(tagSuccesses[tag]) / float64(n)
	}
	return sum, live
}

func (a *Aggregator) weights(recs []record.ExperienceRecord, live map[record.ID]bool, sum Summary) map[record.ID]float64 {
	var newest time.Time
	for _, rec := range recs {
		if live[rec.ID] && rec.OccurredAt().After(newest) {
			newest = rec.OccurredAt()
		}
	}

	out := make(map[record.ID]float64, len(recs))
	for _, rec := range recs {
		if !live[rec.ID] {
			out[rec.ID] = a.floor
			continue
		}
		rate := sum.SuccessRate
		if len(rec.Tags) > 0 {
			var total float64
			for _, tag := range rec.Tags {
				total += sum.PerTag[tag]
			}
			rate = total / float64(len(rec.Tags))
		}
		age := newest.Sub(rec.OccurredAt())
		decay := math.Pow(0.5, float64(age)/float64(a.halfLife))
		out[rec.ID] = a.weight(rate, decay)
	}
	return out
}

func (a *Aggregator) weight(rate, decay float64) float64 {
	w := a.floor + (1-a.floor)*rate*decay
	return math.Min(1, math.Max(a.floor, w))
}
