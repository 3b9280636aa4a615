// Package memory provides the append-only experience stores of the agent
// memory system. One Backend (a SQLite file or a PostgreSQL database) holds
// the stores of many agents; each Store belongs to exactly one agent.
package memory

import (
	"slices"
	"time"

	"github.com/enufacas/Chained-sub007/internal/record"
)

// Filter narrows a scan. Zero fields do not filter.
type Filter struct {
	// Tags lists tags a record must all carry.
	Tags []string
	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time
	// Outcomes lists accepted outcomes.
	Outcomes []record.Outcome
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec record.ExperienceRecord) bool {
	for _, tag := range record.NormalizeTags(f.Tags) {
		if !rec.HasTag(tag) {
			return false
		}
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	if len(f.Outcomes) > 0 && !slices.Contains(f.Outcomes, rec.Outcome) {
		return false
	}
	return true
}

// ArchivedStoreHandle describes a store after retirement. The records stay
// readable; only appends are refused.
type ArchivedStoreHandle struct {
	AgentID    string
	ArchivedAt time.Time
	Records    int
}

// Options tune a backend. Zero values fall back to defaults.
type Options struct {
	// DefaultConfidence is the weight reported for records the statistics
	// aggregator has not weighted yet.
	DefaultConfidence float64
	// PageSize bounds how many rows a scan reads per query.
	PageSize int
}

const (
	DefaultConfidence = 0.5
	defaultPageSize   = 256
)

func (o Options) withDefaults() Options {
	if o.DefaultConfidence <= 0 || o.DefaultConfidence > 1 {
		o.DefaultConfidence = DefaultConfidence
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	return o
}
