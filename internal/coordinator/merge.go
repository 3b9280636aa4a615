package coordinator

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
)

// Entry is one record of a SharedKnowledgeSet.
type Entry struct {
	// Provenance is the agent that produced the experience.
	Provenance string
	// StoreOwner is the agent whose store the record was read from. It
	// differs from Provenance for imported records.
	StoreOwner string
	Record     record.ExperienceRecord
}

// SharedKnowledgeSet is a read-only, deduplicated view over several stores.
// Ownership stays with the stores; every accessor hands out copies.
type SharedKnowledgeSet struct {
	entries  []Entry
	sources  []string
	mergedAt time.Time
}

// Len returns the number of entries.
func (s *SharedKnowledgeSet) Len() int { return len(s.entries) }

// Sources returns the owners of the merged stores in merge order.
func (s *SharedKnowledgeSet) Sources() []string { return slices.Clone(s.sources) }

// MergedAt returns when the stores were snapshotted.
func (s *SharedKnowledgeSet) MergedAt() time.Time { return s.mergedAt }

// All yields copies of the entries in timestamp order.
func (s *SharedKnowledgeSet) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range s.entries {
			e.Record = e.Record.Clone()
			if !yield(e) {
				return
			}
		}
	}
}

// Entries returns copies of all entries in timestamp order.
func (s *SharedKnowledgeSet) Entries() []Entry {
	return slices.Collect(s.All())
}

// ByProvenance returns the entries produced by agentID.
func (s *SharedKnowledgeSet) ByProvenance(agentID string) []Entry {
	var out []Entry
	for e := range s.All() {
		if e.Provenance == agentID {
			out = append(out, e)
		}
	}
	return out
}

// Merge snapshots every store before reading any of them, so appends that
// land during the merge are not part of the result. Records describing the
// same experience (same producing agent, timestamp and content) appear once,
// the first store listed winning. Entries are sorted by timestamp, stable
// across stores.
func (c *Coordinator) Merge(ctx context.Context, stores ...memory.Store) (*SharedKnowledgeSet, error) {
	snaps := make([]*memory.Snapshot, len(stores))
	for i, st := range stores {
		snap, err := st.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		snaps[i] = snap
	}

	set := &SharedKnowledgeSet{mergedAt: time.Now().UTC()}
	seen := make(map[record.Key]struct{})
	var dups int
	for _, snap := range snaps {
		set.sources = append(set.sources, snap.Owner())
		for rec, err := range snap.Scan(ctx, memory.Filter{}) {
			if err != nil {
				return nil, err
			}
			key := rec.ProvenanceKey()
			if _, ok := seen[key]; ok {
				dups++
				continue
			}
			seen[key] = struct{}{}
			set.entries = append(set.entries, Entry{
				Provenance: rec.Provenance(),
				StoreOwner: snap.Owner(),
				Record:     rec,
			})
		}
	}

	slices.SortStableFunc(set.entries, func(a, b Entry) int {
		return a.Record.OccurredAt().Compare(b.Record.OccurredAt())
	})

	c.logger.Info("merged stores", "stores", len(stores), "entries", len(set.entries), "duplicates", dups)
	return set, nil
}
