package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/enufacas/Chained-sub007/internal/record"
)

var baseTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// newAgentID returns an agent name unique across test runs, so the suite can
// run against a shared database.
func newAgentID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func at(agentID string, minutes int, outcome record.Outcome, ctx record.Context, tags ...string) record.ExperienceRecord {
	rec := record.New(agentID, ctx, record.Action{Summary: fmt.Sprintf("step %d", minutes)}, outcome, tags...)
	rec.Timestamp = baseTime.Add(time.Duration(minutes) * time.Minute)
	return rec
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("append and get", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, err := b.Register(ctx, agent)
		if err != nil {
			t.Fatalf("failed to register: %v", err)
		}

		rec := at(agent, 0, record.OutcomeSuccess, record.Context{"task": record.String("deploy")}, "ops")
		rec.ConfidenceWeight = 0.9
		id, err := st.Append(ctx, rec)
		if err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		if id == "" {
			t.Fatal("expected an assigned id")
		}

		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if got.ConfidenceWeight != DefaultConfidence {
			t.Errorf("writer weight must be ignored, got %v", got.ConfidenceWeight)
		}
		rec.ID = id
		rec.ConfidenceWeight = DefaultConfidence
		if !record.Equal(got, rec) {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, rec)
		}

		if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects foreign and malformed records", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		foreign := at("someone-else", 0, record.OutcomeSuccess, nil)
		if _, err := st.Append(ctx, foreign); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord for foreign owner, got %v", err)
		}

		bad := at(agent, 0, "maybe", nil)
		if _, err := st.Append(ctx, bad); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord for bad outcome, got %v", err)
		}

		if n, _ := st.Count(ctx); n != 0 {
			t.Errorf("expected empty store, got %d records", n)
		}
	})

	t.Run("timestamps never go backwards", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		if _, err := st.Append(ctx, at(agent, 10, record.OutcomeSuccess, nil)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if _, err := st.Append(ctx, at(agent, 10, record.OutcomeFailure, nil)); err != nil {
			t.Errorf("equal timestamp should be accepted: %v", err)
		}
		if _, err := st.Append(ctx, at(agent, 5, record.OutcomeSuccess, nil)); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord for older timestamp, got %v", err)
		}

		unstamped := record.New(agent, nil, record.Action{}, record.OutcomePartial)
		unstamped.Timestamp = time.Time{}
		id, err := st.Append(ctx, unstamped)
		if err != nil {
			t.Fatalf("append without timestamp failed: %v", err)
		}
		got, _ := st.Get(ctx, id)
		if got.Timestamp.Before(baseTime.Add(10 * time.Minute)) {
			t.Errorf("auto-stamped time %v precedes newest record", got.Timestamp)
		}
	})

	t.Run("batch is all or nothing", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		batch := []record.ExperienceRecord{
			at(agent, 1, record.OutcomeSuccess, nil),
			at(agent, 3, record.OutcomeSuccess, nil),
			at(agent, 2, record.OutcomeSuccess, nil),
		}
		if _, err := st.AppendBatch(ctx, batch); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected ErrInvalidRecord, got %v", err)
		}
		if n, _ := st.Count(ctx); n != 0 {
			t.Errorf("failed batch left %d records behind", n)
		}

		ids, err := st.AppendBatch(ctx, batch[:2])
		if err != nil {
			t.Fatalf("append batch failed: %v", err)
		}
		if len(ids) != 2 || ids[0] == ids[1] {
			t.Errorf("expected two distinct ids, got %v", ids)
		}
	})

	t.Run("scan filters in append order", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		recs := []record.ExperienceRecord{
			at(agent, 0, record.OutcomeSuccess, nil, "deploy", "prod"),
			at(agent, 1, record.OutcomeFailure, nil, "deploy"),
			at(agent, 2, record.OutcomeSuccess, nil, "prod"),
			at(agent, 3, record.OutcomePartial, nil, "deploy", "prod"),
			at(agent, 4, record.OutcomeSuccess, nil),
		}
		if _, err := st.AppendBatch(ctx, recs); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		tests := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{name: "no filter", filter: Filter{}, want: []string{"step 0", "step 1", "step 2", "step 3", "step 4"}},
			{name: "single tag", filter: Filter{Tags: []string{"deploy"}}, want: []string{"step 0", "step 1", "step 3"}},
			{name: "all tags", filter: Filter{Tags: []string{"prod", "deploy"}}, want: []string{"step 0", "step 3"}},
			{name: "outcome", filter: Filter{Outcomes: []record.Outcome{record.OutcomeSuccess}}, want: []string{"step 0", "step 2", "step 4"}},
			{
				name:   "time window",
				filter: Filter{Since: baseTime.Add(time.Minute), Until: baseTime.Add(3 * time.Minute)},
				want:   []string{"step 1", "step 2"},
			},
			{name: "padded tags", filter: Filter{Tags: []string{" deploy ", "prod", "prod"}}, want: []string{"step 0", "step 3"}},
			{name: "unknown tag", filter: Filter{Tags: []string{"staging"}}, want: nil},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := Collect(st.Scan(ctx, tt.filter))
				if err != nil {
					t.Fatalf("scan failed: %v", err)
				}
				var summaries []string
				for _, rec := range got {
					summaries = append(summaries, rec.Action.Summary)
					if !tt.filter.Match(rec) {
						t.Errorf("record %s does not match its own filter", rec.Action.Summary)
					}
				}
				if !slices.Equal(summaries, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, summaries)
				}
			})
		}
	})

	t.Run("snapshot ignores later appends", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		for i := range 3 {
			if _, err := st.Append(ctx, at(agent, i, record.OutcomeSuccess, nil)); err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}
		snap, err := st.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot failed: %v", err)
		}

		var seen int
		for _, err := range snap.Scan(ctx, Filter{}) {
			if err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			// Appending mid-scan must neither block nor leak into the snapshot.
			if _, err := st.Append(ctx, at(agent, 10+seen, record.OutcomeFailure, nil)); err != nil {
				t.Fatalf("append during scan failed: %v", err)
			}
			seen++
		}
		if seen != 3 {
			t.Errorf("expected 3 records in snapshot, got %d", seen)
		}
		if n, _ := st.Count(ctx); n != 6 {
			t.Errorf("expected 6 records after scan, got %d", n)
		}
	})

	t.Run("scan stops early and honours cancellation", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)
		for i := range 5 {
			st.Append(ctx, at(agent, i, record.OutcomeSuccess, nil))
		}

		var n int
		for range st.Scan(ctx, Filter{}) {
			n++
			if n == 2 {
				break
			}
		}
		if n != 2 {
			t.Errorf("expected to stop after 2 records, got %d", n)
		}

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Collect(st.Scan(cctx, Filter{}))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("weights", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)
		id, _ := st.Append(ctx, at(agent, 0, record.OutcomeSuccess, nil))

		if err := st.SetWeights(ctx, map[record.ID]float64{id: 0.8}); err != nil {
			t.Fatalf("set weights failed: %v", err)
		}
		if err := st.SetWeights(ctx, map[record.ID]float64{id: 0.25}); err != nil {
			t.Fatalf("overwrite weights failed: %v", err)
		}
		got, _ := st.Get(ctx, id)
		if got.ConfidenceWeight != 0.25 {
			t.Errorf("expected weight 0.25, got %v", got.ConfidenceWeight)
		}
		if err := st.SetWeights(ctx, map[record.ID]float64{id: 1.5}); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord for weight above 1, got %v", err)
		}
	})

	t.Run("archive", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)
		st.Append(ctx, at(agent, 0, record.OutcomeSuccess, nil))

		h1, err := st.Archive(ctx)
		if err != nil {
			t.Fatalf("archive failed: %v", err)
		}
		if h1.Records != 1 || h1.AgentID != agent {
			t.Errorf("unexpected handle %+v", h1)
		}
		h2, err := st.Archive(ctx)
		if err != nil {
			t.Fatalf("second archive failed: %v", err)
		}
		if !h1.ArchivedAt.Equal(h2.ArchivedAt) {
			t.Errorf("archiving twice changed the archive time: %v vs %v", h1.ArchivedAt, h2.ArchivedAt)
		}

		if _, err := st.Append(ctx, at(agent, 1, record.OutcomeSuccess, nil)); !errors.Is(err, ErrStoreArchived) {
			t.Errorf("expected ErrStoreArchived, got %v", err)
		}
		recs, err := Collect(st.Scan(ctx, Filter{}))
		if err != nil || len(recs) != 1 {
			t.Errorf("archived store should stay readable, got %d records, err %v", len(recs), err)
		}
		if archived, _ := st.Archived(ctx); !archived {
			t.Error("expected store to report archived")
		}
	})

	t.Run("open and list agents", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		a, c := newAgentID("A"), newAgentID("C")
		b.Register(ctx, a)
		b.Register(ctx, c)
		if _, err := b.Register(ctx, a); err != nil {
			t.Errorf("registering twice should be a no-op: %v", err)
		}

		if _, err := b.Open(ctx, newAgentID("nobody")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		st, err := b.Open(ctx, a)
		if err != nil || st.Owner() != a {
			t.Fatalf("open failed: %v", err)
		}

		agents, err := b.Agents(ctx)
		if err != nil {
			t.Fatalf("list agents failed: %v", err)
		}
		if !slices.Contains(agents, a) || !slices.Contains(agents, c) {
			t.Errorf("expected %s and %s in %v", a, c, agents)
		}
	})

	t.Run("nearest fingerprint", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		deploy := record.Context{"task": record.String("deploy"), "env": record.String("prod")}
		migrate := record.Context{"task": record.String("migrate"), "db": record.String("users")}
		st.AppendBatch(ctx, []record.ExperienceRecord{
			at(agent, 0, record.OutcomeSuccess, migrate),
			at(agent, 1, record.OutcomeSuccess, deploy),
			at(agent, 2, record.OutcomeSuccess, nil),
		})

		got, err := st.Nearest(ctx, record.Fingerprint(deploy, record.FingerprintDims), 1)
		if err != nil {
			t.Fatalf("nearest failed: %v", err)
		}
		if len(got) != 1 || got[0].Action.Summary != "step 1" {
			t.Errorf("expected deploy record first, got %+v", got)
		}
	})

	t.Run("concurrent appends keep order", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		agent := newAgentID("A")
		st, _ := b.Register(ctx, agent)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 5 {
					rec := record.New(agent, nil, record.Action{Summary: "tick"}, record.OutcomeSuccess)
					if _, err := st.Append(ctx, rec); err != nil {
						t.Errorf("concurrent append failed: %v", err)
					}
				}
			}()
		}
		wg.Wait()

		recs, err := Collect(st.Scan(ctx, Filter{}))
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if len(recs) != 20 {
			t.Fatalf("expected 20 records, got %d", len(recs))
		}
		for i := 1; i < len(recs); i++ {
			if recs[i].Timestamp.Before(recs[i-1].Timestamp) {
				t.Fatalf("record %d goes back in time", i)
			}
		}
	})
}
