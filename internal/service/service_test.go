package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
)

var errInjected = fmt.Errorf("%w: injected fault", memory.ErrStorageUnavailable)

// flakyBackend wraps a real backend and fails store calls on demand.
type flakyBackend struct {
	memory.Backend

	mu sync.Mutex
	// appendFailures is the number of appends that fail before one succeeds.
	appendFailures int
	// commitBeforeFailing makes a failing append persist the record first.
	commitBeforeFailing bool
	scanFails           bool
	appends             int
}

func (b *flakyBackend) Register(ctx context.Context, agentID string) (memory.Store, error) {
	st, err := b.Backend.Register(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: st, b: b}, nil
}

func (b *flakyBackend) Open(ctx context.Context, agentID string) (memory.Store, error) {
	st, err := b.Backend.Open(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: st, b: b}, nil
}

type flakyStore struct {
	memory.Store
	b *flakyBackend
}

func (s *flakyStore) Append(ctx context.Context, rec record.ExperienceRecord) (record.ID, error) {
	s.b.mu.Lock()
	s.b.appends++
	fail := s.b.appendFailures > 0
	if fail {
		s.b.appendFailures--
	}
	s.b.mu.Unlock()

	if !fail {
		return s.Store.Append(ctx, rec)
	}
	if s.b.commitBeforeFailing {
		if _, err := s.Store.Append(ctx, rec); err != nil {
			return "", err
		}
	}
	return "", errInjected
}

func (s *flakyStore) Scan(ctx context.Context, f memory.Filter) iter.Seq2[record.ExperienceRecord, error] {
	s.b.mu.Lock()
	fail := s.b.scanFails
	s.b.mu.Unlock()
	if fail {
		return func(yield func(record.ExperienceRecord, error) bool) {
			yield(record.ExperienceRecord{}, errInjected)
		}
	}
	return s.Store.Scan(ctx, f)
}

func newSQLiteBackend(t *testing.T) *memory.SQLiteBackend {
	t.Helper()
	ctx := context.Background()
	b, err := memory.NewSQLiteBackend(ctx, ":memory:", memory.Options{})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.InitSchema(ctx); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return b
}

func newTestService(t *testing.T, opts Options) (*Service, *flakyBackend) {
	t.Helper()
	fb := &flakyBackend{Backend: newSQLiteBackend(t)}
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 5 * time.Millisecond
	}
	return New(fb, opts), fb
}

func deployRecord(agent, env string, outcome record.Outcome) record.ExperienceRecord {
	return record.New(agent,
		record.Context{"task": record.String("deploy service"), "env": record.String(env)},
		record.Action{Summary: "rolling restart"},
		outcome, "deploy")
}

func TestService_RecordAndRecall(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	if _, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, err := svc.Record(ctx, deployRecord("ops", "staging", record.OutcomeFailure)); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	agents, err := svc.Agents(ctx)
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}
	if len(agents) != 1 || agents[0] != "ops" {
		t.Errorf("expected the agent to be registered on first record, got %v", agents)
	}

	results, err := svc.Recall(ctx, "ops", record.Context{"env": record.String("prod")}, 5, 0)
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if got := results[0].Record.Context["env"].Str(); got != "prod" {
		t.Errorf("expected the prod record first, got %q", got)
	}
	if results[1].Similarity != 0 {
		t.Errorf("staging should rank last with zero similarity, got %v", results[1].Similarity)
	}
}

func TestService_RecordRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	svc, fb := newTestService(t, Options{RetryMaxAttempts: 3})
	fb.appendFailures = 2

	id, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess))
	if err != nil {
		t.Fatalf("record should succeed on the third attempt: %v", err)
	}
	if fb.appends != 3 {
		t.Errorf("expected 3 append attempts, got %d", fb.appends)
	}
	if id == "" {
		t.Error("expected a record ID")
	}
}

func TestService_RecordGivesUp(t *testing.T) {
	ctx := context.Background()
	svc, fb := newTestService(t, Options{RetryMaxAttempts: 2})
	fb.appendFailures = 5

	_, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess))
	if !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if fb.appends != 2 {
		t.Errorf("expected 2 append attempts, got %d", fb.appends)
	}
}

func TestService_RecordDoesNotRetryInvalidRecords(t *testing.T) {
	ctx := context.Background()
	svc, fb := newTestService(t, Options{})

	rec := deployRecord("ops", "prod", record.OutcomeSuccess)
	rec.Outcome = "maybe"
	if _, err := svc.Record(ctx, rec); !errors.Is(err, memory.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if fb.appends != 1 {
		t.Errorf("invalid records must not be retried, got %d attempts", fb.appends)
	}
}

func TestService_RecordRetryAfterCommittedAppend(t *testing.T) {
	ctx := context.Background()
	svc, fb := newTestService(t, Options{})
	fb.appendFailures = 1
	fb.commitBeforeFailing = true

	id, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess))
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	st, err := fb.Open(ctx, "ops")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("expected exactly one stored record, got %d", n)
	}
	if _, err := st.Get(ctx, id); err != nil {
		t.Errorf("returned ID is not stored: %v", err)
	}
}

func TestService_RecallDegrades(t *testing.T) {
	ctx := context.Background()
	svc, fb := newTestService(t, Options{})

	results, err := svc.Recall(ctx, "nobody", record.Context{"env": record.String("prod")}, 5, 0)
	if err != nil || results != nil {
		t.Errorf("unknown agent should recall nothing, got %v, %v", results, err)
	}

	if _, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	fb.scanFails = true
	results, err = svc.Recall(ctx, "ops", record.Context{"env": record.String("prod")}, 5, 0)
	if err != nil || results != nil {
		t.Errorf("unavailable storage should recall nothing, got %v, %v", results, err)
	}
	results, err = svc.RecallText(ctx, "ops", "prod deploy", 5, 0)
	if err != nil || results != nil {
		t.Errorf("unavailable storage should recall nothing, got %v, %v", results, err)
	}
}

func TestService_RecallText(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	for _, env := range []string{"prod", "staging"} {
		if _, err := svc.Record(ctx, deployRecord("ops", env, record.OutcomeSuccess)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	other := record.New("ops", record.Context{"task": record.String("rotate certificates")},
		record.Action{Summary: "renew"}, record.OutcomeSuccess)
	if _, err := svc.Record(ctx, other); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	results, err := svc.RecallText(ctx, "ops", "how do I deploy to staging", 5, 0)
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected the two deploy records, got %d", len(results))
	}
	if got := results[0].Record.Context["env"].Str(); got != "staging" {
		t.Errorf("expected staging first, got %q", got)
	}
}

func TestService_StatsRefreshesWeights(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{BatchSize: 100})

	for _, o := range []record.Outcome{record.OutcomeSuccess, record.OutcomeSuccess, record.OutcomeFailure, record.OutcomePartial} {
		if _, err := svc.Record(ctx, deployRecord("ops", "prod", o)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	sum, err := svc.Stats(ctx, "ops")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if sum.Total != 4 || sum.Successes != 2 || sum.Failures != 1 || sum.Partials != 1 {
		t.Errorf("unexpected counts: %+v", sum)
	}
	if sum.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %v", sum.SuccessRate)
	}
	if len(sum.Weights) != 4 {
		t.Errorf("expected a weight per record, got %d", len(sum.Weights))
	}

	if _, err := svc.Stats(ctx, "nobody"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ExportImportMerge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	if _, err := svc.Record(ctx, deployRecord("a", "prod", record.OutcomeSuccess)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, err := svc.Record(ctx, deployRecord("b", "staging", record.OutcomeFailure)); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	bundle, err := svc.Export(ctx, "a", memory.Filter{})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	res, err := svc.Import(ctx, "c", bundle)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if res.Imported != 1 {
		t.Errorf("expected 1 imported record, got %+v", res)
	}

	set, err := svc.Merge(ctx, "a", "b", "c")
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("the copy in c should merge with its original, got %d entries", set.Len())
	}

	if _, err := svc.Merge(ctx, "a", "nobody"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown agent, got %v", err)
	}
}

func TestService_ImportRefreshesWeights(t *testing.T) {
	ctx := context.Background()
	svc, fb := newTestService(t, Options{BatchSize: 3})

	for _, env := range []string{"prod-eu", "prod-us", "prod-ap"} {
		if _, err := svc.Record(ctx, deployRecord("a", env, record.OutcomeSuccess)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	// c has worked since a's experience was recorded.
	if _, err := svc.Record(ctx, deployRecord("c", "staging", record.OutcomeFailure)); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	bundle, err := svc.Export(ctx, "a", memory.Filter{})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	res, err := svc.Import(ctx, "c", bundle)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if res.Imported != 3 {
		t.Fatalf("expected 3 imported records, got %+v", res)
	}
	if n := svc.batcher.Pending("c"); n != 0 {
		t.Errorf("import should have triggered a refresh, %d appends pending", n)
	}

	st, err := fb.Open(ctx, "c")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	recs, err := memory.Collect(st.Scan(ctx, memory.Filter{}))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 records in c, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.ConfidenceWeight == memory.DefaultConfidence {
			t.Errorf("record %s still carries the default weight", rec.ID)
		}
	}
}

func TestService_Retire(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cold")
	svc, _ := newTestService(t, Options{ColdStorageDir: dir})

	for _, env := range []string{"prod", "staging"} {
		if _, err := svc.Record(ctx, deployRecord("ops", env, record.OutcomeSuccess)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	ret, err := svc.Retire(ctx, "ops")
	if err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if ret.Handle.Records != 2 || ret.Handle.AgentID != "ops" {
		t.Errorf("unexpected handle: %+v", ret.Handle)
	}
	if !strings.HasPrefix(filepath.Base(ret.BundlePath), "ops-") {
		t.Errorf("unexpected bundle name %q", ret.BundlePath)
	}

	data, err := os.ReadFile(ret.BundlePath)
	if err != nil {
		t.Fatalf("failed to read cold bundle: %v", err)
	}
	res, err := svc.Import(ctx, "successor", data)
	if err != nil {
		t.Fatalf("cold bundle does not import: %v", err)
	}
	if res.Imported != 2 {
		t.Errorf("expected 2 records in the cold bundle, got %+v", res)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the bundle in cold storage, found %d files", len(entries))
	}

	if _, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess)); !errors.Is(err, memory.ErrStoreArchived) {
		t.Errorf("expected ErrStoreArchived after retirement, got %v", err)
	}
	// Retired memory stays readable.
	results, err := svc.Recall(ctx, "ops", record.Context{"env": record.String("prod")}, 5, 0)
	if err != nil || len(results) != 1 {
		t.Errorf("retired store should still answer recalls, got %d results, %v", len(results), err)
	}
}

func TestService_RetireWithoutColdStorage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	if err := svc.Register(ctx, "ops"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ret, err := svc.Retire(ctx, "ops")
	if err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if ret.BundlePath != "" {
		t.Errorf("expected no bundle, got %q", ret.BundlePath)
	}
}

func TestService_RetryStopsOnCancel(t *testing.T) {
	svc, fb := newTestService(t, Options{RetryMaxAttempts: 10, RetryInitial: time.Hour, RetryMax: time.Hour})
	fb.appendFailures = 10

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := svc.Record(ctx, deployRecord("ops", "prod", record.OutcomeSuccess))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
