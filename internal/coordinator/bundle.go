// Package coordinator moves experience between agents: bundles for export
// and import, and read-only merged views across stores.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
)

const (
	BundleFormat  = "experience-bundle"
	BundleVersion = 1
)

var (
	// ErrImportAborted reports an import that committed nothing.
	ErrImportAborted = errors.New("coordinator: import aborted")
	// ErrMalformedBundle reports a bundle whose envelope cannot be read.
	ErrMalformedBundle = errors.New("coordinator: malformed bundle")
)

// ImportAbortedError carries the position of the record that stopped an
// import. Position is -1 when the bundle envelope itself is bad.
type ImportAbortedError struct {
	Position int
	Err      error
}

func (e *ImportAbortedError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("import aborted: %v", e.Err)
	}
	return fmt.Sprintf("import aborted at record %d: %v", e.Position, e.Err)
}

func (e *ImportAbortedError) Unwrap() []error {
	return []error{ErrImportAborted, e.Err}
}

// ImportResult reports what an import did.
type ImportResult struct {
	Imported          int `json:"imported"`
	SkippedDuplicates int `json:"skipped_duplicates"`
}

type bundle struct {
	Format      string            `json:"format"`
	Version     int               `json:"version"`
	SourceAgent string            `json:"source_agent"`
	ExportedAt  time.Time         `json:"exported_at"`
	Records     []json.RawMessage `json:"records"`
}

// Coordinator runs exports, imports and merges.
type Coordinator struct {
	logger *slog.Logger
}

// New creates a Coordinator. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "coordinator")}
}

// Export serializes the records of st matching f. Confidence weights are
// store-local and are not exported.
func (c *Coordinator) Export(ctx context.Context, st memory.Store, f memory.Filter) ([]byte, error) {
	b := bundle{
		Format:      BundleFormat,
		Version:     BundleVersion,
		SourceAgent: st.Owner(),
		ExportedAt:  time.Now().UTC(),
		Records:     []json.RawMessage{},
	}
	for rec, err := range st.Scan(ctx, f) {
		if err != nil {
			return nil, err
		}
		rec.ConfidenceWeight = 0
		payload, err := record.Encode(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
		b.Records = append(b.Records, payload)
	}

	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	c.logger.Info("exported bundle", "agent", st.Owner(), "records", len(b.Records))
	return out, nil
}

// Import appends the records of data to target as the target's own records.
// Each imported record gets a new ID and is stamped with its arrival time in
// target, in the order the experiences occurred. The producing agent and the
// original time are kept in Origin and OriginTimestamp.
//
// Records whose (owner, original time, content hash) already exist in target,
// or repeat earlier in the bundle, are skipped. The import is all or nothing:
// a record failing validation aborts it with an *ImportAbortedError and
// nothing is written.
func (c *Coordinator) Import(ctx context.Context, data []byte, target memory.Store) (ImportResult, error) {
	if !gjson.ValidBytes(data) {
		return ImportResult{}, &ImportAbortedError{Position: -1, Err: fmt.Errorf("%w: invalid JSON", ErrMalformedBundle)}
	}
	env := gjson.GetManyBytes(data, "format", "version", "source_agent", "records")
	if env[0].String() != BundleFormat {
		return ImportResult{}, &ImportAbortedError{Position: -1, Err: fmt.Errorf("%w: unknown format %q", ErrMalformedBundle, env[0].String())}
	}
	if !env[1].Exists() {
		return ImportResult{}, &ImportAbortedError{Position: -1, Err: fmt.Errorf("%w: missing version", ErrMalformedBundle)}
	}
	if v := env[1].Int(); v < 1 || v > BundleVersion {
		return ImportResult{}, &ImportAbortedError{Position: -1, Err: fmt.Errorf("%w: bundle version %d", record.ErrSchemaVersion, v)}
	}
	if !env[3].IsArray() {
		return ImportResult{}, &ImportAbortedError{Position: -1, Err: fmt.Errorf("%w: records is not an array", ErrMalformedBundle)}
	}
	source := env[2].String()

	// Decode everything before touching the target.
	raw := env[3].Array()
	incoming := make([]record.ExperienceRecord, len(raw))
	for i, r := range raw {
		rec, err := record.Decode([]byte(r.Raw))
		if err != nil {
			return ImportResult{}, &ImportAbortedError{Position: i, Err: err}
		}
		incoming[i] = rec
	}

	existing := make(map[record.Key]record.ID)
	for rec, err := range target.Scan(ctx, memory.Filter{}) {
		if err != nil {
			return ImportResult{}, err
		}
		existing[rec.DedupKey()] = rec.ID
	}

	var (
		result ImportResult
		batch  []record.ExperienceRecord
		remap  = make(map[record.ID]record.ID, len(incoming))
	)
	for _, rec := range incoming {
		rec.Origin = rec.Provenance()
		rec.OriginTimestamp = rec.OccurredAt()
		rec.AgentID = target.Owner()
		rec.ConfidenceWeight = 0

		key := rec.DedupKey()
		if id, dup := existing[key]; dup {
			remap[rec.ID] = id
			result.SkippedDuplicates++
			continue
		}

		newID := record.ID(uuid.NewString())
		existing[key] = newID
		remap[rec.ID] = newID
		rec.ID = newID
		// The target stamps the arrival time.
		rec.Timestamp = time.Time{}
		batch = append(batch, rec)
	}
	for i := range batch {
		if to, ok := remap[batch[i].Supersedes]; ok {
			batch[i].Supersedes = to
		}
	}
	slices.SortStableFunc(batch, func(a, b record.ExperienceRecord) int {
		return a.OriginTimestamp.Compare(b.OriginTimestamp)
	})

	if len(batch) > 0 {
		if _, err := target.AppendBatch(ctx, batch); err != nil {
			return ImportResult{}, fmt.Errorf("failed to append imported records: %w", err)
		}
	}
	result.Imported = len(batch)

	c.logger.Info("imported bundle",
		"source", source, "target", target.Owner(),
		"imported", result.Imported, "skipped", result.SkippedDuplicates)
	return result, nil
}
