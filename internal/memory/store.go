package memory

import (
	"context"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/enufacas/Chained-sub007/internal/record"
)

// Backend manages the per-agent stores kept in one database.
type Backend interface {
	// InitSchema creates the tables if they don't exist.
	InitSchema(ctx context.Context) error

	// Register creates the store of agentID if needed and returns it.
	Register(ctx context.Context, agentID string) (Store, error)

	// Open returns the store of a registered agent, or ErrNotFound.
	Open(ctx context.Context, agentID string) (Store, error)

	// Agents lists every registered agent, archived ones included.
	Agents(ctx context.Context) ([]string, error)

	// RebuildIndex regenerates the derived tag and time index of an agent
	// from its record payloads.
	RebuildIndex(ctx context.Context, agentID string) error

	// Close releases the database connection.
	Close() error
}

// Store is the append-only experience log of a single agent.
//
// Appends are atomic and serialized per store. Reads work on snapshots and
// never block writers.
type Store interface {
	// Owner returns the agent the store belongs to.
	Owner() string

	// Append persists rec and returns its ID. The record must belong to the
	// owner and must not be older than the newest record in the store.
	Append(ctx context.Context, rec record.ExperienceRecord) (record.ID, error)

	// AppendBatch persists all records or none of them.
	AppendBatch(ctx context.Context, recs []record.ExperienceRecord) ([]record.ID, error)

	// Get returns a single record or ErrNotFound.
	Get(ctx context.Context, id record.ID) (record.ExperienceRecord, error)

	// Snapshot captures the current end of the log.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Scan takes a fresh snapshot and lazily yields the matching records in
	// append order.
	Scan(ctx context.Context, f Filter) iter.Seq2[record.ExperienceRecord, error]

	// Nearest returns up to limit records whose context fingerprint is
	// closest to fingerprint.
	Nearest(ctx context.Context, fingerprint []float32, limit int) ([]record.ExperienceRecord, error)

	// SetWeights stores derived confidence weights.
	SetWeights(ctx context.Context, weights map[record.ID]float64) error

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)

	// Archive makes the store read-only. Archiving twice is a no-op.
	Archive(ctx context.Context) (ArchivedStoreHandle, error)

	// Archived reports whether the store has been archived.
	Archived(ctx context.Context) (bool, error)
}

// storedRecord is a decoded row together with its position in the log.
type storedRecord struct {
	seq int64
	rec record.ExperienceRecord
}

type pageQuery struct {
	after  int64
	upTo   int64
	filter Filter
	limit  int
}

// pager is implemented by the concrete stores to feed snapshot scans.
type pager interface {
	page(ctx context.Context, q pageQuery) ([]storedRecord, error)
}

// Snapshot is a point-in-time view of a store. Because stores are
// append-only, every row at or below the captured sequence number is final;
// scanning a snapshot therefore sees a consistent log without holding a
// transaction open while the caller consumes records.
type Snapshot struct {
	owner    string
	seq      int64
	src      pager
	pageSize int
}

// Owner returns the agent the snapshot belongs to.
func (s *Snapshot) Owner() string { return s.owner }

// Seq returns the last sequence number visible in the snapshot.
func (s *Snapshot) Seq() int64 { return s.seq }

// Scan yields the records of the snapshot matching f in append order. The
// sequence stops early when ctx is cancelled or the caller stops ranging.
func (s *Snapshot) Scan(ctx context.Context, f Filter) iter.Seq2[record.ExperienceRecord, error] {
	return func(yield func(record.ExperienceRecord, error) bool) {
		if s.seq == 0 {
			return
		}
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(record.ExperienceRecord{}, err)
				return
			}
			rows, err := s.src.page(ctx, pageQuery{after: after, upTo: s.seq, filter: f, limit: s.pageSize})
			if err != nil {
				yield(record.ExperienceRecord{}, err)
				return
			}
			for _, row := range rows {
				if err := ctx.Err(); err != nil {
					yield(record.ExperienceRecord{}, err)
					return
				}
				if !yield(row.rec, nil) {
					return
				}
				after = row.seq
			}
			if len(rows) < s.pageSize {
				return
			}
		}
	}
}

// Collect drains a scan into a slice, stopping at the first error.
func Collect(seq iter.Seq2[record.ExperienceRecord, error]) ([]record.ExperienceRecord, error) {
	var out []record.ExperienceRecord
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// scanWithSnapshot adapts Store.Scan on top of Store.Snapshot.
func scanWithSnapshot(ctx context.Context, st Store, f Filter) iter.Seq2[record.ExperienceRecord, error] {
	return func(yield func(record.ExperienceRecord, error) bool) {
		snap, err := st.Snapshot(ctx)
		if err != nil {
			yield(record.ExperienceRecord{}, err)
			return
		}
		for rec, err := range snap.Scan(ctx, f) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// prepareBatch validates records against the owner and assigns IDs. It does
// not touch the database.
func prepareBatch(owner string, recs []record.ExperienceRecord) ([]record.ExperienceRecord, error) {
	out := make([]record.ExperienceRecord, len(recs))
	for i, rec := range recs {
		if rec.AgentID != owner {
			return nil, invalid("record %d belongs to agent %q, store owner is %q", i, rec.AgentID, owner)
		}
		rec.ConfidenceWeight = 0
		if err := record.Validate(rec); err != nil {
			return nil, invalid("record %d: %v", i, err)
		}
		rec = rec.Normalize()
		if rec.ID == "" {
			rec.ID = record.ID(uuid.NewString())
		}
		out[i] = rec
	}
	return out, nil
}

// stampBatch enforces timestamp order against the newest stored timestamp.
// Records without a timestamp get the current time, nudged forward when the
// clock has not advanced past the previous record.
func stampBatch(recs []record.ExperienceRecord, last time.Time) error {
	for i := range recs {
		ts := recs[i].Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC().Round(0)
			if !last.IsZero() && !ts.After(last) {
				ts = last.Add(time.Nanosecond)
			}
			recs[i].Timestamp = ts
		} else if !last.IsZero() && ts.Before(last) {
			return invalid("record %d timestamp %s precedes newest record at %s",
				i, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}
		last = recs[i].Timestamp
	}
	return nil
}

// placeholders numbers query parameters for either SQL dialect.
type placeholders struct {
	n      int
	dollar bool
}

func (p *placeholders) next() string {
	p.n++
	if p.dollar {
		return "$" + strconv.Itoa(p.n)
	}
	return "?"
}

func (p *placeholders) list(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = p.next()
	}
	return strings.Join(parts, ", ")
}

// pageSQL builds the scan query shared by both backends. Weights come from
// the derived weight table; rows without one report def.
func pageSQL(owner string, q pageQuery, dollar bool) (string, []any) {
	p := &placeholders{dollar: dollar}
	var sb strings.Builder
	args := []any{owner, q.after, q.upTo}
	sb.WriteString(`
		SELECT r.seq, r.payload, w.weight
		FROM experience_records r
		LEFT JOIN experience_weights w ON w.agent_id = r.agent_id AND w.record_id = r.id
		WHERE r.agent_id = ` + p.next() + ` AND r.seq > ` + p.next() + ` AND r.seq <= ` + p.next())

	f := q.filter
	if !f.Since.IsZero() {
		sb.WriteString(" AND r.ts >= " + p.next())
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		sb.WriteString(" AND r.ts < " + p.next())
		args = append(args, f.Until.UnixNano())
	}
	if len(f.Outcomes) > 0 {
		sb.WriteString(" AND r.outcome IN (" + p.list(len(f.Outcomes)) + ")")
		for _, o := range f.Outcomes {
			args = append(args, string(o))
		}
	}
	if tags := record.NormalizeTags(f.Tags); len(tags) > 0 {
		sb.WriteString(" AND r.seq IN (SELECT t.seq FROM experience_tags t WHERE t.agent_id = " + p.next())
		args = append(args, owner)
		sb.WriteString(" AND t.tag IN (" + p.list(len(tags)) + ")")
		for _, tag := range tags {
			args = append(args, tag)
		}
		sb.WriteString(" GROUP BY t.seq HAVING COUNT(DISTINCT t.tag) = " + p.next() + ")")
		args = append(args, len(tags))
	}
	sb.WriteString(" ORDER BY r.seq LIMIT " + p.next())
	args = append(args, q.limit)
	return sb.String(), args
}

// decodeRow turns a stored payload into a record carrying its current weight.
func decodeRow(payload []byte, weight *float64, def float64) (record.ExperienceRecord, error) {
	rec, err := record.Decode(payload)
	if err != nil {
		return record.ExperienceRecord{}, err
	}
	if weight != nil {
		rec.ConfidenceWeight = *weight
	} else {
		rec.ConfidenceWeight = def
	}
	return rec, nil
}

func validWeights(weights map[record.ID]float64) error {
	for id, w := range weights {
		if w < 0 || w > 1 || w != w {
			return invalid("weight %v for %s outside [0,1]", w, id)
		}
	}
	return nil
}
