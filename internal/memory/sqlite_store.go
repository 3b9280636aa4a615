package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/enufacas/Chained-sub007/internal/record"
)

// SQLiteBackend implements Backend using SQLite.
// Every agent's log lives in the same database file, keyed by agent id.
// Fingerprint similarity for Nearest is computed in application memory.
type SQLiteBackend struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	locks  sync.Map // agent id -> *sync.Mutex
}

// NewSQLiteBackend opens the database at dbPath.
// The path should be a file path (e.g., "./memory.db") or ":memory:" for an in-memory database.
// It verifies connectivity with a ping; call InitSchema before first use.
func NewSQLiteBackend(ctx context.Context, dbPath string, opts Options) (*SQLiteBackend, error) {
	// WAL lets readers proceed while a writer commits; immediate transactions
	// take the write lock up front so concurrent agents queue instead of
	// failing on lock upgrade.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteBackend{
		db:     db,
		opts:   opts.withDefaults(),
		logger: slog.Default().With("component", "memory.sqlite"),
	}, nil
}

// InitSchema creates the necessary tables if they don't exist.
func (b *SQLiteBackend) InitSchema(ctx context.Context) error {
	schema := `
		-- Registered agents; archived stores keep their rows forever
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			registered_at INTEGER NOT NULL,
			archived_at INTEGER
		);

		-- Authoritative append-only log; payload is the codec encoding
		CREATE TABLE IF NOT EXISTS experience_records (
			agent_id TEXT NOT NULL REFERENCES agents(agent_id),
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			fingerprint BLOB,
			payload BLOB NOT NULL,
			PRIMARY KEY (agent_id, seq),
			UNIQUE (agent_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_records_ts ON experience_records(agent_id, ts);

		-- Derived tag index, rebuildable from payloads
		CREATE TABLE IF NOT EXISTS experience_tags (
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (agent_id, tag, seq)
		);

		-- Derived confidence weights
		CREATE TABLE IF NOT EXISTS experience_weights (
			agent_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			weight REAL NOT NULL,
			PRIMARY KEY (agent_id, record_id)
		);
	`

	_, err := b.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Register creates the agent's store on first use.
func (b *SQLiteBackend) Register(ctx context.Context, agentID string) (Store, error) {
	if agentID == "" {
		return nil, errors.New("memory: agent id is required")
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, registered_at) VALUES (?, ?)
		ON CONFLICT(agent_id) DO NOTHING
	`, agentID, time.Now().UnixNano())
	if err != nil {
		return nil, unavailable("register agent", err)
	}
	return b.store(agentID), nil
}

// Open returns the store of a registered agent.
func (b *SQLiteBackend) Open(ctx context.Context, agentID string) (Store, error) {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE agent_id = ?`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("open agent", err)
	}
	return b.store(agentID), nil
}

// Agents lists registered agents in name order.
func (b *SQLiteBackend) Agents(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT agent_id FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, unavailable("list agents", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan agent", err)
		}
		agents = append(agents, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate agents", err)
	}
	return agents, nil
}

// RebuildIndex rewrites the derived columns and tag rows of an agent from
// the stored payloads.
func (b *SQLiteBackend) RebuildIndex(ctx context.Context, agentID string) error {
	lock := b.writeLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin rebuild", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT seq, payload FROM experience_records WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return unavailable("read payloads", err)
	}
	var stored []storedRecord
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return unavailable("scan payload", err)
		}
		rec, err := record.Decode(payload)
		if err != nil {
			rows.Close()
			return fmt.Errorf("record at seq %d: %w", seq, err)
		}
		stored = append(stored, storedRecord{seq: seq, rec: rec})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return unavailable("iterate payloads", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM experience_tags WHERE agent_id = ?`, agentID); err != nil {
		return unavailable("clear tags", err)
	}
	for _, s := range stored {
		_, err := tx.ExecContext(ctx, `
			UPDATE experience_records SET ts = ?, outcome = ?, content_hash = ?, fingerprint = ?
			WHERE agent_id = ? AND seq = ?
		`, s.rec.Timestamp.UnixNano(), string(s.rec.Outcome), record.ContentHash(s.rec),
			encodeVector(fingerprintOf(s.rec)), agentID, s.seq)
		if err != nil {
			return unavailable("rewrite derived columns", err)
		}
		if err := insertTagsSQLite(ctx, tx, agentID, s.seq, s.rec.Tags); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit rebuild", err)
	}
	b.logger.Info("rebuilt index", "agent", agentID, "records", len(stored))
	return nil
}

// Close releases the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) store(agentID string) *sqliteStore {
	return &sqliteStore{b: b, owner: agentID}
}

func (b *SQLiteBackend) writeLock(agentID string) *sync.Mutex {
	l, _ := b.locks.LoadOrStore(agentID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// sqliteStore is the Store of one agent inside a SQLiteBackend.
type sqliteStore struct {
	b     *SQLiteBackend
	owner string
}

var _ Store = (*sqliteStore)(nil)

func (s *sqliteStore) Owner() string { return s.owner }

func (s *sqliteStore) Append(ctx context.Context, rec record.ExperienceRecord) (record.ID, error) {
	ids, err := s.AppendBatch(ctx, []record.ExperienceRecord{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch writes the batch in one transaction. Cancellation of ctx does
// not interrupt a started append.
func (s *sqliteStore) AppendBatch(ctx context.Context, recs []record.ExperienceRecord) ([]record.ID, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	prepared, err := prepareBatch(s.owner, recs)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	lock := s.b.writeLock(s.owner)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin append", err)
	}
	defer tx.Rollback()

	var archivedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT archived_at FROM agents WHERE agent_id = ?`, s.owner).Scan(&archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", s.owner, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("check archive state", err)
	}
	if archivedAt.Valid {
		return nil, fmt.Errorf("agent %q: %w", s.owner, ErrStoreArchived)
	}

	var count, lastSeq, lastTS int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(seq), 0), COALESCE(MAX(ts), 0)
		FROM experience_records WHERE agent_id = ?
	`, s.owner).Scan(&count, &lastSeq, &lastTS)
	if err != nil {
		return nil, unavailable("read log tail", err)
	}
	var last time.Time
	if count > 0 {
		last = time.Unix(0, lastTS).UTC()
	}
	if err := stampBatch(prepared, last); err != nil {
		return nil, err
	}

	ids := make([]record.ID, len(prepared))
	for i, rec := range prepared {
		payload, err := record.Encode(rec)
		if err != nil {
			return nil, invalid("record %d: %v", i, err)
		}
		seq := lastSeq + int64(i) + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO experience_records (agent_id, seq, id, ts, outcome, content_hash, fingerprint, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, s.owner, seq, string(rec.ID), rec.Timestamp.UnixNano(), string(rec.Outcome),
			record.ContentHash(rec), encodeVector(fingerprintOf(rec)), payload)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, invalid("record id %s already exists", rec.ID)
			}
			return nil, unavailable("insert record", err)
		}
		if err := insertTagsSQLite(ctx, tx, s.owner, seq, rec.Tags); err != nil {
			return nil, err
		}
		ids[i] = rec.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit append", err)
	}
	return ids, nil
}

func insertTagsSQLite(ctx context.Context, tx *sql.Tx, agentID string, seq int64, tags []string) error {
	for _, tag := range tags {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO experience_tags (agent_id, seq, tag) VALUES (?, ?, ?)`, agentID, seq, tag)
		if err != nil {
			return unavailable("insert tag", err)
		}
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id record.ID) (record.ExperienceRecord, error) {
	var payload []byte
	var weight sql.NullFloat64
	err := s.b.db.QueryRowContext(ctx, `
		SELECT r.payload, w.weight
		FROM experience_records r
		LEFT JOIN experience_weights w ON w.agent_id = r.agent_id AND w.record_id = r.id
		WHERE r.agent_id = ? AND r.id = ?
	`, s.owner, string(id)).Scan(&payload, &weight)
	if errors.Is(err, sql.ErrNoRows) {
		return record.ExperienceRecord{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.ExperienceRecord{}, unavailable("get record", err)
	}
	return decodeRow(payload, nullFloat(weight), s.b.opts.DefaultConfidence)
}

func (s *sqliteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	var seq int64
	err := s.b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM experience_records WHERE agent_id = ?`, s.owner).Scan(&seq)
	if err != nil {
		return nil, unavailable("snapshot", err)
	}
	return &Snapshot{owner: s.owner, seq: seq, src: s, pageSize: s.b.opts.PageSize}, nil
}

func (s *sqliteStore) Scan(ctx context.Context, f Filter) iter.Seq2[record.ExperienceRecord, error] {
	return scanWithSnapshot(ctx, s, f)
}

// page reads one page fully before returning so that no connection stays
// busy while the caller consumes records.
func (s *sqliteStore) page(ctx context.Context, q pageQuery) ([]storedRecord, error) {
	query, args := pageSQL(s.owner, q, false)
	rows, err := s.b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("scan records", err)
	}
	defer rows.Close()

	var out []storedRecord
	for rows.Next() {
		var seq int64
		var payload []byte
		var weight sql.NullFloat64
		if err := rows.Scan(&seq, &payload, &weight); err != nil {
			return nil, unavailable("scan row", err)
		}
		rec, err := decodeRow(payload, nullFloat(weight), s.b.opts.DefaultConfidence)
		if err != nil {
			return nil, fmt.Errorf("record at seq %d: %w", seq, err)
		}
		out = append(out, storedRecord{seq: seq, rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return out, nil
}

// recordWithScore is an internal type for sorting records by fingerprint similarity.
type recordWithScore struct {
	rec   record.ExperienceRecord
	score float32
}

// Nearest loads the agent's fingerprints and ranks them with cosine
// similarity in the application layer. This approach is suitable for
// smaller logs (< 10K records).
func (s *sqliteStore) Nearest(ctx context.Context, fingerprint []float32, limit int) ([]record.ExperienceRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.b.db.QueryContext(ctx, `
		SELECT r.payload, r.fingerprint, w.weight
		FROM experience_records r
		LEFT JOIN experience_weights w ON w.agent_id = r.agent_id AND w.record_id = r.id
		WHERE r.agent_id = ? AND r.fingerprint IS NOT NULL
	`, s.owner)
	if err != nil {
		return nil, unavailable("query fingerprints", err)
	}
	defer rows.Close()

	var results []recordWithScore
	for rows.Next() {
		var payload, blob []byte
		var weight sql.NullFloat64
		if err := rows.Scan(&payload, &blob, &weight); err != nil {
			return nil, unavailable("scan fingerprint", err)
		}
		stored := decodeVector(blob)
		if len(stored) == 0 || len(stored) != len(fingerprint) {
			continue
		}
		rec, err := decodeRow(payload, nullFloat(weight), s.b.opts.DefaultConfidence)
		if err != nil {
			return nil, err
		}
		results = append(results, recordWithScore{rec: rec, score: cosineSimilarity(fingerprint, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate fingerprints", err)
	}

	// Sort by similarity score (highest first)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	topK := min(limit, len(results))
	out := make([]record.ExperienceRecord, topK)
	for i := range topK {
		out[i] = results[i].rec
	}
	return out, nil
}

func (s *sqliteStore) SetWeights(ctx context.Context, weights map[record.ID]float64) error {
	if len(weights) == 0 {
		return nil
	}
	if err := validWeights(weights); err != nil {
		return err
	}
	tx, err := s.b.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin weights", err)
	}
	defer tx.Rollback()

	for id, w := range weights {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experience_weights (agent_id, record_id, weight) VALUES (?, ?, ?)
			ON CONFLICT(agent_id, record_id) DO UPDATE SET weight = excluded.weight
		`, s.owner, string(id), w)
		if err != nil {
			return unavailable("upsert weight", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit weights", err)
	}
	return nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experience_records WHERE agent_id = ?`, s.owner).Scan(&n)
	if err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

func (s *sqliteStore) Archive(ctx context.Context) (ArchivedStoreHandle, error) {
	lock := s.b.writeLock(s.owner)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.b.db.ExecContext(ctx, `
		UPDATE agents SET archived_at = ? WHERE agent_id = ? AND archived_at IS NULL
	`, time.Now().UnixNano(), s.owner)
	if err != nil {
		return ArchivedStoreHandle{}, unavailable("archive store", err)
	}

	var archivedAt sql.NullInt64
	err = s.b.db.QueryRowContext(ctx, `SELECT archived_at FROM agents WHERE agent_id = ?`, s.owner).Scan(&archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedStoreHandle{}, fmt.Errorf("agent %q: %w", s.owner, ErrNotFound)
	}
	if err != nil {
		return ArchivedStoreHandle{}, unavailable("read archive state", err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		return ArchivedStoreHandle{}, err
	}
	s.b.logger.Info("archived store", "agent", s.owner, "records", n)
	return ArchivedStoreHandle{
		AgentID:    s.owner,
		ArchivedAt: time.Unix(0, archivedAt.Int64).UTC(),
		Records:    n,
	}, nil
}

func (s *sqliteStore) Archived(ctx context.Context) (bool, error) {
	var archivedAt sql.NullInt64
	err := s.b.db.QueryRowContext(ctx, `SELECT archived_at FROM agents WHERE agent_id = ?`, s.owner).Scan(&archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("agent %q: %w", s.owner, ErrNotFound)
	}
	if err != nil {
		return false, unavailable("read archive state", err)
	}
	return archivedAt.Valid, nil
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return &n.Float64
}

// fingerprintOf returns nil for records without context so that they are
// left out of fingerprint searches.
func fingerprintOf(rec record.ExperienceRecord) []float32 {
	if len(rec.Context) == 0 {
		return nil
	}
	return record.Fingerprint(rec.Context, record.FingerprintDims)
}

// encodeVector converts a float32 slice to a byte slice for storage.
// Each float32 is encoded as 4 bytes in little-endian format.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts a byte slice back to a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity calculates the cosine similarity between two vectors.
// The result is in range [-1, 1]; mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
