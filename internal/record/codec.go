package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// SchemaVersion is the newest payload version this package reads and the one
// it writes.
const SchemaVersion = 1

var (
	// ErrMalformedRecord reports a payload or record that violates the schema.
	ErrMalformedRecord = errors.New("record: malformed record")
	// ErrSchemaVersion reports a payload written by a newer schema.
	ErrSchemaVersion = errors.New("record: unsupported schema version")
)

// wireRecord is the on-disk and on-wire shape. Field order is fixed by the
// struct and map keys are sorted by encoding/json, which keeps Encode
// deterministic.
type wireRecord struct {
	SchemaVersion    int      `json:"schema_version"`
	ID               ID       `json:"id"`
	AgentID          string   `json:"agent_id"`
	Origin           string   `json:"origin,omitempty"`
	Timestamp        string   `json:"timestamp"`
	OriginTimestamp  string   `json:"origin_timestamp,omitempty"`
	Context          Context  `json:"context,omitempty"`
	Action           Action   `json:"action"`
	Outcome          Outcome  `json:"outcome"`
	Detail           string   `json:"detail,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Supersedes       ID       `json:"supersedes,omitempty"`
	ConfidenceWeight float64  `json:"confidence_weight"`
}

// Encode renders rec in its canonical form. Encoding the same record twice
// yields identical bytes.
func Encode(rec ExperienceRecord) ([]byte, error) {
	if err := Validate(rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	rec = rec.Normalize()
	w := wireRecord{
		SchemaVersion:    SchemaVersion,
		ID:               rec.ID,
		AgentID:          rec.AgentID,
		Origin:           rec.Origin,
		Timestamp:        rec.Timestamp.Format(time.RFC3339Nano),
		OriginTimestamp:  formatOptional(rec.OriginTimestamp),
		Context:          rec.Context,
		Action:           rec.Action,
		Outcome:          rec.Outcome,
		Detail:           rec.Detail,
		Tags:             rec.Tags,
		Supersedes:       rec.Supersedes,
		ConfidenceWeight: rec.ConfidenceWeight,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return b, nil
}

// Decode parses a payload written by Encode and validates it.
func Decode(data []byte) (ExperienceRecord, error) {
	if !gjson.ValidBytes(data) {
		return ExperienceRecord{}, fmt.Errorf("%w: invalid json", ErrMalformedRecord)
	}
	version := gjson.GetBytes(data, "schema_version")
	if !version.Exists() || version.Type != gjson.Number {
		return ExperienceRecord{}, fmt.Errorf("%w: missing schema_version", ErrMalformedRecord)
	}
	if v := version.Int(); v > SchemaVersion {
		return ExperienceRecord{}, fmt.Errorf("%w: %d (supported up to %d)", ErrSchemaVersion, v, SchemaVersion)
	} else if v < 1 {
		return ExperienceRecord{}, fmt.Errorf("%w: schema_version %d", ErrMalformedRecord, v)
	}
	for _, field := range []string{"id", "agent_id", "timestamp", "outcome"} {
		if !gjson.GetBytes(data, field).Exists() {
			return ExperienceRecord{}, fmt.Errorf("%w: missing %s", ErrMalformedRecord, field)
		}
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return ExperienceRecord{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return ExperienceRecord{}, fmt.Errorf("%w: timestamp: %w", ErrMalformedRecord, err)
	}
	var originTS time.Time
	if w.OriginTimestamp != "" {
		if originTS, err = time.Parse(time.RFC3339Nano, w.OriginTimestamp); err != nil {
			return ExperienceRecord{}, fmt.Errorf("%w: origin_timestamp: %w", ErrMalformedRecord, err)
		}
	}
	rec := ExperienceRecord{
		ID:               w.ID,
		AgentID:          w.AgentID,
		Origin:           w.Origin,
		Timestamp:        ts,
		OriginTimestamp:  originTS,
		Context:          w.Context,
		Action:           w.Action,
		Outcome:          w.Outcome,
		Detail:           w.Detail,
		Tags:             w.Tags,
		Supersedes:       w.Supersedes,
		ConfidenceWeight: w.ConfidenceWeight,
	}
	if rec.ID == "" {
		return ExperienceRecord{}, fmt.Errorf("%w: empty id", ErrMalformedRecord)
	}
	if err := Validate(rec); err != nil {
		return ExperienceRecord{}, err
	}
	return rec.Normalize(), nil
}

// Validate checks the write-time invariants of a record. The ID may be empty
// since stores assign one on append.
func Validate(rec ExperienceRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrMalformedRecord)
	}
	if !rec.Outcome.Valid() {
		return fmt.Errorf("%w: outcome %q is not one of success, failure, partial", ErrMalformedRecord, rec.Outcome)
	}
	if err := validateTime("timestamp", rec.Timestamp); err != nil {
		return err
	}
	if err := validateTime("origin_timestamp", rec.OriginTimestamp); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"id":         string(rec.ID),
		"agent_id":   rec.AgentID,
		"origin":     rec.Origin,
		"action":     rec.Action.Summary,
		"detail":     rec.Detail,
		"supersedes": string(rec.Supersedes),
	} {
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformedRecord, name)
		}
	}
	for _, tag := range rec.Tags {
		if !utf8.ValidString(tag) {
			return fmt.Errorf("%w: tag %q is not valid UTF-8", ErrMalformedRecord, tag)
		}
	}
	if err := validateContext("context", rec.Context); err != nil {
		return err
	}
	if err := validateContext("action params", rec.Action.Params); err != nil {
		return err
	}
	if !finite(rec.ConfidenceWeight) || rec.ConfidenceWeight < 0 || rec.ConfidenceWeight > 1 {
		return fmt.Errorf("%w: confidence_weight %v outside [0,1]", ErrMalformedRecord, rec.ConfidenceWeight)
	}
	return nil
}

func validateContext(name string, c Context) error {
	for k, v := range c {
		if k == "" {
			return fmt.Errorf("%w: %s has an empty key", ErrMalformedRecord, name)
		}
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w: %s key %q is not valid UTF-8", ErrMalformedRecord, name, k)
		}
		if !v.Valid() {
			return fmt.Errorf("%w: %s value for %q is not a finite number or UTF-8 string", ErrMalformedRecord, name, k)
		}
	}
	return nil
}

// Timestamps are indexed as unix nanoseconds, which only cover 1678 to 2262.
var (
	minTime = time.Unix(0, math.MinInt64)
	maxTime = time.Unix(0, math.MaxInt64)
)

func validateTime(name string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	if t.Before(minTime) || t.After(maxTime) {
		return fmt.Errorf("%w: %s %s outside the supported range", ErrMalformedRecord, name, t.Format(time.RFC3339))
	}
	return nil
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// ContentHash digests the context, action and outcome of rec. Two records
// describing the same experience hash identically regardless of id, owner or
// time.
func ContentHash(rec ExperienceRecord) string {
	rec = rec.Normalize()
	content := struct {
		Context Context `json:"context,omitempty"`
		Action  Action  `json:"action"`
		Outcome Outcome `json:"outcome"`
	}{rec.Context, rec.Action, rec.Outcome}
	b, err := json.Marshal(content)
	if err != nil {
		// Only non-finite floats fail to marshal; fall back to the text form
		// so the hash is still stable.
		b = []byte(rec.Context.Text() + "|" + rec.Action.Summary + "|" + rec.Action.Params.Text() + "|" + string(rec.Outcome))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Key identifies an experience for deduplication.
type Key struct {
	AgentID   string
	Timestamp int64 // unix nanoseconds
	Hash      string
}

// DedupKey is the import deduplication key: owner, time of occurrence and
// content.
func (r ExperienceRecord) DedupKey() Key {
	return Key{AgentID: r.AgentID, Timestamp: r.OccurredAt().UnixNano(), Hash: ContentHash(r)}
}

// ProvenanceKey is like DedupKey but keyed on the originating agent, so a
// record and its imported copies collapse to one key.
func (r ExperienceRecord) ProvenanceKey() Key {
	return Key{AgentID: r.Provenance(), Timestamp: r.OccurredAt().UnixNano(), Hash: ContentHash(r)}
}
