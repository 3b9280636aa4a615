// Package record defines the experience record schema shared by every layer of
// the memory store and its canonical serialized form.
package record

import (
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

// ID identifies a record inside its owning store.
type ID string

// Outcome is the result of the action an agent took.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Valid reports whether o is one of the enumerated outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// Context describes the situation an agent acted in. Values are restricted to
// scalars so that similarity between two contexts stays well defined.
type Context map[string]Value

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Text renders the context as "k=v; k=v" with keys sorted. It is the form
// handed to embedders.
func (c Context) Text() string {
	parts := make([]string, 0, len(c))
	for _, k := range c.Keys() {
		parts = append(parts, k+"="+c[k].Text())
	}
	return strings.Join(parts, "; ")
}

// Clone returns a copy of c. A nil or empty context clones to nil.
func (c Context) Clone() Context {
	if len(c) == 0 {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Equal reports whether both contexts hold the same keys and values.
func (c Context) Equal(o Context) bool {
	if len(c) != len(o) {
		return false
	}
	for k, v := range c {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Action describes what the agent did: a plain summary, structured
// parameters, or both.
type Action struct {
	Summary string  `json:"summary,omitempty"`
	Params  Context `json:"params,omitempty"`
}

// Equal reports whether two actions are identical.
func (a Action) Equal(o Action) bool {
	return a.Summary == o.Summary && a.Params.Equal(o.Params)
}

// ExperienceRecord is one remembered event of an agent.
//
// Records are immutable once appended. Corrections are new records whose
// Supersedes field points at the record they replace.
type ExperienceRecord struct {
	ID        ID
	AgentID   string
	Origin    string // provenance agent for imported records, empty when native
	Timestamp time.Time
	Context   Context
	Action    Action
	Outcome   Outcome
	Detail    string
	Tags      []string
	// OriginTimestamp is when the producing agent recorded an imported
	// experience. Timestamp is when it entered this store.
	OriginTimestamp time.Time
	// Supersedes is a weak reference: the target may live in another store or
	// not exist at all.
	Supersedes ID
	// ConfidenceWeight is derived by the statistics aggregator and is never
	// set by writers.
	ConfidenceWeight float64
}

// New builds a normalized record for agentID stamped with the current time.
func New(agentID string, ctx Context, action Action, outcome Outcome, tags ...string) ExperienceRecord {
	rec := ExperienceRecord{
		AgentID:   agentID,
		Timestamp: time.Now(),
		Context:   ctx,
		Action:    action,
		Outcome:   outcome,
		Tags:      tags,
	}
	return rec.Normalize()
}

// Supersede builds a correction of prev. The new record belongs to the same
// agent, carries prev's tags unless others are given, and references prev.
func Supersede(prev ExperienceRecord, ctx Context, action Action, outcome Outcome, tags ...string) ExperienceRecord {
	if len(tags) == 0 {
		tags = slices.Clone(prev.Tags)
	}
	rec := New(prev.AgentID, ctx, action, outcome, tags...)
	rec.Origin = prev.Origin
	rec.Supersedes = prev.ID
	return rec
}

// Provenance returns the agent that originally produced the record.
func (r ExperienceRecord) Provenance() string {
	if r.Origin != "" {
		return r.Origin
	}
	return r.AgentID
}

// OccurredAt returns when the experience happened: the producer's time for
// imported records, Timestamp otherwise.
func (r ExperienceRecord) OccurredAt() time.Time {
	if !r.OriginTimestamp.IsZero() {
		return r.OriginTimestamp
	}
	return r.Timestamp
}

// HasTag reports whether the record carries tag.
func (r ExperienceRecord) HasTag(tag string) bool {
	_, found := slices.BinarySearch(r.Tags, tag)
	return found
}

// Normalize returns a copy of r in canonical form: UTC timestamp without a
// monotonic clock reading, sorted unique tags and nil empty maps.
func (r ExperienceRecord) Normalize() ExperienceRecord {
	out := r
	if !out.Timestamp.IsZero() {
		out.Timestamp = out.Timestamp.UTC().Round(0)
	}
	if !out.OriginTimestamp.IsZero() {
		out.OriginTimestamp = out.OriginTimestamp.UTC().Round(0)
	}
	out.Context = r.Context.Clone()
	out.Action.Params = r.Action.Params.Clone()
	out.Tags = NormalizeTags(r.Tags)
	return out
}

// Clone returns a deep copy of r.
func (r ExperienceRecord) Clone() ExperienceRecord {
	out := r
	out.Context = r.Context.Clone()
	out.Action.Params = r.Action.Params.Clone()
	out.Tags = slices.Clone(r.Tags)
	return out
}

// Equal reports whether two records are identical field by field.
func Equal(a, b ExperienceRecord) bool {
	return a.ID == b.ID &&
		a.AgentID == b.AgentID &&
		a.Origin == b.Origin &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.OriginTimestamp.Equal(b.OriginTimestamp) &&
		a.Context.Equal(b.Context) &&
		a.Action.Equal(b.Action) &&
		a.Outcome == b.Outcome &&
		a.Detail == b.Detail &&
		slices.Equal(a.Tags, b.Tags) &&
		a.Supersedes == b.Supersedes &&
		a.ConfidenceWeight == b.ConfidenceWeight
}

// NormalizeTags trims, sorts and deduplicates tags the way stored records
// carry them. Blank tags are dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
