package retrieval

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/enufacas/Chained-sub007/internal/record"
)

// Similarity scores how well a candidate context matches a query context.
// Scores are in [0, 1].
type Similarity interface {
	Score(ctx context.Context, query, candidate record.Context) (float64, error)
}

// WeightedMatch compares contexts key by key. Only the query's keys count:
// a key the candidate lacks scores 0, extra candidate keys are ignored.
// An empty query matches everything with score 1.
//
// Per-key scores:
//   - strings: 1 on exact match, otherwise the Jaccard index of their word tokens
//   - numbers: 1 - |a-b| / max(|a|, |b|), ints and floats compare with each other
//   - bools: 1 when equal
//   - mixed kinds: 1 when their text forms are equal
type WeightedMatch struct {
	// KeyWeights overrides the weight of individual keys. Missing keys weigh 1;
	// keys with weight 0 are ignored.
	KeyWeights map[string]float64
}

var _ Similarity = WeightedMatch{}

func (m WeightedMatch) Score(_ context.Context, query, candidate record.Context) (float64, error) {
	return m.score(query, candidate), nil
}

func (m WeightedMatch) score(query, candidate record.Context) float64 {
	var total, weightSum float64
	for k, qv := range query {
		w := 1.0
		if kw, ok := m.KeyWeights[k]; ok {
			w = kw
		}
		if w <= 0 {
			continue
		}
		weightSum += w
		if cv, ok := candidate[k]; ok {
			total += w * valueSimilarity(qv, cv)
		}
	}
	if weightSum == 0 {
		return 1
	}
	return total / weightSum
}

func valueSimilarity(a, b record.Value) float64 {
	if an, ok := a.Number(); ok {
		if bn, ok := b.Number(); ok {
			return numberSimilarity(an, bn)
		}
	}
	switch {
	case a.Kind() == record.KindString && b.Kind() == record.KindString:
		return stringSimilarity(a.Str(), b.Str())
	case a.Kind() == record.KindBool && b.Kind() == record.KindBool:
		if a.BoolVal() == b.BoolVal() {
			return 1
		}
		return 0
	}
	if a.Text() == b.Text() {
		return 1
	}
	return 0
}

func numberSimilarity(a, b float64) float64 {
	if a == b {
		return 1
	}
	d := math.Abs(a - b)
	m := math.Max(math.Abs(a), math.Abs(b))
	s := 1 - d/m
	if s < 0 {
		return 0
	}
	return s
}

func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	var inter int
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// tokens splits s into lower-cased words.
func tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// TokenOverlap ignores keys and scores the Jaccard index of the word tokens
// found in all values of both contexts. It suits free-text queries that do
// not share a schema with the recorded contexts.
type TokenOverlap struct{}

var _ Similarity = TokenOverlap{}

func (TokenOverlap) Score(_ context.Context, query, candidate record.Context) (float64, error) {
	if len(query) == 0 {
		return 1, nil
	}
	tq, tc := contextTokens(query), contextTokens(candidate)
	if len(tq) == 0 || len(tc) == 0 {
		return 0, nil
	}
	var inter int
	for t := range tq {
		if _, ok := tc[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(tq)+len(tc)-inter), nil
}

func contextTokens(c record.Context) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range c {
		for t := range tokens(v.Text()) {
			out[t] = struct{}{}
		}
	}
	return out
}
