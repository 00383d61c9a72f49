// Package qdrant is the vector store boundary: one collection holding
// every project's chunks, addressed by deterministic point IDs so
// re-ingesting a document overwrites its points in place.
//
// All operations go over gRPC through the official go-client. Transient
// status codes retry with exponential backoff; errors that escape carry
// an errkind classification.
package qdrant

// MaxSearchLimit caps the number of hits a single query may request.
const MaxSearchLimit = 100

// Point is one chunk ready for upsert: a deterministic UUID, its
// embedding, and the flattened payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit. Vectors are never returned.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Filter narrows searches, scrolls, counts, and deletes. Conditions
// under Must all hold, Should contributes to scoring, MustNot excludes.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// Condition matches one payload field. Exactly one of Match, MatchAny,
// or IsEmpty applies; Range may combine with none of them or stand
// alone.
type Condition struct {
	Field string

	// Match is an equality test on a keyword, integer, or bool.
	Match any

	// MatchAny matches any of the listed keywords.
	MatchAny []string

	// IsEmpty matches points where the field is absent, null, or an
	// empty list. Place it under MustNot to require a value.
	IsEmpty bool

	Range *RangeCondition
}

// RangeCondition bounds a numeric field. Nil bounds are open.
type RangeCondition struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}

// Eq builds an equality condition on field.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Match: value}
}

// In builds a keyword list condition on field.
func In(field string, values ...string) Condition {
	return Condition{Field: field, MatchAny: values}
}

// Empty builds an is-empty condition on field.
func Empty(field string) Condition {
	return Condition{Field: field, IsEmpty: true}
}
