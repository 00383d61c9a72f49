package qdrant

import (
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrFloat64(v float64) *float64 {
	return &v
}

func TestPointToProto(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	p := &Point{
		ID:     "550e8400-e29b-41d4-a716-446655440000",
		Vector: []float32{0.1, 0.2, 0.3},
		Payload: map[string]any{
			"title":       "Install guide",
			"chunk_index": 2,
			"file_size":   int64(4096),
			"score":       0.87,
			"is_deleted":  false,
			"updated_at":  ts,
			"tags":        []string{"docs", "setup"},
			"parent":      nil,
			"odd":         struct{ X string }{X: "val"},
		},
	}

	qp := pointToProto(p)
	require.NotNil(t, qp)
	assert.Equal(t, p.ID, qp.Id.GetUuid())
	assert.NotNil(t, qp.Vectors)
	assert.Len(t, qp.Payload, 9)

	assert.Equal(t, "Install guide", qp.Payload["title"].GetStringValue())
	assert.Equal(t, int64(2), qp.Payload["chunk_index"].GetIntegerValue())
	assert.Equal(t, int64(4096), qp.Payload["file_size"].GetIntegerValue())
	assert.Equal(t, 0.87, qp.Payload["score"].GetDoubleValue())
	assert.Equal(t, false, qp.Payload["is_deleted"].GetBoolValue())
	assert.Equal(t, "2025-03-14T09:26:53Z", qp.Payload["updated_at"].GetStringValue())

	list := qp.Payload["tags"].GetListValue().GetValues()
	require.Len(t, list, 2)
	assert.Equal(t, "docs", list[0].GetStringValue())
	assert.Equal(t, "setup", list[1].GetStringValue())

	_, isNull := qp.Payload["parent"].GetKind().(*qdrant.Value_NullValue)
	assert.True(t, isNull)

	assert.Contains(t, qp.Payload["odd"].GetStringValue(), "val")
}

func TestFilterToProto(t *testing.T) {
	tests := []struct {
		name   string
		filter *Filter
		check  func(t *testing.T, qf *qdrant.Filter)
	}{
		{
			name:   "nil filter",
			filter: nil,
			check: func(t *testing.T, qf *qdrant.Filter) {
				assert.Nil(t, qf)
			},
		},
		{
			name:   "empty filter",
			filter: &Filter{},
			check: func(t *testing.T, qf *qdrant.Filter) {
				assert.Nil(t, qf)
			},
		},
		{
			name: "must equality and range",
			filter: &Filter{
				Must: []Condition{
					Eq("project_id", "docs"),
					{Field: "file_size", Range: &RangeCondition{Gte: ptrFloat64(1024), Lte: ptrFloat64(8192)}},
				},
			},
			check: func(t *testing.T, qf *qdrant.Filter) {
				require.NotNil(t, qf)
				require.Len(t, qf.Must, 2)

				eq := qf.Must[0].GetField()
				require.NotNil(t, eq)
				assert.Equal(t, "project_id", eq.Key)
				assert.Equal(t, "docs", eq.Match.GetKeyword())

				rng := qf.Must[1].GetField()
				require.NotNil(t, rng)
				assert.Equal(t, "file_size", rng.Key)
				require.NotNil(t, rng.Range)
				assert.Equal(t, 1024.0, *rng.Range.Gte)
				assert.Equal(t, 8192.0, *rng.Range.Lte)
			},
		},
		{
			name: "keyword list",
			filter: &Filter{
				Must: []Condition{In("source_type", "confluence", "jira")},
			},
			check: func(t *testing.T, qf *qdrant.Filter) {
				require.Len(t, qf.Must, 1)
				kw := qf.Must[0].GetField().Match.GetKeywords()
				require.NotNil(t, kw)
				assert.Equal(t, []string{"confluence", "jira"}, kw.Strings)
			},
		},
		{
			name: "must not empty requires a value",
			filter: &Filter{
				MustNot: []Condition{Empty("attachment_of")},
			},
			check: func(t *testing.T, qf *qdrant.Filter) {
				require.Len(t, qf.MustNot, 1)
				isEmpty := qf.MustNot[0].GetIsEmpty()
				require.NotNil(t, isEmpty)
				assert.Equal(t, "attachment_of", isEmpty.Key)
			},
		},
		{
			name: "typed equality matches",
			filter: &Filter{
				Must: []Condition{
					Eq("chunk_index", 3),
					Eq("is_deleted", false),
				},
			},
			check: func(t *testing.T, qf *qdrant.Filter) {
				require.Len(t, qf.Must, 2)
				assert.Equal(t, int64(3), qf.Must[0].GetField().Match.GetInteger())
				assert.Equal(t, false, qf.Must[1].GetField().Match.GetBoolean())
			},
		},
		{
			name: "should conditions pass through",
			filter: &Filter{
				Should: []Condition{Eq("source_name", "handbook")},
			},
			check: func(t *testing.T, qf *qdrant.Filter) {
				require.Len(t, qf.Should, 1)
				assert.Equal(t, "handbook", qf.Should[0].GetField().Match.GetKeyword())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, filterToProto(tt.filter))
		})
	}
}

func TestRangeToProto(t *testing.T) {
	assert.Nil(t, rangeToProto(nil))

	full := rangeToProto(&RangeCondition{
		Gte: ptrFloat64(0.5),
		Lte: ptrFloat64(1.0),
		Gt:  ptrFloat64(0.4),
		Lt:  ptrFloat64(1.1),
	})
	assert.Equal(t, &qdrant.Range{
		Gte: ptrFloat64(0.5),
		Lte: ptrFloat64(1.0),
		Gt:  ptrFloat64(0.4),
		Lt:  ptrFloat64(1.1),
	}, full)

	partial := rangeToProto(&RangeCondition{Gte: ptrFloat64(2)})
	assert.Equal(t, &qdrant.Range{Gte: ptrFloat64(2)}, partial)
}

func TestPayloadFromProto(t *testing.T) {
	assert.Nil(t, payloadFromProto(nil))

	payload := map[string]*qdrant.Value{
		"title": {Kind: &qdrant.Value_StringValue{StringValue: "Setup"}},
		"index": {Kind: &qdrant.Value_IntegerValue{IntegerValue: 4}},
		"score": {Kind: &qdrant.Value_DoubleValue{DoubleValue: 0.42}},
		"flag":  {Kind: &qdrant.Value_BoolValue{BoolValue: true}},
		"gone":  {Kind: &qdrant.Value_NullValue{NullValue: qdrant.NullValue_NULL_VALUE}},
		"ancestors": {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: []*qdrant.Value{
			{Kind: &qdrant.Value_StringValue{StringValue: "Home"}},
			{Kind: &qdrant.Value_StringValue{StringValue: "Guides"}},
		}}}},
	}

	got := payloadFromProto(payload)
	assert.Equal(t, map[string]any{
		"title":     "Setup",
		"index":     int64(4),
		"score":     0.42,
		"flag":      true,
		"gone":      nil,
		"ancestors": []any{"Home", "Guides"},
	}, got)
}

func TestValueRoundTrip(t *testing.T) {
	in := map[string]any{
		"title":     "Install",
		"index":     int64(1),
		"score":     0.5,
		"flag":      true,
		"ancestors": []any{"Home", "Guides"},
	}
	assert.Equal(t, in, payloadFromProto(payloadToProto(in)))
}

func TestPointIDString(t *testing.T) {
	tests := []struct {
		name string
		id   *qdrant.PointId
		want string
	}{
		{name: "nil id", id: nil, want: ""},
		{name: "uuid id", id: qdrant.NewIDUUID("550e8400-e29b-41d4-a716-446655440000"), want: "550e8400-e29b-41d4-a716-446655440000"},
		{name: "numeric id", id: qdrant.NewIDNum(12345), want: "12345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pointIDString(tt.id))
		})
	}
}
