package qdrant

import (
	"fmt"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// pointToProto converts a Point for upsert. IDs are UUIDs.
func pointToProto(p *Point) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payloadToProto(p.Payload),
	}
}

func payloadToProto(payload map[string]any) map[string]*qdrant.Value {
	if payload == nil {
		return nil
	}
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		out[k] = valueToProto(v)
	}
	return out
}

// valueToProto converts one payload value. Unhandled types degrade to
// their string form rather than failing the upsert.
func valueToProto(v any) *qdrant.Value {
	switch val := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{NullValue: qdrant.NullValue_NULL_VALUE}}
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(val)}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case time.Time:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val.UTC().Format(time.RFC3339)}}
	case []string:
		items := make([]*qdrant.Value, len(val))
		for i, s := range val {
			items[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: items}}}
	case []any:
		items := make([]*qdrant.Value, len(val))
		for i, item := range val {
			items[i] = valueToProto(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: items}}}
	case map[string]any:
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: payloadToProto(val)}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

// filterToProto converts a Filter. Nil and empty filters become nil so
// the query runs unfiltered.
func filterToProto(f *Filter) *qdrant.Filter {
	if f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0) {
		return nil
	}
	out := &qdrant.Filter{}
	for _, cond := range f.Must {
		out.Must = append(out.Must, conditionToProto(cond))
	}
	for _, cond := range f.Should {
		out.Should = append(out.Should, conditionToProto(cond))
	}
	for _, cond := range f.MustNot {
		out.MustNot = append(out.MustNot, conditionToProto(cond))
	}
	return out
}

func conditionToProto(c Condition) *qdrant.Condition {
	if c.IsEmpty {
		return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_IsEmpty{
			IsEmpty: &qdrant.IsEmptyCondition{Key: c.Field},
		}}
	}

	field := &qdrant.FieldCondition{Key: c.Field}
	switch {
	case len(c.MatchAny) > 0:
		field.Match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
			Keywords: &qdrant.RepeatedStrings{Strings: c.MatchAny},
		}}
	case c.Match != nil:
		field.Match = matchToProto(c.Match)
	}
	if c.Range != nil {
		field.Range = rangeToProto(c.Range)
	}
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: field}}
}

// matchToProto builds an equality match, keyword-typed unless the value
// is an integer or bool.
func matchToProto(v any) *qdrant.Match {
	switch val := v.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: val}}
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: val}}
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(val)}}
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: val}}
	default:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", val)}}
	}
}

func rangeToProto(r *RangeCondition) *qdrant.Range {
	if r == nil {
		return nil
	}
	return &qdrant.Range{Gte: r.Gte, Lte: r.Lte, Gt: r.Gt, Lt: r.Lt}
}

// payloadFromProto converts a stored payload back to plain Go values.
func payloadFromProto(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueFromProto(v)
	}
	return out
}

func valueFromProto(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		items := make([]any, len(values))
		for i, item := range values {
			items[i] = valueFromProto(item)
		}
		return items
	case *qdrant.Value_StructValue:
		return payloadFromProto(kind.StructValue.GetFields())
	case *qdrant.Value_NullValue:
		return nil
	default:
		return fmt.Sprintf("%v", v)
	}
}

// pointIDString renders a point ID, UUID or numeric.
func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}
