package vector

import "time"

// Condition is one clause of a payload filter. Exactly one of the value
// fields is set, per Op.
type Condition struct {
	Op    Op
	Field string

	// Match value for OpMatch.
	Value any

	// Range bounds for OpRange. Nil bounds are open.
	LT  *float64
	LTE *float64
	GT  *float64
	GTE *float64
}

// Op tags the condition variant.
type Op string

const (
	OpMatch  Op = "match"
	OpIsNull Op = "is_null"
	OpRange  Op = "range"
)

// Filter combines required and optional clauses. Must clauses all apply;
// Should clauses are OR-ed; each MustAny group is an OR group that must
// hold, with the groups AND-ed together.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustAny [][]Condition
}

// Match requires field == value.
func Match(field string, value any) Condition {
	return Condition{Op: OpMatch, Field: field, Value: value}
}

// IsNull requires the field to be absent or null.
func IsNull(field string) Condition {
	return Condition{Op: OpIsNull, Field: field}
}

// RangeLTE requires field <= bound.
func RangeLTE(field string, bound float64) Condition {
	return Condition{Op: OpRange, Field: field, LTE: &bound}
}

// RangeGTE requires field >= bound.
func RangeGTE(field string, bound float64) Condition {
	return Condition{Op: OpRange, Field: field, GTE: &bound}
}

// RangeGT requires field > bound.
func RangeGT(field string, bound float64) Condition {
	return Condition{Op: OpRange, Field: field, GT: &bound}
}

// NotInvalidated filters to rows never superseded.
func NotInvalidated() Condition {
	return IsNull("invalidated_by")
}

// EffectiveAt builds the validity-at-T clauses: each side of the interval
// is "null or in range", and both sides must hold.
func EffectiveAt(t time.Time) *Filter {
	ts := float64(t.UTC().Unix())
	return &Filter{
		Must: []Condition{NotInvalidated()},
		MustAny: [][]Condition{
			{IsNull("valid_from"), RangeLTE("valid_from", ts)},
			{IsNull("valid_until"), RangeGT("valid_until", ts)},
		},
	}
}

// And merges filters, concatenating clause lists. Nil inputs are skipped.
func And(filters ...*Filter) *Filter {
	out := &Filter{}
	for _, f := range filters {
		if f == nil {
			continue
		}
		out.Must = append(out.Must, f.Must...)
		out.Should = append(out.Should, f.Should...)
		out.MustAny = append(out.MustAny, f.MustAny...)
	}
	if len(out.Must) == 0 && len(out.Should) == 0 && len(out.MustAny) == 0 {
		return nil
	}
	return out
}

// ProjectFilter matches rows of one project namespace. An empty project
// id selects the global namespace (null project payload).
func ProjectFilter(projectID string) *Filter {
	if projectID == "" {
		return &Filter{Must: []Condition{IsNull("project_id")}}
	}
	return &Filter{Must: []Condition{Match("project_id", projectID)}}
}
