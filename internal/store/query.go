package store

import "sort"

// WhereOp is a query predicate operator.
type WhereOp string

const (
	// Eq matches records whose field equals the value.
	Eq WhereOp = "=="
	// ArrayContains matches records whose array field contains the value.
	ArrayContains WhereOp = "array-contains"
)

// Where is a single query predicate. Field may be a dotted path.
type Where struct {
	Field string
	Op    WhereOp
	Value any
}

// Order describes a sort key for query results.
type Order struct {
	Field string
	Desc  bool
}

// Query selects records in one collection. All predicates must match.
type Query struct {
	Collection string
	Wheres     []Where
	OrderBy    []Order
}

func (w Where) matches(f Fields) bool {
	v, ok := lookupPath(f, w.Field)
	if !ok {
		return false
	}
	switch w.Op {
	case Eq:
		return valuesEqual(v, w.Value)
	case ArrayContains:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range arr {
			if valuesEqual(e, w.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (q Query) matches(f Fields) bool {
	for _, w := range q.Wheres {
		if !w.matches(f) {
			return false
		}
	}
	return true
}

// sortRecords orders results by the query's sort keys, with id as the
// final tiebreak so result order is deterministic.
func (q Query) sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		for _, o := range q.OrderBy {
			vi := sortValue(recs[i], o.Field)
			vj := sortValue(recs[j], o.Field)
			c := compareValues(vi, vj)
			if c != 0 {
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return recs[i].ID < recs[j].ID
	})
}

// sortValue resolves a sort key, falling back to the store-assigned
// write times when the record carries no field of that name.
func sortValue(rec Record, field string) any {
	if v, ok := lookupPath(rec.Fields, field); ok {
		return v
	}
	switch field {
	case "createdAt":
		return int64(rec.CreatedAt)
	case "updatedAt":
		return int64(rec.UpdatedAt)
	}
	return nil
}

func compareValues(a, b any) int {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
	}
	return 0
}
