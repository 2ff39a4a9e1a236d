package store

import (
	"fmt"
	"reflect"
	"sort"
)

// FilterOp is a comparison supported by queries.
type FilterOp string

const (
	// Eq matches documents whose field equals the value.
	Eq FilterOp = "=="
	// ArrayContains matches documents whose array field holds the value.
	ArrayContains FilterOp = "array-contains"
)

// Filter is one condition of a Query.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query selects the documents of one collection that satisfy every filter.
type Query struct {
	Collection Path
	Filters    []Filter
}

// From starts a query over a collection.
func From(collection Path) Query {
	return Query{Collection: collection}
}

// Where returns a copy of q with one more filter.
func (q Query) Where(field string, op FilterOp, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Validate checks the collection path and the filter operators.
func (q Query) Validate() error {
	if !q.Collection.IsCollection() {
		return fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, q.Collection)
	}
	for _, f := range q.Filters {
		if f.Op != Eq && f.Op != ArrayContains {
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

// Covers reports whether a change to the document at path can affect the result
// of q.
func (q Query) Covers(path Path) bool {
	return path.Parent() == q.Collection
}

// Match reports whether the snapshot belongs to the query result.
func (q Query) Match(s Snapshot) bool {
	if !s.Exists || s.Path.Parent() != q.Collection {
		return false
	}
	for _, f := range q.Filters {
		v, ok := s.Fields[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case Eq:
			if !equalValues(v, f.Value) {
				return false
			}
		case ArrayContains:
			arr, ok := v.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if equalValues(el, f.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Filter returns the snapshots matching q, sorted by path.
func (q Query) Filter(snaps []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if q.Match(s) {
			out = append(out, s)
		}
	}
	SortByPath(out)
	return out
}

// SortByPath orders snapshots by path so query results are deterministic.
func SortByPath(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Path < snaps[j].Path })
}

func equalValues(a, b any) bool {
	na, err := NormalizeValue(a)
	if err != nil {
		na = a
	}
	nb, err := NormalizeValue(b)
	if err != nil {
		nb = b
	}
	return reflect.DeepEqual(na, nb)
}
