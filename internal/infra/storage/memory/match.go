package memory

import (
	"reflect"
	"strings"

	"chatsync/internal/app/docstore"
)

func matchesAll(data map[string]any, filters []docstore.Filter) bool {
	for _, f := range filters {
		if !matches(data, f) {
			return false
		}
	}
	return true
}

func matches(data map[string]any, f docstore.Filter) bool {
	got := lookup(data, f.Field)
	want := docstore.Normalize(f.Value)
	switch f.Op {
	case docstore.OpEqual:
		return compareValues(got, want) == 0 && got != nil
	case docstore.OpArrayContains:
		arr, ok := got.([]any)
		return ok && containsValue(arr, want)
	case docstore.OpLess, docstore.OpLessEqual, docstore.OpGreater, docstore.OpGreaterEqual:
		if got == nil || typeRank(got) != typeRank(want) {
			return false
		}
		c := compareValues(got, want)
		switch f.Op {
		case docstore.OpLess:
			return c < 0
		case docstore.OpLessEqual:
			return c <= 0
		case docstore.OpGreater:
			return c > 0
		default:
			return c >= 0
		}
	}
	return false
}

// lookup resolves a dotted field path.
func lookup(data map[string]any, path string) any {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// typeRank orders values of different types: null < bool < number < string < other.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case int64, float64:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	return -1
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
