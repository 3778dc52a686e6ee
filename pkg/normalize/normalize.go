// Package normalize undoes the catalog's habit of returning scalar fields as
// collections. Duplicate-insert retries in the model catalog turn a field such
// as has_data_type into ["float"] (or, unresolved, ["float", "float"]).
package normalize

import "reflect"

// Value collapses a single-element collection to its element.
//
// An empty collection becomes nil and a collection with more than one element
// is returned unchanged, so callers can still inspect its length. Anything that
// is not a slice or array is returned as-is.
func Value(v any) any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		return collapse(len(vv), func(i int) any { return vv[i] }, v)
	case []string:
		return collapse(len(vv), func(i int) any { return vv[i] }, v)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		return collapse(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, v)
	case reflect.Array:
		return collapse(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, v)
	default:
		return v
	}
}

func collapse(n int, at func(int) any, orig any) any {
	switch n {
	case 0:
		return nil
	case 1:
		return at(0)
	default:
		return orig
	}
}

// FirstString returns the first string found in v, which may be a string or a
// collection of strings. It is used for descriptive fields (label,
// description) where a duplicated value carries no extra information.
func FirstString(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case []string:
		if len(vv) > 0 {
			return vv[0]
		}
	case []any:
		for _, item := range vv {
			if s, ok := item.(string); ok {
				return s
			}
		}
	}
	return ""
}
