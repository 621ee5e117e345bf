package wizard

import (
	"fmt"
	"maps"
	"strings"
)

// Fields is the data of a definition-driven wizard: field name to JSON
// value, accumulated across all steps.
type Fields map[string]any

// NewFields returns empty wizard data.
func NewFields() Fields {
	return Fields{}
}

// Clone returns a deep copy of f. A nil Fields clones to an empty one.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Merge applies a JSON merge patch: a null value removes the key, an object
// merges into an existing object, anything else replaces the value.
func (f *Fields) Merge(patch map[string]any) {
	if *f == nil {
		*f = Fields{}
	}
	mergeInto(*f, patch)
}

func mergeInto(dst map[string]any, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if pv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				merged := maps.Clone(dv)
				mergeInto(merged, pv)
				dst[k] = merged
				continue
			}
			obj := map[string]any{}
			mergeInto(obj, pv)
			dst[k] = obj
			continue
		}
		dst[k] = cloneValue(v)
	}
}

// String returns the value of key as text. Absent and null values are
// empty; non-string values are formatted.
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Present reports whether key holds a non-empty value.
func (f Fields) Present(key string) bool {
	switch v := f[key].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
