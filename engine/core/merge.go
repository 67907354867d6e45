package core

import (
	"fmt"

	"dario.cat/mergo"
)

// DeepMerge merges src over dst following the engine merge rule: two mappings
// are merged recursively with src winning on overlapping fields, two
// sequences of equal length are merged element by element, anything else is
// replaced by src. Neither argument is modified.
func DeepMerge(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		d, ok := dst.(map[string]any)
		if !ok {
			return CloneValue(s)
		}
		out := CloneMap(d)
		for k, v := range s {
			existing, ok := out[k]
			if !ok {
				out[k] = CloneValue(v)
				continue
			}
			out[k] = DeepMerge(existing, v)
		}
		return out
	case []any:
		d, ok := dst.([]any)
		if !ok || len(d) != len(s) {
			return CloneValue(s)
		}
		out := make([]any, len(s))
		for i := range s {
			out[i] = DeepMerge(d[i], s[i])
		}
		return out
	default:
		return CloneValue(src)
	}
}

// MergeAll folds DeepMerge over values from left to right.
func MergeAll(values []any) any {
	var acc any = map[string]any{}
	for _, v := range values {
		if v == nil {
			continue
		}
		acc = DeepMerge(acc, v)
	}
	return acc
}

// Extend merges ext over m in place. Nested mappings are merged, any other
// value present in ext replaces the one in m.
func Extend(m map[string]any, ext map[string]any) error {
	if len(ext) == 0 {
		return nil
	}
	if m == nil {
		return fmt.Errorf("extend: destination mapping is nil")
	}
	return mergo.Merge(&m, CloneMap(ext), mergo.WithOverride)
}
