package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopy returns a deep copy of v, preserving its static type.
func DeepCopy[T any](v T) (T, error) {
	var zero T
	copied := deepcopy.Copy(v)
	if copied == nil {
		return zero, nil
	}
	result, ok := copied.(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast copied value to type %T", zero)
	}
	return result, nil
}

// CloneValue deep copies a JSON-like value. Values deepcopy cannot
// reconstruct are returned as-is.
func CloneValue(v any) any {
	if v == nil {
		return nil
	}
	return deepcopy.Copy(v)
}

// CloneMap deep copies m. A nil map yields an empty, non-nil map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	copied, err := DeepCopy(m)
	if err != nil || copied == nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = CloneValue(v)
		}
		return out
	}
	return copied
}
