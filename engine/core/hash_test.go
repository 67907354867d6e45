package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableJSONBytes(t *testing.T) {
	t.Run("Should sort mapping keys recursively", func(t *testing.T) {
		a := map[string]any{"b": 2, "a": map[string]any{"z": 1, "y": []any{"q", 1}}}
		assert.Equal(t, `{"a":{"y":["q",1],"z":1},"b":2}`, string(StableJSONBytes(a)))
	})
	t.Run("Should produce equal output for typed and untyped maps", func(t *testing.T) {
		typed := map[string]string{"b": "2", "a": "1"}
		untyped := map[string]any{"a": "1", "b": "2"}
		assert.Equal(t, StableJSONBytes(untyped), StableJSONBytes(typed))
	})
	t.Run("Should preserve sequence order", func(t *testing.T) {
		assert.NotEqual(t, StableJSONBytes([]any{1, 2}), StableJSONBytes([]any{2, 1}))
	})
}

func TestETagFromAny(t *testing.T) {
	t.Run("Should be stable across insertion order", func(t *testing.T) {
		a := map[string]int{"x": 1, "y": 2}
		b := map[string]int{"y": 2, "x": 1}
		assert.Equal(t, ETagFromAny(a), ETagFromAny(b))
	})
	t.Run("Should differ for different values", func(t *testing.T) {
		assert.NotEqual(t, ETagFromAny(map[string]any{"x": 1}), ETagFromAny(map[string]any{"x": 2}))
	})
}
