package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
)

// WriteStableJSON writes a canonical JSON-like representation of v into b.
// Mapping keys are sorted recursively; sequence order is preserved.
func WriteStableJSON(b *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		writeSortedMap(b, len(t), func(yield func(string, any)) {
			for k, vv := range t {
				yield(k, vv)
			}
		})
	case []any:
		writeSlice(b, len(t), func(i int) any { return t[i] })
	case string, float64, float32, int, int64, int32, uint, uint64, bool, nil, json.Number:
		writeScalar(b, t)
	default:
		rv := reflect.ValueOf(v)
		switch {
		case !rv.IsValid():
			b.WriteString("null")
		case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
			writeSortedMap(b, rv.Len(), func(yield func(string, any)) {
				iter := rv.MapRange()
				for iter.Next() {
					yield(iter.Key().String(), iter.Value().Interface())
				}
			})
		case rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array:
			writeSlice(b, rv.Len(), func(i int) any { return rv.Index(i).Interface() })
		default:
			writeScalar(b, v)
		}
	}
}

func writeScalar(b *bytes.Buffer, v any) {
	bs, err := json.Marshal(v)
	if err != nil {
		b.WriteString("null")
		return
	}
	b.Write(bs)
}

func writeSortedMap(b *bytes.Buffer, n int, each func(yield func(string, any))) {
	keys := make([]string, 0, n)
	values := make(map[string]any, n)
	each(func(k string, v any) {
		keys = append(keys, k)
		values[k] = v
	})
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeScalar(b, k)
		b.WriteByte(':')
		WriteStableJSON(b, values[k])
	}
	b.WriteByte('}')
}

func writeSlice(b *bytes.Buffer, n int, at func(int) any) {
	b.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		WriteStableJSON(b, at(i))
	}
	b.WriteByte(']')
}

// StableJSONBytes returns the canonical bytes for v.
func StableJSONBytes(v any) []byte {
	var b bytes.Buffer
	WriteStableJSON(&b, v)
	return b.Bytes()
}

// ETagFromAny returns a deterministic SHA-256 hex digest of the canonical form of v.
func ETagFromAny(v any) string {
	sum := sha256.Sum256(StableJSONBytes(v))
	return hex.EncodeToString(sum[:])
}
