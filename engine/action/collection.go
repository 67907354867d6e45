package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/compozy/flow/engine/core"
)

type collectionOp func(in any, args []any) (any, error)

var collectionOps = map[string]collectionOp{
	"get":      opGet,
	"pick":     opPick,
	"omit":     opOmit,
	"filter":   opFilter(false),
	"reject":   opFilter(true),
	"find":     opFind,
	"map":      opMap,
	"keys":     opKeys,
	"values":   opValues,
	"size":     opSize,
	"first":    opFirst,
	"head":     opFirst,
	"last":     opLast,
	"reverse":  opReverse,
	"uniq":     opUniq,
	"compact":  opCompact,
	"flatten":  opFlatten,
	"padEnd":   opPad(false),
	"padStart": opPad(true),
	"toUpper":  opString(strings.ToUpper),
	"toLower":  opString(strings.ToLower),
	"trim":     opString(strings.TrimSpace),
}

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// gjson modifiers and queries are only honored through gjson itself.
func isQuery(path string) bool {
	return strings.ContainsAny(path, "#|@*?")
}

func normalizePath(path string) string {
	return strings.TrimPrefix(bracketIndex.ReplaceAllString(path, ".$1"), ".")
}

// lookup reads path from v. Plain dotted paths keep the original Go values;
// gjson queries such as "items.#.name" run against the JSON form of v.
func lookup(v any, path string) (any, bool) {
	path = normalizePath(path)
	if !isQuery(path) {
		return core.LookupPath(v, path)
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return fromJSON(res.Value()), true
}

// fromJSON turns integral float64 values back into ints.
func fromJSON(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int(t)) {
			return int(t)
		}
		return t
	case map[string]any:
		for k, vv := range t {
			t[k] = fromJSON(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = fromJSON(vv)
		}
		return t
	default:
		return v
	}
}

func setPath(doc any, path string, value any) (any, error) {
	parts := strings.Split(normalizePath(path), ".")
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, core.InvalidMessage("select %q needs a mapping input, got %T", path, doc)
	}
	current := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return root, nil
}

func stringArg(args []any, i int, op string) (string, error) {
	if i >= len(args) {
		return "", core.InvalidMessage("%s needs argument %d", op, i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", core.InvalidMessage("%s argument %d must be a string, got %T", op, i+1, args[i])
	}
	return s, nil
}

func listOf(in any, op string) ([]any, error) {
	switch t := in.(type) {
	case []any:
		return t, nil
	case map[string]any:
		keys := sortedKeys(t)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = t[k]
		}
		return out, nil
	default:
		return nil, core.InvalidMessage("%s needs a collection, got %T", op, in)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func opGet(in any, args []any) (any, error) {
	path, err := stringArg(args, 0, "get")
	if err != nil {
		return nil, err
	}
	v, ok := lookup(in, path)
	if !ok && len(args) > 1 {
		return args[1], nil
	}
	return v, nil
}

func opPick(in any, args []any) (any, error) {
	m, ok := in.(map[string]any)
	if !ok {
		return nil, core.InvalidMessage("pick needs a mapping, got %T", in)
	}
	out := make(map[string]any)
	for _, a := range flattenArgs(args) {
		path, ok := a.(string)
		if !ok {
			continue
		}
		if v, found := lookup(m, path); found {
			if _, err := setPath(out, path, v); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func opOmit(in any, args []any) (any, error) {
	m, ok := in.(map[string]any)
	if !ok {
		return nil, core.InvalidMessage("omit needs a mapping, got %T", in)
	}
	for _, a := range flattenArgs(args) {
		if key, ok := a.(string); ok {
			delete(m, key)
		}
	}
	return m, nil
}

func flattenArgs(args []any) []any {
	var out []any
	for _, a := range args {
		if list, ok := a.([]any); ok {
			out = append(out, list...)
			continue
		}
		out = append(out, a)
	}
	return out
}

// predicate follows the usual iteratee shorthands: a path tests truthiness,
// a mapping tests a partial deep match and a [path, value] pair tests one
// property.
func predicate(args []any) (func(any) bool, error) {
	if len(args) == 0 {
		return core.Truthy, nil
	}
	switch t := args[0].(type) {
	case string:
		if len(args) > 1 {
			want := args[1]
			return func(item any) bool {
				v, _ := lookup(item, t)
				return sameValue(v, want)
			}, nil
		}
		return func(item any) bool { return pathTruthy(item, t) }, nil
	case map[string]any:
		return func(item any) bool { return isMatch(item, t) }, nil
	case []any:
		if len(t) == 2 {
			path, ok := t[0].(string)
			if ok {
				return func(item any) bool {
					v, _ := lookup(item, path)
					return sameValue(v, t[1])
				}, nil
			}
		}
	}
	return nil, core.InvalidMessage("unsupported predicate %T", args[0])
}

func pathTruthy(item any, path string) bool {
	doc, err := json.Marshal(item)
	if err != nil {
		return false
	}
	res := gjson.GetBytes(doc, normalizePath(path))
	switch res.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return res.Num != 0
	case gjson.String:
		return res.Str != ""
	default:
		return res.Exists()
	}
}

func isMatch(item any, pattern map[string]any) bool {
	m, ok := item.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range pattern {
		got, ok := m[k]
		if !ok {
			return false
		}
		if sub, isMap := want.(map[string]any); isMap {
			if !isMatch(got, sub) {
				return false
			}
			continue
		}
		if !sameValue(got, want) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	return bytes.Equal(core.StableJSONBytes(a), core.StableJSONBytes(b))
}

func opFilter(negate bool) collectionOp {
	return func(in any, args []any) (any, error) {
		list, err := listOf(in, "filter")
		if err != nil {
			return nil, err
		}
		keep, err := predicate(args)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			if keep(item) != negate {
				out = append(out, item)
			}
		}
		return out, nil
	}
}

func opFind(in any, args []any) (any, error) {
	list, err := listOf(in, "find")
	if err != nil {
		return nil, err
	}
	match, err := predicate(args)
	if err != nil {
		return nil, err
	}
	for _, item := range list {
		if match(item) {
			return item, nil
		}
	}
	return nil, nil
}

func opMap(in any, args []any) (any, error) {
	list, err := listOf(in, "map")
	if err != nil {
		return nil, err
	}
	path, err := stringArg(args, 0, "map")
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[i], _ = lookup(item, path)
	}
	return out, nil
}

func opKeys(in any, _ []any) (any, error) {
	m, ok := in.(map[string]any)
	if !ok {
		return nil, core.InvalidMessage("keys needs a mapping, got %T", in)
	}
	keys := sortedKeys(m)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func opValues(in any, _ []any) (any, error) {
	return listOf(in, "values")
}

func opSize(in any, _ []any) (any, error) {
	switch t := in.(type) {
	case []any:
		return len(t), nil
	case map[string]any:
		return len(t), nil
	case string:
		return utf8.RuneCountInString(t), nil
	default:
		return 0, nil
	}
}

func opFirst(in any, _ []any) (any, error) {
	list, err := listOf(in, "first")
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func opLast(in any, _ []any) (any, error) {
	list, err := listOf(in, "last")
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[len(list)-1], nil
}

func opReverse(in any, _ []any) (any, error) {
	list, err := listOf(in, "reverse")
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[len(list)-1-i] = item
	}
	return out, nil
}

func opUniq(in any, _ []any) (any, error) {
	list, err := listOf(in, "uniq")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]any, 0, len(list))
	for _, item := range list {
		key := string(core.StableJSONBytes(item))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}

func opCompact(in any, _ []any) (any, error) {
	list, err := listOf(in, "compact")
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if core.Truthy(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func opFlatten(in any, _ []any) (any, error) {
	list, err := listOf(in, "flatten")
	if err != nil {
		return nil, err
	}
	return flattenArgs(list), nil
}

func opPad(start bool) collectionOp {
	return func(in any, args []any) (any, error) {
		s := fmt.Sprint(in)
		if in == nil {
			s = ""
		}
		if len(args) == 0 {
			return s, nil
		}
		width, ok := core.ParseAnyInt(args[0])
		if !ok {
			return nil, core.InvalidMessage("pad length must be an integer, got %T", args[0])
		}
		fill := " "
		if len(args) > 1 {
			if f, ok := args[1].(string); ok && f != "" {
				fill = f
			}
		}
		missing := width - utf8.RuneCountInString(s)
		if missing <= 0 {
			return s, nil
		}
		pad := []rune(strings.Repeat(fill, missing/utf8.RuneCountInString(fill)+1))[:missing]
		if start {
			return string(pad) + s, nil
		}
		return s + string(pad), nil
	}
}

func opString(fn func(string) string) collectionOp {
	return func(in any, _ []any) (any, error) {
		s, ok := in.(string)
		if !ok {
			return nil, core.InvalidMessage("string operation needs a string, got %T", in)
		}
		return fn(s), nil
	}
}
