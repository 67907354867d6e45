package expr

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

const (
	// ScopeVar is the CEL name bound to the working context ($).
	ScopeVar = "ctx"
	// OutVar is bound to the latest output in exit/until predicates.
	OutVar = "out"
	// ErrVar is bound to the error message in catch predicates.
	ErrVar = "err"

	defaultCostLimit        = 1000
	defaultCacheSize        = 1000
	interruptCheckFrequency = 100
)

// Activation carries the values an expression is evaluated against.
type Activation struct {
	Scope any
	Out   any
	Err   any
}

// Evaluator compiles and runs sandboxed expressions. Compiled programs are
// cached by their rewritten source.
type Evaluator struct {
	env          *cel.Env
	costLimit    uint64
	cacheSize    int64
	programCache *ristretto.Cache[string, cel.Program]
}

type Option func(*Evaluator)

// WithCostLimit bounds the runtime cost of one evaluation.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) {
		e.costLimit = limit
	}
}

// WithCacheSize sets the maximum number of cached programs.
func WithCacheSize(size int64) Option {
	return func(e *Evaluator) {
		if size > 0 {
			e.cacheSize = size
		}
	}
}

func NewEvaluator(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{costLimit: defaultCostLimit, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(e)
	}
	env, err := cel.NewEnv(
		cel.Variable(ScopeVar, cel.DynType),
		cel.Variable(OutVar, cel.DynType),
		cel.Variable(ErrVar, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e.env = env
	cache, err := ristretto.NewCache(&ristretto.Config[string, cel.Program]{
		NumCounters: e.cacheSize * 10,
		MaxCost:     e.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	e.programCache = cache
	return e, nil
}

// Close releases the program cache.
func (e *Evaluator) Close() {
	e.programCache.Close()
}

// ValidateExpression compiles expr without running it.
func (e *Evaluator) ValidateExpression(expr string) error {
	if _, err := e.compile(Rewrite(expr)); err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	return nil
}

// Eval evaluates expr and returns its value converted to plain Go values.
func (e *Evaluator) Eval(ctx context.Context, expr string, act Activation) (any, error) {
	val, err := e.run(ctx, expr, act)
	if err != nil {
		return nil, err
	}
	return ToNative(val), nil
}

// Evaluate evaluates expr as a boolean predicate. A predicate that reads an
// absent key or index is false.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, act Activation) (bool, error) {
	val, err := e.run(ctx, expr, act)
	if err != nil {
		if IsMissing(err) {
			return false, nil
		}
		return false, err
	}
	b, ok := val.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression %q must evaluate to boolean, got %s", expr, val.Type().TypeName())
	}
	return bool(b), nil
}

func (e *Evaluator) run(ctx context.Context, expr string, act Activation) (ref.Val, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("expression evaluation aborted: %w", err)
	}
	src := Rewrite(expr)
	prg, err := e.program(src)
	if err != nil {
		return nil, err
	}
	val, _, err := prg.ContextEval(ctx, map[string]any{
		ScopeVar: normalize(act.Scope),
		OutVar:   normalize(act.Out),
		ErrVar:   act.Err,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return val, nil
}

var missingMessages = []string{"no such key", "no such attribute", "index out of bounds"}

// IsMissing reports whether err comes from reading an absent key or index.
func IsMissing(err error) bool {
	msg := err.Error()
	for _, m := range missingMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	if prg, ok := e.programCache.Get(src); ok {
		return prg, nil
	}
	prg, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	e.programCache.Set(src, prg, 1)
	return prg, nil
}

func (e *Evaluator) compile(src string) (cel.Program, error) {
	ast, iss := e.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", iss.Err())
	}
	prg, err := e.env.Program(
		ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(interruptCheckFrequency),
	)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return prg, nil
}

// maxExactInt is the largest magnitude at which every float64 integer is exact.
const maxExactInt = 1 << 53

// normalize turns whole-valued floats into ints so decoded JSON numbers mix
// with integer literals. Containers are copied only when something changes.
func normalize(v any) any {
	out, _ := normalizeValue(v)
	return out
}

func normalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) <= maxExactInt {
			return int64(t), true
		}
		return t, false
	case float32:
		return normalizeValue(float64(t))
	case map[string]any:
		var copied map[string]any
		for k, item := range t {
			n, changed := normalizeValue(item)
			if !changed {
				continue
			}
			if copied == nil {
				copied = make(map[string]any, len(t))
				maps.Copy(copied, t)
			}
			copied[k] = n
		}
		if copied == nil {
			return t, false
		}
		return copied, true
	case []any:
		var copied []any
		for i, item := range t {
			n, changed := normalizeValue(item)
			if !changed {
				continue
			}
			if copied == nil {
				copied = slices.Clone(t)
			}
			copied[i] = n
		}
		if copied == nil {
			return t, false
		}
		return copied, true
	default:
		return v, false
	}
}

// ToNative converts a CEL value into map[string]any / []any / scalar form.
// Integers come back as int.
func ToNative(v ref.Val) any {
	switch t := v.(type) {
	case nil:
		return nil
	case types.Null:
		return nil
	case types.Bool:
		return bool(t)
	case types.Int:
		return int(t)
	case types.Uint:
		return int(t)
	case types.Double:
		return float64(t)
	case types.String:
		return string(t)
	case traits.Mapper:
		out := make(map[string]any)
		it := t.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			key, ok := k.Value().(string)
			if !ok {
				key = fmt.Sprint(k.Value())
			}
			out[key] = ToNative(t.Get(k))
		}
		return out
	case traits.Lister:
		size, ok := t.Size().(types.Int)
		if !ok {
			return nil
		}
		out := make([]any, int(size))
		for i := range out {
			out[i] = ToNative(t.Get(types.Int(i)))
		}
		return out
	default:
		return v.Value()
	}
}

// Stringify renders an evaluated value for text interpolation.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
