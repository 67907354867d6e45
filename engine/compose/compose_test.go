package compose

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/template"
	"github.com/compozy/flow/pkg/expr"
)

// testEngine is a minimal dispatcher: it resolves directives, routes
// compositions to the operators and runs actions through handle.
type testEngine struct {
	ops      *Operators
	resolver *template.Resolver

	mu       sync.Mutex
	calls    []map[string]any
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	evaluator, err := expr.NewEvaluator()
	require.NoError(t, err)
	t.Cleanup(evaluator.Close)
	e := &testEngine{}
	e.resolver = template.NewResolver(evaluator, e)
	e.ops = New(e, e.resolver)
	return e
}

func (e *testEngine) Dispatch(ctx context.Context, d *core.Descriptor, scope map[string]any) (any, error) {
	resolved, err := e.resolver.Resolve(ctx, d, scope)
	if err != nil {
		return nil, err
	}
	if resolved.Kind != core.KindAction {
		return e.ops.Run(ctx, resolved, scope)
	}
	return e.handle(ctx, resolved.Raw())
}

func (e *testEngine) handle(ctx context.Context, payload map[string]any) (any, error) {
	e.mu.Lock()
	e.calls = append(e.calls, payload)
	e.mu.Unlock()
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if ms, ok := core.ParseAnyInt(payload["sleep"]); ok {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if msg, ok := payload["fail"].(string); ok {
		return nil, core.ActionFailed(errors.New(msg), nil)
	}
	if res, ok := payload["result"]; ok {
		return res, nil
	}
	return payload, nil
}

func (e *testEngine) run(t *testing.T, raw map[string]any) (any, error) {
	t.Helper()
	d, err := core.Parse(raw)
	require.NoError(t, err)
	return e.Dispatch(context.Background(), d, map[string]any{})
}

func (e *testEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func item(fields map[string]any) any {
	return fields
}

func TestSequence(t *testing.T) {
	t.Run("Should execute and store in declared order regardless of latency", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"key$": "a", "sleep": 20, "result": 1}),
				item(map[string]any{"key$": "b", "sleep": 1, "result": 2}),
				item(map[string]any{"key$": "c", "sleep": 10, "result": 3}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, out)
		require.Len(t, e.calls, 3)
		assert.Equal(t, 1, e.calls[0]["result"])
		assert.Equal(t, 2, e.calls[1]["result"])
		assert.Equal(t, 3, e.calls[2]["result"])
	})

	t.Run("Should merge repeated keys", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"merge": true,
			"sequence": []any{
				item(map[string]any{"key$": "k", "result": map[string]any{"x": 1, "y": 2, "z": 3}}),
				item(map[string]any{"key$": "k", "result": map[string]any{"x": 10}}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": map[string]any{"x": 10, "y": 2, "z": 3}}, out)
	})

	t.Run("Should overwrite repeated keys without merge", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"key$": "k", "result": map[string]any{"x": 1, "y": 2}}),
				item(map[string]any{"key$": "k", "result": map[string]any{"x": 10}}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": map[string]any{"x": 10}}, out)
	})

	t.Run("Should pass each output to the next item and seed from data and in", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"data": map[string]any{"base": 10},
			"in":   5,
			"sequence": []any{
				item(map[string]any{"key$": "first", "$result": "$.in + $.base"}),
				item(map[string]any{"key$": "second", "$result": "$.in * 2"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"base": 10, "first": 15, "second": 30}, out)
	})

	t.Run("Should apply extend over every item", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"extend":   map[string]any{"role": "shared"},
			"sequence": []any{item(map[string]any{"role": "own", "n": 1}), item(map[string]any{"n": 2})},
		})
		require.NoError(t, err)
		require.Len(t, e.calls, 2)
		assert.Equal(t, "shared", e.calls[0]["role"])
		assert.Equal(t, "shared", e.calls[1]["role"])
	})

	t.Run("Should stop at exit$ and skip later items", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"key$": "a", "result": 1}),
				item(map[string]any{"key$": "b", "result": 2, "exit$": "out == 2"}),
				item(map[string]any{"key$": "c", "result": 3}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1, "b": 2}, out)
		assert.Equal(t, 2, e.callCount())
	})

	t.Run("Should mix decoded floats with integer literals", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"key$": "n", "result": 2.0}),
				item(map[string]any{"key$": "m", "$next": "$.n + 1"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": 2.0, "m": map[string]any{"next": 3}}, out)
	})

	t.Run("Should interpolate stored results as plain text", func(t *testing.T) {
		t.Setenv("FLOW_SEQ_SECRET", "s3cr3t")
		stored := `{{ env "FLOW_SEQ_SECRET" }}`
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"key$": "name", "result": stored}),
				item(map[string]any{"key$": "g", "$greet": "Hi <%= $.name %>"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": stored, "g": map[string]any{"greet": "Hi " + stored}}, out)
	})

	t.Run("Should stop at the sequence-level exit", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"exit": "$.total >= 2",
			"sequence": []any{
				item(map[string]any{"key$": "total", "result": 1}),
				item(map[string]any{"key$": "total", "result": 2}),
				item(map[string]any{"key$": "total", "result": 3}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"total": 2}, out)
	})

	t.Run("Should swallow caught errors and expose them as input", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"fail": "flaky", "catch$": true}),
				item(map[string]any{"key$": "seen", "$result": "$.in.error"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"seen": "flaky"}, out)
	})

	t.Run("Should evaluate catch$ expressions over the error", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"sequence": []any{item(map[string]any{"fail": "fatal", "catch$": "err.contains('flaky')"})},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fatal")
	})

	t.Run("Should hard fail when error$ holds", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"sequence": []any{
				item(map[string]any{"result": map[string]any{"ok": false}, "error$": "!out.ok", "error_message$": "not ok"}),
				item(map[string]any{"result": 2}),
			},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrConfiguredHardFail))
		assert.Contains(t, err.Error(), "not ok")
		assert.Equal(t, 1, e.callCount())
	})

	t.Run("Should abort on an uncaught error", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"sequence": []any{item(map[string]any{"fail": "boom"}), item(map[string]any{"result": 2})},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, 1, e.callCount())
	})

	t.Run("Should bound concurrency and keep declared order when not in series", func(t *testing.T) {
		e := newTestEngine(t)
		items := make([]any, 6)
		for i := range items {
			items[i] = item(map[string]any{"sleep": (6 - i) * 5, "result": i})
		}
		out, err := e.run(t, map[string]any{
			"series":      false,
			"concurrency": 2,
			"results":     true,
			"sequence":    items,
		})
		require.NoError(t, err)
		assert.Equal(t, []any{0, 1, 2, 3, 4, 5}, out.(map[string]any)["results"])
		assert.LessOrEqual(t, e.maxSeen.Load(), int32(2))
	})

	t.Run("Should call the item hook in declared order", func(t *testing.T) {
		e := newTestEngine(t)
		var seen []int
		_, err := e.run(t, map[string]any{
			"series":   false,
			"on_item":  core.ItemHook(func(index int, _ any) { seen = append(seen, index) }),
			"sequence": []any{item(map[string]any{"sleep": 10}), item(map[string]any{"sleep": 1}), item(map[string]any{})},
		})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, seen)
	})

	t.Run("Should reject a non-callable hook before running items", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"on_item":  42,
			"sequence": []any{item(map[string]any{"result": 1})},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrItemCallbackType))
		assert.Equal(t, 0, e.callCount())
	})

	t.Run("Should cancel in-flight items after a failure", func(t *testing.T) {
		e := newTestEngine(t)
		start := time.Now()
		_, err := e.run(t, map[string]any{
			"series": false,
			"sequence": []any{
				item(map[string]any{"fail": "fast"}),
				item(map[string]any{"sleep": 5000}),
			},
		})
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, int32(0), e.inFlight.Load())
	})
}

func TestIterate(t *testing.T) {
	t.Run("Should return an ordered collection for times", func(t *testing.T) {
		for _, series := range []bool{true, false} {
			e := newTestEngine(t)
			out, err := e.run(t, map[string]any{
				"iterate": map[string]any{"$returnindex": "$.index", "$sleep": "(5 - $.index) * 3"},
				"times":   5,
				"series":  series,
			})
			require.NoError(t, err)
			results := out.([]any)
			require.Len(t, results, 5)
			for i, r := range results {
				assert.Equal(t, i, r.(map[string]any)["returnindex"])
			}
		}
	})

	t.Run("Should stop after the exit item", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"iterate": map[string]any{"$returnindex": "$.index"},
			"times":   5,
			"exit":    "out.returnindex == 2",
		})
		require.NoError(t, err)
		assert.Equal(t, []any{
			map[string]any{"returnindex": 0},
			map[string]any{"returnindex": 1},
			map[string]any{"returnindex": 2},
		}, out)
		assert.Equal(t, 3, e.callCount())
	})

	t.Run("Should add each with item as input", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"iterate": map[string]any{"role": "x"},
			"with":    []any{0, 1, 2, 3, 4},
		})
		require.NoError(t, err)
		results := out.([]any)
		require.Len(t, results, 5)
		for i, r := range results {
			assert.Equal(t, map[string]any{"role": "x", "in": i}, r)
		}
	})

	t.Run("Should expose index count and data to the iterator", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"iterate": map[string]any{"$result": "$.prefix + string($.index) + '/' + string($.count)"},
			"times":   2,
			"data":    map[string]any{"prefix": "item-"},
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"item-0/2", "item-1/2"}, out)
	})

	t.Run("Should select merge and key results", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"iterate":      map[string]any{"$result": "{'user': {'id': 'u' + string($.in), 'n': $.in}}"},
			"with":         []any{1, 2},
			"merge_select": "user",
			"merge_key":    "id",
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"u1": map[string]any{"id": "u1", "n": 1},
			"u2": map[string]any{"id": "u2", "n": 2},
		}, out)

		e = newTestEngine(t)
		out, err = e.run(t, map[string]any{
			"iterate": map[string]any{"$result": "{'k' + string($.index): $.index}"},
			"times":   3,
			"merge":   true,
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k0": 0, "k1": 1, "k2": 2}, out)
	})

	t.Run("Should return the first success with until_success", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"iterate":       map[string]any{"$fail": "$.in.fail", "$result": "$.in.v"},
			"with":          []any{map[string]any{"fail": "a", "v": 1}, map[string]any{"fail": "b", "v": 2}, map[string]any{"v": 3, "fail": nil}},
			"until_success": true,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out)
		assert.Equal(t, 3, e.callCount())
	})

	t.Run("Should fail with the configured message when nothing succeeds", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"iterate":       map[string]any{"fail": "nope"},
			"times":         2,
			"until_success": "all providers failed",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all providers failed")
		assert.True(t, errors.Is(err, core.ErrActionError))
	})

	t.Run("Should not mask resolution errors with until_success", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"iterate":       map[string]any{"$result": "$.in.x +"},
			"with":          []any{map[string]any{"x": 1}, map[string]any{"x": 2}},
			"until_success": true,
			"series":        true,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "iterate[0]")
		assert.NotContains(t, err.Error(), defaultUntilSuccessMessage)
		assert.Equal(t, 0, e.callCount())
	})

	t.Run("Should reject iterate without times or with before running", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{"iterate": map[string]any{"result": 1}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidMessage))
		assert.Equal(t, 0, e.callCount())
	})

	t.Run("Should walk the input with each", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"each": map[string]any{"$result": "$.in * 10"},
			"in":   []any{1, 2, 3},
		})
		require.NoError(t, err)
		assert.Equal(t, []any{10, 20, 30}, out)
	})
}

func TestParallel(t *testing.T) {
	t.Run("Should keep declared order regardless of completion", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"parallel": []any{
				item(map[string]any{"sleep": 40, "result": "a"}),
				item(map[string]any{"sleep": 30, "result": "b"}),
				item(map[string]any{"sleep": 20, "result": "c"}),
				item(map[string]any{"sleep": 10, "result": "d"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b", "c", "d"}, out)
		assert.Equal(t, int32(4), e.maxSeen.Load())
	})

	t.Run("Should deep merge results", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"merge": true,
			"parallel": []any{
				item(map[string]any{"result": map[string]any{"a": 1}}),
				item(map[string]any{"result": map[string]any{"b": 2}}),
				item(map[string]any{"result": map[string]any{"c": map[string]any{"x": 1}}}),
				item(map[string]any{"result": map[string]any{"c": map[string]any{"y": 2}}}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": map[string]any{"x": 1, "y": 2}}, out)
	})

	t.Run("Should fail when any item fails", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"parallel": []any{item(map[string]any{"fail": "bad"}), item(map[string]any{"result": 1})},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad")
	})
}

func TestWaterfall(t *testing.T) {
	t.Run("Should chain each output into the next input", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"in": 1,
			"waterfall": []any{
				item(map[string]any{"name": "a", "$result": "$.in + 1"}),
				item(map[string]any{"name": "b", "$result": "$.in * 10"}),
				item(map[string]any{"name": "c", "$result": "$.in - 1"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 19, out)
		require.Len(t, e.calls, 3)
		assert.Equal(t, 1, e.calls[0]["in"])
		assert.Equal(t, 2, e.calls[1]["in"])
		assert.Equal(t, 20, e.calls[2]["in"])
	})

	t.Run("Should abort at the first error", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.run(t, map[string]any{
			"waterfall": []any{item(map[string]any{"fail": "stop"}), item(map[string]any{"result": 1})},
		})
		require.Error(t, err)
		assert.Equal(t, 1, e.callCount())
	})
}

func TestFlow(t *testing.T) {
	t.Run("Should dispatch the wrapped descriptor", func(t *testing.T) {
		e := newTestEngine(t)
		out, err := e.run(t, map[string]any{
			"flow": map[string]any{"sequence": []any{item(map[string]any{"key$": "v", "result": 7})}},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"v": 7}, out)
	})
}
