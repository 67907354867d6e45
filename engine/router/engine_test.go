package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compozy/flow/engine/action"
	"github.com/compozy/flow/engine/cache"
	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/trace"
	"github.com/compozy/flow/pkg/config"
)

type fixture struct {
	engine *Engine
	count  atomic.Int32
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.UntilInterval = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{}
	reg := action.NewRegistry()
	require.NoError(t, action.RegisterBuiltins(reg))
	require.NoError(t, reg.Add("cmd:count", func(_ context.Context, _ map[string]any) (any, error) {
		return int(f.count.Add(1)), nil
	}))
	require.NoError(t, reg.Add("cmd:value", func(_ context.Context, payload map[string]any) (any, error) {
		return payload["value"], nil
	}))
	require.NoError(t, reg.Add("cmd:fail", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, reg.Add("cmd:nested", func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{"_": "size", "in": []any{1, 2, 3, 4}}, nil
	}))
	e, err := New(reg, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

type recorder struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (r *recorder) Begin(ctx context.Context, _ *trace.Event) context.Context {
	return ctx
}

func (r *recorder) End(_ context.Context, ev *trace.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestEngine_Actions(t *testing.T) {
	ctx := context.Background()

	t.Run("Should run a matching handler", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{"cmd": "echo", "a": 1})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1}, out)
	})

	t.Run("Should return the cleaned descriptor when no handler matches", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{"role": "data", "$$base": 1, "$sum": "$.base + 2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"role": "data", "sum": 3}, out)
	})

	t.Run("Should classify handler failures as action errors", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Run(ctx, map[string]any{"cmd": "fail"})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrActionError)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("Should skip the dispatch when if$ is false", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{"cmd": "count", "if$": false})
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Equal(t, int32(0), f.count.Load())
	})

	t.Run("Should reshape the result with out$", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{
			"cmd":   "value",
			"value": map[string]any{"n": 20},
			"out$":  "$.n + 1",
		})
		require.NoError(t, err)
		assert.Equal(t, 21, out)
	})

	t.Run("Should run out$ steps as a waterfall over the result", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{
			"cmd":   "value",
			"value": []any{3, 1, 3, 2},
			"out$": []any{
				map[string]any{"_": "uniq"},
				map[string]any{"_": "size"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out)
	})
}

func TestEngine_Until(t *testing.T) {
	t.Run("Should invoke the action until the condition holds", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(context.Background(), map[string]any{
			"cmd":    "count",
			"until$": "out == 5",
			"wait$":  1,
		})
		require.NoError(t, err)
		assert.Equal(t, 5, out)
		assert.Equal(t, int32(5), f.count.Load())
	})

	t.Run("Should stop at the context deadline", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := f.engine.Run(ctx, map[string]any{"cmd": "count", "until$": false, "wait$": 5})
		require.Error(t, err)
		assert.Greater(t, f.count.Load(), int32(1))
	})
}

func TestEngine_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("Should invoke the executor once for identical cached descriptors", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.Config) { cfg.Cache.Enabled = true })
		d := map[string]any{"cmd": "count", "cache$": true}
		first, err := f.engine.Run(ctx, d)
		require.NoError(t, err)
		second, err := f.engine.Run(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1, first)
		assert.Equal(t, 1, second)
		assert.Equal(t, int32(1), f.count.Load())
		assert.Equal(t, 1, f.engine.Cache().Len())
	})

	t.Run("Should ignore cache$ when caching is disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		d := map[string]any{"cmd": "count", "cache$": true}
		_, err := f.engine.Run(ctx, d)
		require.NoError(t, err)
		_, err = f.engine.Run(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, int32(2), f.count.Load())
		assert.Nil(t, f.engine.Cache())
	})

	t.Run("Should use an injected cache", func(t *testing.T) {
		c, err := cache.New(4)
		require.NoError(t, err)
		c.Set(cache.KeyOf(map[string]any{"cmd": "count"}), 99)
		reg := action.NewRegistry()
		e, err := New(reg, config.Default(), WithCache(c))
		require.NoError(t, err)
		defer e.Close()
		out, err := e.Run(ctx, map[string]any{"cmd": "count", "cache$": true})
		require.NoError(t, err)
		assert.Equal(t, 99, out)
	})

	t.Run("Should key cached results by their out$ shape", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.Config) { cfg.Cache.Enabled = true })
		base := map[string]any{"cmd": "value", "value": map[string]any{"a": 1, "b": 2}, "cache$": true}
		withOut := func(out string) map[string]any {
			d := core.CloneMap(base)
			d["out$"] = out
			return d
		}
		a, err := f.engine.Run(ctx, withOut("$.a"))
		require.NoError(t, err)
		b, err := f.engine.Run(ctx, withOut("$.b"))
		require.NoError(t, err)
		again, err := f.engine.Run(ctx, withOut("$.b"))
		require.NoError(t, err)
		assert.Equal(t, 1, a)
		assert.Equal(t, 2, b)
		assert.Equal(t, 2, again)
		assert.Equal(t, 2, f.engine.Cache().Len())
	})
}

func TestEngine_ControlDirectives(t *testing.T) {
	ctx := context.Background()

	t.Run("Should route the result of an act_result$ action", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{"cmd": "nested", "act_result$": true})
		require.NoError(t, err)
		assert.Equal(t, 4, out)
	})

	t.Run("Should reject a non-mapping act_result$ result", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Run(ctx, map[string]any{"cmd": "value", "value": 3, "act_result$": true})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrInvalidMessage)
	})

	t.Run("Should delay the action by pause$", func(t *testing.T) {
		f := newFixture(t, nil)
		start := time.Now()
		_, err := f.engine.Run(ctx, map[string]any{"cmd": "echo", "pause$": 50})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("Should pause after invoking the action", func(t *testing.T) {
		var invokedAt time.Time
		reg := action.NewRegistry()
		require.NoError(t, reg.Add("cmd:stamp", func(_ context.Context, _ map[string]any) (any, error) {
			invokedAt = time.Now()
			return "stamped", nil
		}))
		e, err := New(reg, config.Default())
		require.NoError(t, err)
		defer e.Close()
		start := time.Now()
		out, err := e.Run(ctx, map[string]any{"cmd": "stamp", "pause$": 200})
		require.NoError(t, err)
		finished := time.Now()
		assert.Equal(t, "stamped", out)
		assert.Less(t, invokedAt.Sub(start), 150*time.Millisecond)
		assert.GreaterOrEqual(t, finished.Sub(invokedAt), 200*time.Millisecond)
	})

	t.Run("Should fail with a timeout past the overall deadline", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.Config) { cfg.Engine.Timeout = 20 * time.Millisecond })
		_, err := f.engine.Run(ctx, map[string]any{"cmd": "echo", "pause$": 500})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTimeout)
	})
}

func TestEngine_Reconfigure(t *testing.T) {
	ctx := context.Background()

	t.Run("Should apply new engine settings to later runs", func(t *testing.T) {
		f := newFixture(t, nil)
		next := config.Default()
		next.Engine.Timeout = 20 * time.Millisecond
		next.Engine.Concurrency = 3
		next.Engine.UntilInterval = 5 * time.Millisecond
		f.engine.Reconfigure(ctx, next)
		assert.Equal(t, next.Engine, f.engine.Settings())
		assert.Equal(t, 5*time.Millisecond, f.engine.retries.Interval())
		_, err := f.engine.Run(ctx, map[string]any{"cmd": "echo", "pause$": 500})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTimeout)
	})

	t.Run("Should ignore a nil configuration", func(t *testing.T) {
		f := newFixture(t, nil)
		before := f.engine.Settings()
		f.engine.Reconfigure(ctx, nil)
		assert.Equal(t, before, f.engine.Settings())
	})
}

func TestEngine_Compositions(t *testing.T) {
	ctx := context.Background()

	t.Run("Should route sequence items through the engine", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{
			"sequence": []any{
				map[string]any{"cmd": "value", "value": 2, "key$": "a"},
				map[string]any{"cmd": "value", "$value": "$.a * 10", "key$": "b"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 2, "b": 20}, out)
	})

	t.Run("Should keep declared order for iterate", func(t *testing.T) {
		f := newFixture(t, nil)
		out, err := f.engine.Run(ctx, map[string]any{
			"iterate": map[string]any{"cmd": "value", "$value": "$.index"},
			"times":   5,
			"series":  false,
		})
		require.NoError(t, err)
		assert.Equal(t, []any{0, 1, 2, 3, 4}, out)
	})

	t.Run("Should reject a malformed composition before running items", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Run(ctx, map[string]any{
			"iterate": map[string]any{"cmd": "count"},
			"times":   2,
			"with":    []any{1, 2},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrInvalidMessage)
		assert.Equal(t, int32(0), f.count.Load())
	})
}

func TestEngine_Correlation(t *testing.T) {
	t.Run("Should link nested dispatches to their parent", func(t *testing.T) {
		rec := &recorder{}
		reg := action.NewRegistry()
		require.NoError(t, action.RegisterBuiltins(reg))
		e, err := New(reg, config.Default(), WithObservers(rec))
		require.NoError(t, err)
		defer e.Close()
		_, err = e.Run(context.Background(), map[string]any{
			"sequence": []any{
				map[string]any{"cmd": "echo", "key$": "a"},
				map[string]any{"cmd": "echo", "key$": "b"},
			},
		})
		require.NoError(t, err)
		require.Len(t, rec.events, 3)
		root := rec.events[2]
		assert.Equal(t, core.KindSequence, root.Kind)
		assert.True(t, root.Parent.IsZero())
		for _, ev := range rec.events[:2] {
			assert.Equal(t, root.ID, ev.Parent)
			assert.Equal(t, 1, ev.Depth)
			assert.NotEqual(t, root.ID, ev.ID)
		}
	})

	t.Run("Should honor an explicit parent$", func(t *testing.T) {
		rec := &recorder{}
		e, err := New(nil, config.Default(), WithObservers(rec))
		require.NoError(t, err)
		defer e.Close()
		_, err = e.Run(context.Background(), map[string]any{"a": 1, "parent$": "external"})
		require.NoError(t, err)
		require.Len(t, rec.events, 1)
		assert.Equal(t, core.ID("external"), rec.events[0].Parent)
	})
}
