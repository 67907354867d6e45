package trace

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/compozy/flow/engine/core"
)

func parse(t *testing.T, raw map[string]any) *core.Descriptor {
	t.Helper()
	d, err := core.Parse(raw)
	require.NoError(t, err)
	return d
}

func TestBegin(t *testing.T) {
	t.Run("Should link nested dispatches to their parent", func(t *testing.T) {
		ctx := context.Background()
		ctx, outer, err := Begin(ctx, parse(t, map[string]any{"sequence": []any{}}))
		require.NoError(t, err)
		assert.Zero(t, outer.Depth)
		assert.True(t, outer.Parent.IsZero())

		_, inner, err := Begin(ctx, parse(t, map[string]any{"cmd": "x"}))
		require.NoError(t, err)
		assert.Equal(t, outer.ID, inner.Parent)
		assert.Equal(t, 1, inner.Depth)
		assert.Equal(t, core.KindSequence, inner.ParentKind)
		assert.NotEqual(t, outer.ID, inner.ID)
	})

	t.Run("Should honor an explicit parent", func(t *testing.T) {
		_, ev, err := Begin(context.Background(), parse(t, map[string]any{"cmd": "x", "parent$": "abc"}))
		require.NoError(t, err)
		assert.Equal(t, core.ID("abc"), ev.Parent)
	})
}

func TestLogObserver(t *testing.T) {
	t.Run("Should render IN and OUT blocks", func(t *testing.T) {
		var buf bytes.Buffer
		obs := NewLogObserver(&buf)
		ctx, ev, err := Begin(context.Background(), parse(t, map[string]any{"cmd": "echo", "a": 1}))
		require.NoError(t, err)
		ctx = obs.Begin(ctx, ev)
		ev.Finish(map[string]any{"a": 1}, nil)
		obs.End(ctx, ev)
		out := buf.String()
		assert.Contains(t, out, "IN  ID:"+ev.ID.String())
		assert.Contains(t, out, "cmd : echo")
		assert.Contains(t, out, "OUT  ID:"+ev.ID.String())
		assert.Contains(t, out, `"a": 1`)
	})

	t.Run("Should render errors", func(t *testing.T) {
		var buf bytes.Buffer
		obs := NewLogObserver(&buf)
		ctx, ev, err := Begin(context.Background(), parse(t, map[string]any{"cmd": "x"}))
		require.NoError(t, err)
		ev.Finish(nil, errors.New("boom"))
		obs.End(ctx, ev)
		assert.Contains(t, buf.String(), "ERROR : boom")
	})
}

func TestSpanObserver(t *testing.T) {
	t.Run("Should record one span per dispatch with nesting", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		obs := Observers{NewSpanObserver(tp)}

		ctx, outer, err := Begin(context.Background(), parse(t, map[string]any{"sequence": []any{}}))
		require.NoError(t, err)
		ctx = obs.Begin(ctx, outer)
		innerCtx, inner, err := Begin(ctx, parse(t, map[string]any{"cmd": "x"}))
		require.NoError(t, err)
		innerCtx = obs.Begin(innerCtx, inner)
		inner.Finish(nil, errors.New("boom"))
		obs.End(innerCtx, inner)
		outer.Finish("ok", nil)
		obs.End(ctx, outer)

		spans := recorder.Ended()
		require.Len(t, spans, 2)
		assert.Equal(t, "flow.dispatch.action", spans[0].Name())
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
		assert.Equal(t, codes.Ok, spans[1].Status().Code)
	})
}
