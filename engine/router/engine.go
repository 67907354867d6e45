package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/compozy/flow/engine/action"
	"github.com/compozy/flow/engine/cache"
	"github.com/compozy/flow/engine/compose"
	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/infra/monitoring"
	"github.com/compozy/flow/engine/pipeline"
	"github.com/compozy/flow/engine/retry"
	"github.com/compozy/flow/engine/schema"
	"github.com/compozy/flow/engine/template"
	"github.com/compozy/flow/engine/trace"
	"github.com/compozy/flow/engine/transform"
	"github.com/compozy/flow/pkg/config"
	"github.com/compozy/flow/pkg/expr"
	"github.com/compozy/flow/pkg/logger"
)

// Engine is the recursive dispatch entry point. Every descriptor, whether
// submitted by a caller or nested inside a composition, is routed through
// Dispatch.
type Engine struct {
	settings    atomic.Pointer[config.EngineConfig]
	exec        action.Executor
	evaluator   *expr.Evaluator
	ownsEval    bool
	resolver    *template.Resolver
	ops         *compose.Operators
	transformer *transform.Transformer
	retries     *retry.Controller
	cache       *cache.Cache
	observers   trace.Observers
	instruments *monitoring.Instruments
}

type Option func(*Engine)

// WithCache injects the result cache. Without one, cache$ is ignored.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithObservers registers dispatch observers, called in order on begin and
// in reverse on end.
func WithObservers(observers ...trace.Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, observers...)
	}
}

func WithInstruments(i *monitoring.Instruments) Option {
	return func(e *Engine) {
		e.instruments = i
	}
}

// WithEvaluator shares an expression evaluator. The caller keeps ownership.
func WithEvaluator(ev *expr.Evaluator) Option {
	return func(e *Engine) {
		e.evaluator = ev
	}
}

// New builds an engine routing leaf actions to exec. A nil exec treats every
// action as unhandled. When cfg enables the cache and no cache was injected,
// one is created with the configured size.
func New(exec action.Executor, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{exec: exec}
	settings := cfg.Engine
	e.settings.Store(&settings)
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		ev, err := expr.NewEvaluator(
			expr.WithCostLimit(cfg.Expression.CostLimit),
			expr.WithCacheSize(cfg.Expression.CacheSize),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
		}
		e.evaluator = ev
		e.ownsEval = true
	}
	if e.cache == nil && cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.Size)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.cache = c
	}
	e.resolver = template.NewResolver(e.evaluator, e)
	e.ops = compose.New(e, e.resolver, compose.WithDefaultConcurrency(cfg.Engine.Concurrency))
	e.transformer = transform.NewTransformer(e, e.resolver)
	e.retries = retry.NewController(cfg.Engine.UntilInterval)
	return e, nil
}

// Reconfigure applies the engine settings of cfg to runs started afterwards:
// the overall timeout, the default until$ interval and the default operator
// concurrency. Runs in progress keep the values they started with.
func (e *Engine) Reconfigure(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	next := cfg.Engine
	prev := e.settings.Swap(&next)
	e.retries.SetInterval(next.UntilInterval)
	e.ops.SetDefaultConcurrency(next.Concurrency)
	if *prev != next {
		logger.FromContext(ctx).Info("Engine settings updated",
			"timeout", next.Timeout,
			"until_interval", next.UntilInterval,
			"concurrency", next.Concurrency,
		)
	}
}

// Settings returns the engine settings currently in effect.
func (e *Engine) Settings() config.EngineConfig {
	return *e.settings.Load()
}

// Cache returns the result cache, nil when caching is off.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Close releases the evaluator when the engine created it.
func (e *Engine) Close() {
	if e.ownsEval && e.evaluator != nil {
		e.evaluator.Close()
	}
}

// Run validates raw and dispatches it with a fresh working context, bounded
// by the configured overall timeout.
func (e *Engine) Run(ctx context.Context, raw map[string]any) (any, error) {
	d, err := core.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(ctx, raw, d); err != nil {
		return nil, err
	}
	return e.RunDescriptor(ctx, d)
}

// RunDescriptor dispatches an already parsed descriptor the way Run does.
func (e *Engine) RunDescriptor(ctx context.Context, d *core.Descriptor) (any, error) {
	p := pipeline.New(e, pipeline.WithTimeout(e.Settings().Timeout)).WaitFor(d)
	return p.End(ctx, make(map[string]any))
}

// Dispatch routes d to completion against scope.
func (e *Engine) Dispatch(ctx context.Context, d *core.Descriptor, scope map[string]any) (out any, err error) {
	if d == nil {
		return nil, core.InvalidMessage("nil descriptor")
	}
	if scope == nil {
		scope = make(map[string]any)
	}
	ctx, ev, err := trace.Begin(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to assign correlation id: %w", err)
	}
	ctx = e.observers.Begin(ctx, ev)
	done := e.instruments.DispatchStarted(ctx, string(d.Kind))
	log := logger.FromContext(ctx).With("id", ev.ID.String(), "kind", d.Kind)
	log.Debug("Dispatch started", "descriptor", ev.Descriptor, "parent", ev.Parent.String())
	defer func() {
		ev.Finish(out, err)
		e.observers.End(ctx, ev)
		switch {
		case err != nil:
			done(monitoring.OutcomeError)
			log.Debug("Dispatch failed", "error", err, "duration", ev.Duration)
		case ev.Skipped:
			done(monitoring.OutcomeSkipped)
		default:
			done(monitoring.OutcomeSuccess)
			log.Debug("Dispatch finished", "duration", ev.Duration)
		}
	}()
	if d.Control.If.IsSet() {
		ok, err := e.resolver.Test(ctx, d.Control.If, expr.Activation{Scope: scope})
		if err != nil {
			return nil, fmt.Errorf("if$: %w", err)
		}
		if !ok {
			ev.Skipped = true
			log.Debug("Dispatch skipped by if$")
			return nil, nil
		}
	}
	resolved, err := e.resolver.Resolve(ctx, d, scope)
	if err != nil {
		return nil, err
	}
	if resolved.Kind != core.KindAction {
		return e.ops.Run(ctx, resolved, scope)
	}
	return e.routeAction(ctx, resolved, scope)
}

// routeAction runs a resolved leaf: the cached and polled invocation,
// act_result$ recursion, then the pause$ delay before the result is returned.
func (e *Engine) routeAction(ctx context.Context, d *core.Descriptor, scope map[string]any) (any, error) {
	ctl := d.Control
	return pipeline.New(e).
		Wait("invoke", func(ctx context.Context, _ any) (any, error) {
			return e.invokeCached(ctx, d, scope)
		}).
		If("act_result", ctl.ActResult).
		Wait("act_result", func(ctx context.Context, v any) (any, error) {
			return e.dispatchResult(ctx, v, scope)
		}).
		EndIf("act_result").
		If("pause", ctl.Pause > 0).
		Wait("pause", pauseStage(ctl.Pause)).
		EndIf("pause").
		End(ctx, nil)
}

func (e *Engine) invokeCached(ctx context.Context, d *core.Descriptor, scope map[string]any) (any, error) {
	if e.cache == nil || !d.Control.Cache {
		return e.invokePolled(ctx, d, scope)
	}
	key := cacheKey(d)
	out, hit, err := e.cache.Do(ctx, key, func(ctx context.Context) (any, error) {
		return e.invokePolled(ctx, d, scope)
	})
	if hit {
		logger.FromContext(ctx).Debug("Served action from cache", "descriptor", d.String())
	}
	return out, err
}

// cacheKey covers the payload plus out$ and until$, since the cached value is
// the formatted result that satisfied until$.
func cacheKey(d *core.Descriptor) string {
	shape := make(map[string]any)
	if out := d.Control.Out; out.Set {
		shape["out"] = out.Source
	}
	if until := d.Control.Until; until.IsSet() {
		if until.IsConst() {
			shape["until"] = until.Const
		} else {
			shape["until"] = until.Expr
		}
	}
	return cache.KeyWith(d.Raw(), shape)
}

// invokePolled repeats the formatted invocation while until$ does not hold.
func (e *Engine) invokePolled(ctx context.Context, d *core.Descriptor, scope map[string]any) (any, error) {
	cond := func(ctx context.Context, out any) (bool, error) {
		return e.resolver.Test(ctx, d.Control.Until, expr.Activation{Scope: scope, Out: out})
	}
	policy := e.retries.PolicyFor(d.Control, cond)
	attempts := 0
	return e.retries.Do(ctx, policy, func(ctx context.Context) (any, error) {
		attempts++
		if attempts > 1 {
			e.instruments.RetryAttempted(ctx)
		}
		raw, err := e.execute(ctx, d)
		if err != nil {
			return nil, err
		}
		return e.transformer.Apply(ctx, d.Control.Out, raw)
	})
}

// execute calls the matching handler, or returns the cleaned payload when
// none matches.
func (e *Engine) execute(ctx context.Context, d *core.Descriptor) (any, error) {
	payload := d.Raw()
	if e.exec == nil || !e.exec.HasHandler(payload) {
		return payload, nil
	}
	out, err := e.exec.Execute(ctx, payload)
	if err != nil {
		return nil, core.ActionFailed(err, map[string]any{"descriptor": d.String()})
	}
	return out, nil
}

func (e *Engine) dispatchResult(ctx context.Context, v any, scope map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	next, err := core.ParseValue(v)
	if err != nil {
		return nil, fmt.Errorf("act_result$: %w", err)
	}
	return e.Dispatch(ctx, next, scope)
}

func pauseStage(d time.Duration) pipeline.StageFunc {
	return func(ctx context.Context, v any) (any, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
