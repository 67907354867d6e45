package compose

import (
	"context"
	"fmt"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/pkg/expr"
	"github.com/compozy/flow/pkg/logger"
)

const (
	indexKey = "index"
	countKey = "count"

	defaultUntilSuccessMessage = "no iteration succeeded"
)

type iterateRun struct {
	ctx       context.Context
	o         *Operators
	spec      *core.IterateSpec
	items     []any
	data      map[string]any
	hook      core.ItemHook
	scopes    []map[string]any
	results   []any
	committed int
	success   any
	succeeded bool
	lastErr   error
}

// Iterate runs the iterator once per item of with, or once per index of
// times, and returns the outputs in item order.
func (o *Operators) Iterate(ctx context.Context, d *core.Descriptor) (any, error) {
	spec := d.Iterate
	run := &iterateRun{
		ctx:  ctx,
		o:    o,
		spec: spec,
		hook: hookOf(spec.OnItem),
		data: core.CloneMap(spec.Data),
	}
	switch {
	case spec.FromInput:
		in, _ := d.Input()
		list, ok := in.([]any)
		if in != nil && !ok {
			return nil, core.InvalidMessage("each: input must be an array, got %T", in)
		}
		run.items = list
	case spec.HasWith:
		run.items = spec.With
	default:
		run.items = make([]any, *spec.Times)
		for i := range run.items {
			run.items[i] = i
		}
	}
	total := len(run.items)
	run.data[countKey] = total
	run.scopes = make([]map[string]any, total)
	run.results = make([]any, total)
	series := spec.Series || spec.Exit.IsSet() || spec.UntilSuccess
	var err error
	if series {
		err = runSeries(ctx, total, run.job, run.commit)
	} else {
		err = runOrdered(ctx, total, o.limit(spec.Concurrency), run.job, run.commit)
	}
	if err != nil {
		return nil, err
	}
	if spec.UntilSuccess {
		if !run.succeeded {
			return nil, run.exhausted()
		}
		return run.success, nil
	}
	return run.aggregate(run.results[:run.committed])
}

// command builds the item descriptor: extend, then the item as input, then
// the iterator's own fields, later ones winning.
func (r *iterateRun) command(index int) (*core.Descriptor, error) {
	cmd := r.spec.Iterator.Clone()
	payload := core.CloneMap(r.spec.Extend)
	if r.spec.HasWith {
		payload[core.InputKey] = core.CloneValue(r.items[index])
	}
	if err := core.Extend(payload, cmd.Payload); err != nil {
		return nil, err
	}
	cmd.Payload = payload
	return cmd, nil
}

func (r *iterateRun) scope(index int) (map[string]any, error) {
	scope := map[string]any{indexKey: index}
	if r.spec.HasWith {
		scope[core.InputKey] = core.CloneValue(r.items[index])
	}
	if err := core.Extend(scope, r.data); err != nil {
		return nil, err
	}
	return scope, nil
}

func (r *iterateRun) job(ctx context.Context, index int) (any, error) {
	cmd, err := r.command(index)
	if err != nil {
		return nil, fmt.Errorf("iterate[%d]: %w", index, err)
	}
	scope, err := r.scope(index)
	if err != nil {
		return nil, fmt.Errorf("iterate[%d]: %w", index, err)
	}
	r.scopes[index] = scope
	return r.o.dispatcher.Dispatch(ctx, cmd, scope)
}

func (r *iterateRun) commit(index int, out any, err error) (bool, error) {
	log := logger.FromContext(r.ctx)
	if r.spec.UntilSuccess {
		if err != nil {
			if !core.Retryable(err) {
				return false, fmt.Errorf("iterate[%d]: %w", index, err)
			}
			log.Debug("Iteration failed, trying next item", "index", index, "error", err)
			r.lastErr = err
			return false, nil
		}
		r.success, r.succeeded = out, true
		notify(r.hook, index, out)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("iterate[%d]: %w", index, err)
	}
	r.results[index] = out
	r.committed = index + 1
	notify(r.hook, index, out)
	stop, err := r.o.resolver.Test(r.ctx, r.spec.Exit, expr.Activation{Scope: r.scopes[index], Out: out})
	if err != nil {
		return false, fmt.Errorf("iterate[%d]: exit: %w", index, err)
	}
	if stop {
		log.Debug("Iterate exit condition met", "index", index)
	}
	return stop, nil
}

func (r *iterateRun) exhausted() error {
	message := r.spec.UntilSuccessMessage
	if message == "" {
		message = defaultUntilSuccessMessage
	}
	e := core.NewError(r.lastErr, core.CodeActionError, map[string]any{"attempts": len(r.items)})
	e.Message = message
	return e
}

func (r *iterateRun) aggregate(results []any) (any, error) {
	selected := results
	if path := r.spec.MergeSelect; path != "" {
		selected = make([]any, len(results))
		for i, res := range results {
			v, _ := core.LookupPath(res, path)
			selected[i] = v
		}
	}
	if key := r.spec.MergeKey; key != "" {
		keyed := make(map[string]any, len(selected))
		for i, res := range selected {
			v, ok := core.LookupPath(res, key)
			if !ok || v == nil {
				return nil, core.InvalidMessage("merge_key %q missing from iterate result %d", key, i)
			}
			k := expr.Stringify(v)
			if existing, ok := keyed[k]; ok && r.spec.Merge {
				keyed[k] = core.DeepMerge(existing, res)
				continue
			}
			keyed[k] = res
		}
		return keyed, nil
	}
	if r.spec.Merge {
		return core.MergeAll(selected), nil
	}
	return selected, nil
}
