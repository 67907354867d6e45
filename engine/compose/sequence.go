package compose

import (
	"context"
	"fmt"
	"sync"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/pipeline"
	"github.com/compozy/flow/pkg/expr"
	"github.com/compozy/flow/pkg/logger"
)

const resultsKey = "results"

type sequenceRun struct {
	ctx     context.Context
	o       *Operators
	spec    *core.SequenceSpec
	items   []*core.Descriptor
	hook    core.ItemHook
	mu      sync.Mutex
	scope   map[string]any
	results []any
}

// Sequence runs items in declared order against one working context and
// returns that context without its pass-through field.
func (o *Operators) Sequence(ctx context.Context, d *core.Descriptor) (any, error) {
	spec := d.Sequence
	run := &sequenceRun{
		ctx:   ctx,
		o:     o,
		spec:  spec,
		items: make([]*core.Descriptor, len(spec.Items)),
		hook:  hookOf(spec.OnItem),
		scope: core.CloneMap(spec.Data),
	}
	for i, item := range spec.Items {
		prepared := item.Clone()
		if err := core.Extend(prepared.Payload, spec.Extend); err != nil {
			return nil, fmt.Errorf("sequence[%d]: %w", i, err)
		}
		run.items[i] = prepared
	}
	if in, ok := d.Input(); ok {
		run.scope[core.InputKey] = core.CloneValue(in)
	}
	var err error
	if spec.Series {
		err = runSeries(ctx, len(run.items), run.live, run.commit)
	} else {
		err = runOrdered(ctx, len(run.items), o.limit(spec.Concurrency), run.snapshot, run.commit)
	}
	if err != nil {
		return nil, err
	}
	return run.finish(), nil
}

// live runs an item against the working context itself.
func (r *sequenceRun) live(ctx context.Context, index int) (any, error) {
	return pipeline.New(r.o.dispatcher).WaitFor(r.items[index]).End(ctx, r.scope)
}

// snapshot runs an item against a copy of the working context taken on admission.
func (r *sequenceRun) snapshot(ctx context.Context, index int) (any, error) {
	r.mu.Lock()
	scope := core.CloneMap(r.scope)
	r.mu.Unlock()
	return pipeline.New(r.o.dispatcher).WaitFor(r.items[index]).End(ctx, scope)
}

func (r *sequenceRun) commit(index int, out any, err error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := r.ctx
	item := r.items[index]
	log := logger.FromContext(ctx)
	if err != nil {
		caught, cerr := r.o.resolver.Test(ctx, item.Control.Catch, expr.Activation{Scope: r.scope, Err: core.MessageOf(err)})
		if cerr != nil {
			return false, fmt.Errorf("sequence[%d]: catch$: %w", index, cerr)
		}
		if !caught {
			return false, fmt.Errorf("sequence[%d]: %w", index, err)
		}
		log.Debug("Sequence item error caught", "index", index, "error", err)
		r.scope[core.InputKey] = map[string]any{"error": core.MessageOf(err)}
		notify(r.hook, index, nil)
		return false, nil
	}
	act := expr.Activation{Scope: r.scope, Out: out}
	failed, err := r.o.resolver.Test(ctx, item.Control.Error, act)
	if err != nil {
		return false, fmt.Errorf("sequence[%d]: error$: %w", index, err)
	}
	if failed {
		return false, core.HardFail(item.Control.ErrorMessage, map[string]any{"index": index})
	}
	if key := item.Control.Key; key != "" {
		r.store(key, out)
	}
	if r.spec.Results {
		r.results = append(r.results, core.CloneValue(out))
	}
	notify(r.hook, index, out)
	for _, exit := range []core.Predicate{item.Control.Exit, r.spec.Exit} {
		stop, err := r.o.resolver.Test(ctx, exit, act)
		if err != nil {
			return false, fmt.Errorf("sequence[%d]: exit: %w", index, err)
		}
		if stop {
			log.Debug("Sequence exit condition met", "index", index)
			return true, nil
		}
	}
	r.scope[core.InputKey] = out
	return false, nil
}

func (r *sequenceRun) store(key string, out any) {
	existing, ok := r.scope[key]
	if r.spec.Merge && ok {
		r.scope[key] = core.DeepMerge(existing, out)
		return
	}
	r.scope[key] = out
}

func (r *sequenceRun) finish() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scope, core.InputKey)
	if r.spec.Results {
		if r.results == nil {
			r.results = []any{}
		}
		r.scope[resultsKey] = r.results
	}
	return r.scope
}
