package compose

import (
	"context"
	"fmt"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/pipeline"
)

// Parallel fires every item at once against copies of scope and returns the
// outputs in declared order, or their deep merge.
func (o *Operators) Parallel(ctx context.Context, d *core.Descriptor, scope map[string]any) (any, error) {
	spec := d.Parallel
	if len(spec.Items) == 0 {
		if spec.Merge {
			return map[string]any{}, nil
		}
		return []any{}, nil
	}
	p := pipeline.New(o.dispatcher)
	for _, item := range spec.Items {
		p.Run(item)
	}
	p.Wait("parallel", func(_ context.Context, v any) (any, error) {
		results, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("parallel: unexpected fan-out result %T", v)
		}
		if spec.Merge {
			return core.MergeAll(results), nil
		}
		return results, nil
	})
	return p.End(ctx, scope)
}

// Waterfall runs items strictly in order, feeding each output to the next
// item as its input.
func (o *Operators) Waterfall(ctx context.Context, d *core.Descriptor) (any, error) {
	p := pipeline.New(o.dispatcher)
	for i, item := range d.Waterfall.Items {
		p.Step(fmt.Sprintf("waterfall[%d]", i), func(ctx context.Context, in any) (any, error) {
			next := item.Clone()
			next.SetInput(in)
			out, err := o.dispatcher.Dispatch(ctx, next, make(map[string]any))
			if err != nil {
				return nil, fmt.Errorf("waterfall[%d]: %w", i, err)
			}
			return out, nil
		})
	}
	in, _ := d.Input()
	return p.End(ctx, core.CloneValue(in))
}

// Flow dispatches its wrapped descriptor with a fresh context. The wrapper's
// input is handed down when the target declares none.
func (o *Operators) Flow(ctx context.Context, d *core.Descriptor) (any, error) {
	target := d.Flow.Target.Clone()
	if in, ok := d.Input(); ok {
		if _, has := target.Input(); !has {
			target.SetInput(core.CloneValue(in))
		}
	}
	return o.dispatcher.Dispatch(ctx, target, make(map[string]any))
}
