package transform

import (
	"context"
	"fmt"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/template"
)

// Transformer reshapes a raw action result according to its out$ directive.
type Transformer struct {
	dispatcher core.Dispatcher
	resolver   *template.Resolver
}

func NewTransformer(dispatcher core.Dispatcher, resolver *template.Resolver) *Transformer {
	return &Transformer{dispatcher: dispatcher, resolver: resolver}
}

// Apply returns raw unchanged when out is unset. Descriptor steps run as a
// waterfall seeded with raw; a scalar value is resolved with raw bound to $.
func (t *Transformer) Apply(ctx context.Context, out core.Output, raw any) (any, error) {
	if !out.Set {
		return raw, nil
	}
	if out.Steps != nil {
		return t.waterfall(ctx, out.Steps, raw)
	}
	v, err := t.resolver.ResolveValue(ctx, out.Value, raw)
	if err != nil {
		return nil, fmt.Errorf("out$: %w", err)
	}
	return v, nil
}

func (t *Transformer) waterfall(ctx context.Context, steps []*core.Descriptor, raw any) (any, error) {
	items := make([]*core.Descriptor, len(steps))
	for i, step := range steps {
		items[i] = step.Clone()
	}
	d := &core.Descriptor{
		Kind:      core.KindWaterfall,
		Payload:   map[string]any{core.InputKey: core.CloneValue(raw)},
		Waterfall: &core.WaterfallSpec{Items: items},
	}
	v, err := t.dispatcher.Dispatch(ctx, d, make(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("out$: %w", err)
	}
	return v, nil
}
