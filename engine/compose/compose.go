package compose

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/schema"
	"github.com/compozy/flow/engine/template"
)

const DefaultConcurrency = 10

// Operators runs composition descriptors. Nested items are routed back
// through the dispatcher.
type Operators struct {
	dispatcher  core.Dispatcher
	resolver    *template.Resolver
	concurrency atomic.Int64
}

type Option func(*Operators)

// WithDefaultConcurrency sets the in-flight bound used when a descriptor does
// not declare one.
func WithDefaultConcurrency(n int) Option {
	return func(o *Operators) {
		o.SetDefaultConcurrency(n)
	}
}

func New(dispatcher core.Dispatcher, resolver *template.Resolver, opts ...Option) *Operators {
	o := &Operators{
		dispatcher: dispatcher,
		resolver:   resolver,
	}
	o.concurrency.Store(DefaultConcurrency)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDefaultConcurrency changes the bound for operators started afterwards.
// Non-positive values are ignored.
func (o *Operators) SetDefaultConcurrency(n int) {
	if n > 0 {
		o.concurrency.Store(int64(n))
	}
}

// Run validates d and executes the operator its kind names.
func (o *Operators) Run(ctx context.Context, d *core.Descriptor, scope map[string]any) (any, error) {
	if err := schema.NewDescriptorValidator(d).Validate(ctx); err != nil {
		return nil, err
	}
	switch d.Kind {
	case core.KindSequence:
		return o.Sequence(ctx, d)
	case core.KindParallel:
		return o.Parallel(ctx, d, scope)
	case core.KindIterate:
		return o.Iterate(ctx, d)
	case core.KindWaterfall:
		return o.Waterfall(ctx, d)
	case core.KindFlow:
		return o.Flow(ctx, d)
	default:
		return nil, fmt.Errorf("compose: %s is not a composition", d.Kind)
	}
}

func (o *Operators) limit(declared int) int {
	if declared > 0 {
		return declared
	}
	return int(o.concurrency.Load())
}

type completion struct {
	index int
	out   any
	err   error
}

// commitFunc applies one completed item. Returning stop ends the run early.
type commitFunc func(index int, out any, err error) (bool, error)

// runOrdered runs n jobs with at most limit in flight and hands completions
// to commit in index order, always from the calling goroutine. When it
// returns, no job is running: early stops and failures cancel the jobs still
// in flight and wait for them.
func runOrdered(
	ctx context.Context,
	n, limit int,
	job func(ctx context.Context, index int) (any, error),
	commit commitFunc,
) error {
	if n == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan completion, n)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(limit)
	var admission sync.WaitGroup
	admission.Add(1)
	go func() {
		defer admission.Done()
		for i := 0; i < n; i++ {
			if groupCtx.Err() != nil {
				return
			}
			index := i
			group.Go(func() error {
				out, err := job(groupCtx, index)
				done <- completion{index: index, out: out, err: err}
				return nil
			})
		}
	}()
	err := commitInOrder(ctx, n, done, commit)
	cancel()
	admission.Wait()
	_ = group.Wait()
	return err
}

func commitInOrder(ctx context.Context, n int, done <-chan completion, commit commitFunc) error {
	pending := make(map[int]completion)
	next := 0
	for next < n {
		select {
		case c := <-done:
			pending[c.index] = c
		case <-ctx.Done():
			return ctx.Err()
		}
		for {
			c, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			stop, err := commit(c.index, c.out, c.err)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
	return nil
}

// runSeries runs jobs one after another, committing each before the next starts.
func runSeries(
	ctx context.Context,
	n int,
	job func(ctx context.Context, index int) (any, error),
	commit commitFunc,
) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := job(ctx, i)
		stop, err := commit(i, out, err)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func notify(hook core.ItemHook, index int, out any) {
	if hook != nil {
		hook(index, out)
	}
}

func hookOf(v any) core.ItemHook {
	return schema.ItemHookOf(v)
}
