package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/pkg/logger"
)

// StageFunc computes the next pipeline value from the current one.
type StageFunc func(ctx context.Context, v any) (any, error)

// ErrorHandler receives the error of a failed run.
type ErrorHandler func(ctx context.Context, err error)

type stageKind int

const (
	kindStep stageKind = iota
	kindWait
	kindWaitFor
	kindRun
	kindIf
	kindEndIf
)

type stage struct {
	kind stageKind
	name string
	fn   StageFunc
	desc *core.Descriptor
	cond any
	// index of the matching endif, set for kindIf when the pipeline is compiled
	end int
}

// Pipeline is an ordered list of stages run to completion by End. Stages
// are appended with the builder methods and a pipeline is run once.
type Pipeline struct {
	dispatcher core.Dispatcher
	stages     []stage
	onError    ErrorHandler
	timeout    time.Duration
}

type Option func(*Pipeline)

// WithOnError installs a handler that receives the error of a failed run.
func WithOnError(h ErrorHandler) Option {
	return func(p *Pipeline) {
		p.onError = h
	}
}

// WithTimeout bounds the whole run. Exceeding it fails with core.ErrTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

func New(dispatcher core.Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{dispatcher: dispatcher}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Step appends a synchronous transform of the current value.
func (p *Pipeline) Step(name string, fn StageFunc) *Pipeline {
	p.stages = append(p.stages, stage{kind: kindStep, name: name, fn: fn})
	return p
}

// Wait appends a blocking stage. Outstanding Run submissions are joined
// first and, when there were any, their ordered results become its input.
func (p *Pipeline) Wait(name string, fn StageFunc) *Pipeline {
	p.stages = append(p.stages, stage{kind: kindWait, name: name, fn: fn})
	return p
}

// WaitFor appends a blocking stage that dispatches d with the current value
// as its working context.
func (p *Pipeline) WaitFor(d *core.Descriptor) *Pipeline {
	p.stages = append(p.stages, stage{kind: kindWaitFor, name: d.String(), desc: d})
	return p
}

// Run submits d without blocking. Results are collected, in submission
// order, by the next Wait or WaitFor stage or by End.
func (p *Pipeline) Run(d *core.Descriptor) *Pipeline {
	p.stages = append(p.stages, stage{kind: kindRun, name: d.String(), desc: d})
	return p
}

// If opens a region skipped entirely when cond is false on entry. cond is a
// bool, a func() bool or a func(any) bool called once with the current value.
func (p *Pipeline) If(name string, cond any) *Pipeline {
	p.stages = append(p.stages, stage{kind: kindIf, name: name, cond: cond})
	return p
}

// EndIf closes the innermost open region named name.
func (p *Pipeline) EndIf(name string) *Pipeline {
	p.stages = append(p.stages, stage{kind: kindEndIf, name: name})
	return p
}

func (p *Pipeline) compile() error {
	var open []int
	for i := range p.stages {
		switch p.stages[i].kind {
		case kindIf:
			open = append(open, i)
		case kindEndIf:
			if len(open) == 0 {
				return fmt.Errorf("pipeline: endif %q without matching if", p.stages[i].name)
			}
			top := open[len(open)-1]
			if p.stages[top].name != p.stages[i].name {
				return fmt.Errorf("pipeline: endif %q closes if %q", p.stages[i].name, p.stages[top].name)
			}
			p.stages[top].end = i
			open = open[:len(open)-1]
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("pipeline: if %q is never closed", p.stages[open[len(open)-1]].name)
	}
	return nil
}

// End runs every stage from the first with seed as the initial value. The
// first failing stage aborts the run; fan-out work still in flight is
// cancelled and drained before End returns.
func (p *Pipeline) End(ctx context.Context, seed any) (any, error) {
	if err := p.compile(); err != nil {
		return nil, err
	}
	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, err := p.run(runCtx, seed)
	if err != nil {
		if p.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = core.NewError(err, core.CodeTimeout, map[string]any{"timeout": p.timeout.String()})
		}
		if p.onError != nil {
			p.onError(ctx, err)
		}
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, seed any) (any, error) {
	log := logger.FromContext(ctx)
	fan := newFanOut(ctx, p.dispatcher)
	// Any early return leaves no submission running.
	defer fan.abort()
	value := seed
	for i := 0; i < len(p.stages); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := &p.stages[i]
		var err error
		switch st.kind {
		case kindIf:
			ok, cerr := evalCond(st.cond, value)
			if cerr != nil {
				return nil, fmt.Errorf("pipeline: if %q: %w", st.name, cerr)
			}
			if !ok {
				i = st.end
			}
			continue
		case kindEndIf:
			continue
		case kindRun:
			fan.submit(st.desc, value)
			continue
		case kindStep:
			value, err = st.fn(ctx, value)
		case kindWait:
			if value, err = fan.joinInto(value); err == nil {
				value, err = st.fn(ctx, value)
			}
		case kindWaitFor:
			if value, err = fan.joinInto(value); err == nil {
				value, err = p.dispatch(ctx, st.desc, value)
			}
		}
		if err != nil {
			log.Debug("Pipeline stage failed", "stage", st.name, "error", err)
			return nil, err
		}
	}
	return fan.joinInto(value)
}

func (p *Pipeline) dispatch(ctx context.Context, d *core.Descriptor, value any) (any, error) {
	if p.dispatcher == nil {
		return nil, fmt.Errorf("pipeline: no dispatcher for %s", d)
	}
	return p.dispatcher.Dispatch(ctx, d.Clone(), ScopeOf(value))
}

// ScopeOf returns v as a working context when it is a mapping, else an empty one.
func ScopeOf(v any) map[string]any {
	if m, ok := v.(map[string]any); ok && m != nil {
		return m
	}
	return make(map[string]any)
}

func evalCond(cond any, v any) (bool, error) {
	switch c := cond.(type) {
	case bool:
		return c, nil
	case func() bool:
		return c(), nil
	case func(any) bool:
		return c(v), nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("unsupported condition type %T", cond)
	}
}

// fanOut runs Run submissions concurrently and collects their results in
// submission order.
type fanOut struct {
	parent     context.Context
	dispatcher core.Dispatcher
	group      *errgroup.Group
	groupCtx   context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	results    []any
}

func newFanOut(ctx context.Context, dispatcher core.Dispatcher) *fanOut {
	return &fanOut{parent: ctx, dispatcher: dispatcher}
}

func (f *fanOut) submit(d *core.Descriptor, value any) {
	if f.group == nil {
		var groupCtx context.Context
		groupCtx, f.cancel = context.WithCancel(f.parent)
		f.group, f.groupCtx = errgroup.WithContext(groupCtx)
		f.results = nil
	}
	f.mu.Lock()
	slot := len(f.results)
	f.results = append(f.results, nil)
	f.mu.Unlock()
	item := d.Clone()
	scope := core.CloneMap(ScopeOf(value))
	ctx := f.groupCtx
	f.group.Go(func() error {
		if f.dispatcher == nil {
			return fmt.Errorf("pipeline: no dispatcher for %s", item)
		}
		res, err := f.dispatcher.Dispatch(ctx, item, scope)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.results[slot] = res
		f.mu.Unlock()
		return nil
	})
}

// joinInto waits for outstanding submissions. With none pending v is
// returned unchanged.
func (f *fanOut) joinInto(v any) (any, error) {
	if f.group == nil {
		return v, nil
	}
	err := f.group.Wait()
	f.cancel()
	f.mu.Lock()
	results := f.results
	f.mu.Unlock()
	f.group, f.groupCtx, f.cancel, f.results = nil, nil, nil, nil
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (f *fanOut) abort() {
	if f.group == nil {
		return
	}
	f.cancel()
	_ = f.group.Wait()
	f.group, f.groupCtx, f.cancel, f.results = nil, nil, nil, nil
}
