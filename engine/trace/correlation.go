package trace

import (
	"context"
	"time"

	"github.com/compozy/flow/engine/core"
)

type correlationKey struct{}

type correlation struct {
	id    core.ID
	depth int
}

// WithCorrelation marks ctx as running inside the dispatch id at depth.
func WithCorrelation(ctx context.Context, id core.ID, depth int) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlation{id: id, depth: depth})
}

// FromContext returns the id and depth of the enclosing dispatch.
func FromContext(ctx context.Context) (core.ID, int, bool) {
	c, ok := ctx.Value(correlationKey{}).(correlation)
	if !ok {
		return "", 0, false
	}
	return c.id, c.depth, true
}

// Event describes one dispatch to observers. Begin fills the identity
// fields; End adds the outcome.
type Event struct {
	ID         core.ID
	Parent     core.ID
	Depth      int
	Kind       core.Kind
	ParentKind core.Kind
	Descriptor string
	Payload    map[string]any
	Started    time.Time

	Result   any
	Err      error
	Skipped  bool
	Duration time.Duration
}

type kindKey struct{}

// Begin assigns a fresh id to a dispatch of d. An explicit parent (parent$)
// takes precedence over the dispatch found on ctx. The returned context
// carries the new correlation.
func Begin(ctx context.Context, d *core.Descriptor) (context.Context, *Event, error) {
	id, err := core.NewID()
	if err != nil {
		return ctx, nil, err
	}
	ev := &Event{
		ID:         id,
		Kind:       d.Kind,
		Descriptor: d.String(),
		Payload:    d.Raw(),
		Started:    time.Now(),
	}
	if parent, depth, ok := FromContext(ctx); ok {
		ev.Parent = parent
		ev.Depth = depth + 1
		ev.ParentKind, _ = ctx.Value(kindKey{}).(core.Kind)
	}
	if d.Control.Parent != "" {
		ev.Parent = core.ID(d.Control.Parent)
	}
	ctx = WithCorrelation(ctx, id, ev.Depth)
	ctx = context.WithValue(ctx, kindKey{}, d.Kind)
	return ctx, ev, nil
}

// Finish stamps the outcome on ev.
func (ev *Event) Finish(result any, err error) {
	ev.Result = result
	ev.Err = err
	ev.Duration = time.Since(ev.Started)
}
