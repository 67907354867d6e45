package trace

import (
	"context"
)

// Observer is told about every dispatch. Begin may return a derived
// context, which is the one handed to End and to nested dispatches.
type Observer interface {
	Begin(ctx context.Context, ev *Event) context.Context
	End(ctx context.Context, ev *Event)
}

// Observers fans events out in order on Begin and in reverse order on End.
type Observers []Observer

func (o Observers) Begin(ctx context.Context, ev *Event) context.Context {
	for _, obs := range o {
		ctx = obs.Begin(ctx, ev)
	}
	return ctx
}

func (o Observers) End(ctx context.Context, ev *Event) {
	for i := len(o) - 1; i >= 0; i-- {
		o[i].End(ctx, ev)
	}
}
