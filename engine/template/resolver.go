package template

import (
	"context"
	"fmt"
	"strconv"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/pkg/expr"
	"github.com/compozy/flow/pkg/logger"
	"github.com/compozy/flow/pkg/tplengine"
)

const (
	wholeContext = "$*"
	bareContext  = "$"
)

// Resolver evaluates descriptor directives against a working context.
type Resolver struct {
	evaluator  *expr.Evaluator
	text       *tplengine.TemplateEngine
	dispatcher core.Dispatcher
}

func NewResolver(evaluator *expr.Evaluator, dispatcher core.Dispatcher) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		text:       tplengine.NewEngine(tplengine.FormatText).WithEvaluator(evaluator),
		dispatcher: dispatcher,
	}
}

func (r *Resolver) Evaluator() *expr.Evaluator {
	return r.evaluator
}

// Resolve runs the remove pass, writing $$ directives into scope, then the
// keep pass, writing $ directives into the payload. The result carries no
// directives. A descriptor without directives is returned as is.
func (r *Resolver) Resolve(ctx context.Context, d *core.Descriptor, scope map[string]any) (*core.Descriptor, error) {
	return r.resolve(ctx, d, scope, scope)
}

func (r *Resolver) resolve(
	ctx context.Context,
	d *core.Descriptor,
	read map[string]any,
	write map[string]any,
) (*core.Descriptor, error) {
	if d == nil || !d.HasDirectives() {
		return d, nil
	}
	out := d.Clone()
	out.Directives = nil
	if out.Payload == nil {
		out.Payload = make(map[string]any)
	}
	for _, mode := range []core.Mode{core.ModeRemove, core.ModeKeep} {
		for _, dir := range d.Directives {
			if dir.Mode != mode {
				continue
			}
			v, err := r.ResolveSource(ctx, dir.Target, dir.Source, read)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s directive %q: %w", mode, dir.Target, err)
			}
			if mode == core.ModeRemove {
				write[dir.Target] = v
			} else {
				out.Payload[dir.Target] = v
			}
		}
	}
	logger.FromContext(ctx).Debug("Resolved directives", "descriptor", out.String(), "count", len(d.Directives))
	return out, nil
}

// ResolveSource computes the value of one directive source.
func (r *Resolver) ResolveSource(ctx context.Context, target string, src core.Source, scope map[string]any) (any, error) {
	switch src.Kind {
	case core.SourceLiteral:
		return core.CloneValue(src.Literal), nil
	case core.SourceExpr:
		return r.resolveExpr(ctx, target, src.Expr, scope)
	case core.SourceList:
		out := make([]any, len(src.Items))
		for i, item := range src.Items {
			v, err := r.ResolveSource(ctx, strconv.Itoa(i), item, scope)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case core.SourceNested:
		return r.dispatchNested(ctx, src.Nested, scope)
	default:
		return nil, fmt.Errorf("unknown source kind %d", src.Kind)
	}
}

func (r *Resolver) resolveExpr(ctx context.Context, target, source string, scope map[string]any) (any, error) {
	switch {
	case source == wholeContext:
		return core.CloneMap(scope), nil
	case source == bareContext:
		return core.CloneValue(scope[target]), nil
	case tplengine.HasExpression(source) || tplengine.HasTemplate(source):
		return r.text.Interpolate(ctx, source, scope)
	default:
		return r.evaluator.Eval(ctx, source, expr.Activation{Scope: scope})
	}
}

// The nested descriptor's keep directives read the outer scope; its remove
// directives seed a fresh scope it is then dispatched with.
func (r *Resolver) dispatchNested(ctx context.Context, nested *core.Descriptor, scope map[string]any) (any, error) {
	if r.dispatcher == nil {
		return nil, fmt.Errorf("nested descriptor %s: no dispatcher configured", nested)
	}
	child := make(map[string]any)
	resolved, err := r.resolve(ctx, nested, scope, child)
	if err != nil {
		return nil, err
	}
	return r.dispatcher.Dispatch(ctx, resolved.Clone(), child)
}

// ResolveValue resolves an untyped directive value with scope bound to $.
// scope need not be a mapping. Strings that are not expressions come back
// unchanged.
func (r *Resolver) ResolveValue(ctx context.Context, v any, scope any) (any, error) {
	src, err := core.ParseSource(v)
	if err != nil {
		return nil, err
	}
	if m, ok := scope.(map[string]any); ok {
		return r.ResolveSource(ctx, "", src, m)
	}
	if src.Kind != core.SourceExpr {
		return r.ResolveSource(ctx, "", src, make(map[string]any))
	}
	switch {
	case src.Expr == wholeContext || src.Expr == bareContext:
		return core.CloneValue(scope), nil
	case tplengine.HasExpression(src.Expr) || tplengine.HasTemplate(src.Expr):
		return r.text.Interpolate(ctx, src.Expr, scope)
	default:
		return r.evaluator.Eval(ctx, src.Expr, expr.Activation{Scope: scope})
	}
}

// Test evaluates a predicate. Unset predicates are false.
func (r *Resolver) Test(ctx context.Context, p core.Predicate, act expr.Activation) (bool, error) {
	if !p.IsSet() {
		return false, nil
	}
	if p.IsConst() {
		return p.Const, nil
	}
	v, err := r.evaluator.Eval(ctx, p.Expr, act)
	if err != nil {
		if expr.IsMissing(err) {
			return false, nil
		}
		return false, err
	}
	return core.Truthy(v), nil
}
