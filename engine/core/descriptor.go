package core

import (
	"context"
	"fmt"
	"time"
)

// Kind discriminates the descriptor union. It is decided once, at parse time.
type Kind string

const (
	KindAction    Kind = "action"
	KindSequence  Kind = "sequence"
	KindParallel  Kind = "parallel"
	KindIterate   Kind = "iterate"
	KindWaterfall Kind = "waterfall"
	KindFlow      Kind = "flow"
)

// InputKey is the payload field carrying the pass-through value between
// composed items.
const InputKey = "in"

// Mode selects where a resolved directive is written.
type Mode int

const (
	// ModeKeep writes the resolved value back into the descriptor payload.
	ModeKeep Mode = iota
	// ModeRemove writes the resolved value into the working context only.
	ModeRemove
)

func (m Mode) String() string {
	if m == ModeRemove {
		return "remove"
	}
	return "keep"
}

type SourceKind int

const (
	SourceLiteral SourceKind = iota
	SourceExpr
	SourceList
	SourceNested
)

// Source is the right-hand side of a directive.
type Source struct {
	Kind    SourceKind
	Expr    string
	Items   []Source
	Nested  *Descriptor
	Literal any
}

// Directive resolves Source against the working context and stores it under Target.
type Directive struct {
	Target string
	Mode   Mode
	Source Source
}

// Predicate is a boolean control value: either a constant or an expression
// evaluated against the working context and the latest output.
type Predicate struct {
	Expr  string
	Const bool
	Set   bool
}

func (p Predicate) IsSet() bool {
	return p.Set
}

func (p Predicate) IsConst() bool {
	return p.Set && p.Expr == ""
}

// ConstPredicate is a predicate fixed to v.
func ConstPredicate(v bool) Predicate {
	return Predicate{Const: v, Set: true}
}

// ExprPredicate is a predicate evaluated from expr.
func ExprPredicate(expr string) Predicate {
	return Predicate{Expr: expr, Set: true}
}

// Output is the parsed out$ directive: transform steps, or a single value
// resolved against the raw result. Source keeps the declared form.
type Output struct {
	Steps  []*Descriptor
	Value  any
	Source any
	Set    bool
}

// Control carries the suffix-marked control directives of a descriptor.
type Control struct {
	Key          string
	If           Predicate
	Exit         Predicate
	Until        Predicate
	UntilSuccess bool
	MaxAttempts  int
	Wait         time.Duration
	Pause        time.Duration
	Cache        bool
	ActResult    bool
	Error        Predicate
	ErrorMessage string
	Out          Output
	Catch        Predicate
	Parent       ID
	Extra        map[string]any
}

// ItemHook observes each composed item once its output is committed.
type ItemHook func(index int, out any)

type SequenceSpec struct {
	Items       []*Descriptor  `validate:"dive,required"`
	Extend      map[string]any `validate:"-"`
	Data        map[string]any `validate:"-"`
	Merge       bool
	Series      bool
	Concurrency int `validate:"gte=0,lte=10000"`
	Results     bool
	Exit        Predicate `validate:"-"`
	OnItem      any       `validate:"-"`
}

type ParallelSpec struct {
	Items []*Descriptor `validate:"dive,required"`
	Merge bool
}

type IterateSpec struct {
	Iterator            *Descriptor `validate:"required"`
	Times               *int        `validate:"omitempty,gte=0"`
	With                []any       `validate:"-"`
	HasWith             bool
	FromInput           bool
	Series              bool
	Concurrency         int `validate:"gte=0,lte=10000"`
	Merge               bool
	MergeKey            string
	MergeSelect         string
	Exit                Predicate `validate:"-"`
	UntilSuccess        bool
	UntilSuccessMessage string
	Extend              map[string]any `validate:"-"`
	Data                map[string]any `validate:"-"`
	OnItem              any            `validate:"-"`
}

type WaterfallSpec struct {
	Items []*Descriptor `validate:"dive,required"`
}

type FlowSpec struct {
	Target *Descriptor `validate:"required"`
}

// Descriptor is one unit of work: an action payload or a composition, plus
// its templating directives and control block.
type Descriptor struct {
	Kind       Kind
	Payload    map[string]any
	Directives []Directive
	Control    Control

	Sequence  *SequenceSpec
	Parallel  *ParallelSpec
	Iterate   *IterateSpec
	Waterfall *WaterfallSpec
	Flow      *FlowSpec
}

// Dispatcher routes a descriptor to completion against the working context scope.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *Descriptor, scope map[string]any) (any, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, d *Descriptor, scope map[string]any) (any, error)

func (f DispatchFunc) Dispatch(ctx context.Context, d *Descriptor, scope map[string]any) (any, error) {
	return f(ctx, d, scope)
}

// NewAction builds an action descriptor around payload.
func NewAction(payload map[string]any) *Descriptor {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Descriptor{Kind: KindAction, Payload: payload}
}

func (d *Descriptor) Input() (any, bool) {
	v, ok := d.Payload[InputKey]
	return v, ok
}

func (d *Descriptor) SetInput(v any) {
	if d.Payload == nil {
		d.Payload = make(map[string]any)
	}
	d.Payload[InputKey] = v
}

func (d *Descriptor) HasDirectives() bool {
	return len(d.Directives) > 0
}

// Raw returns a deep copy of the payload, which is the descriptor with every
// directive and control field removed.
func (d *Descriptor) Raw() map[string]any {
	return CloneMap(d.Payload)
}

// Clone deep copies the descriptor tree. Concurrent items never share one.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	copied, err := DeepCopy(d)
	if err != nil || copied == nil {
		shallow := *d
		shallow.Payload = CloneMap(d.Payload)
		return &shallow
	}
	return copied
}

// String renders a short identification used in logs and traces.
func (d *Descriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	if d.Kind != KindAction {
		return string(d.Kind)
	}
	s := string(StableJSONBytes(d.Payload))
	const maxLen = 120
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return fmt.Sprintf("action%s", s)
}
