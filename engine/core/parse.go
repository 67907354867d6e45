package core

import (
	"fmt"
	"sort"
	"strings"
)

const (
	keepMarker    = "$"
	removeMarker  = "$$"
	controlMarker = "$"
	wholeContext  = "$*"
)

var compositeKeys = map[Kind]map[string]bool{
	KindSequence: {
		"sequence": true, "extend": true, "data": true, "merge": true, "series": true,
		"concurrency": true, "results": true, "exit": true, "on_item": true,
	},
	KindParallel: {"parallel": true, "merge": true},
	KindIterate: {
		"iterate": true, "each": true, "times": true, "with": true, "series": true,
		"parallel": true, "concurrency": true, "merge": true, "merge_key": true,
		"merge_select": true, "exit": true, "until_success": true, "extend": true,
		"data": true, "on_item": true,
	},
	KindWaterfall: {"waterfall": true},
	KindFlow:      {"flow": true},
}

// DetectKind picks the descriptor variant from the operator key present in raw.
func DetectKind(raw map[string]any) Kind {
	if _, ok := raw["iterate"]; ok {
		return KindIterate
	}
	if _, ok := raw["each"]; ok {
		return KindIterate
	}
	if _, ok := raw["sequence"]; ok {
		return KindSequence
	}
	if _, ok := raw["waterfall"]; ok {
		return KindWaterfall
	}
	if v, ok := raw["parallel"]; ok {
		if _, isList := v.([]any); isList {
			return KindParallel
		}
	}
	if _, ok := raw["flow"]; ok {
		return KindFlow
	}
	return KindAction
}

// IsExpression reports whether a directive string is evaluated rather than
// copied verbatim.
func IsExpression(s string) bool {
	return strings.Contains(s, "$") ||
		strings.HasPrefix(s, ".") ||
		strings.Contains(s, "<%=") ||
		strings.Contains(s, "{{")
}

// Parse converts a marker-shaped mapping into a typed descriptor. The input is
// not modified.
func Parse(raw map[string]any) (*Descriptor, error) {
	if raw == nil {
		return nil, InvalidMessage("descriptor is nil")
	}
	d := &Descriptor{
		Kind:    DetectKind(raw),
		Payload: make(map[string]any),
	}
	specFields := make(map[string]any)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		switch {
		case strings.HasPrefix(k, removeMarker) && len(k) > len(removeMarker):
			if err := d.addDirective(k[len(removeMarker):], ModeRemove, v); err != nil {
				return nil, err
			}
		case strings.HasPrefix(k, keepMarker) && len(k) > len(keepMarker):
			if err := d.addDirective(k[len(keepMarker):], ModeKeep, v); err != nil {
				return nil, err
			}
		case strings.HasSuffix(k, controlMarker) && len(k) > len(controlMarker):
			if err := d.Control.set(strings.TrimSuffix(k, controlMarker), v); err != nil {
				return nil, err
			}
		case compositeKeys[d.Kind][k]:
			specFields[k] = v
		default:
			d.Payload[k] = CloneValue(v)
		}
	}
	if err := d.buildSpec(specFields); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseValue parses v when it is a mapping. Anything else is an invalid message.
func ParseValue(v any) (*Descriptor, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, InvalidMessage("descriptor must be a mapping, got %T", v)
	}
	return Parse(m)
}

// MustParse is Parse for fixtures known to be well formed.
func MustParse(raw map[string]any) *Descriptor {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) addDirective(target string, mode Mode, v any) error {
	src, err := ParseSource(v)
	if err != nil {
		return fmt.Errorf("directive %q: %w", target, err)
	}
	d.Directives = append(d.Directives, Directive{Target: target, Mode: mode, Source: src})
	return nil
}

// ParseSource classifies a directive value.
func ParseSource(v any) (Source, error) {
	switch t := v.(type) {
	case string:
		if IsExpression(t) {
			return Source{Kind: SourceExpr, Expr: t}, nil
		}
		return Source{Kind: SourceLiteral, Literal: t}, nil
	case []any:
		items := make([]Source, len(t))
		for i, item := range t {
			if _, isMap := item.(map[string]any); isMap {
				items[i] = Source{Kind: SourceLiteral, Literal: CloneValue(item)}
				continue
			}
			src, err := ParseSource(item)
			if err != nil {
				return Source{}, err
			}
			items[i] = src
		}
		return Source{Kind: SourceList, Items: items}, nil
	case map[string]any:
		nested, err := Parse(t)
		if err != nil {
			return Source{}, err
		}
		return Source{Kind: SourceNested, Nested: nested}, nil
	default:
		return Source{Kind: SourceLiteral, Literal: CloneValue(v)}, nil
	}
}

func parsePredicate(name string, v any) (Predicate, error) {
	switch t := v.(type) {
	case nil:
		return Predicate{}, nil
	case bool:
		return ConstPredicate(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Predicate{}, nil
		}
		return ExprPredicate(s), nil
	default:
		if _, ok := ParseAnyInt(v); ok {
			return ConstPredicate(Truthy(v)), nil
		}
		return Predicate{}, InvalidMessage("%s must be a boolean or an expression, got %T", name, v)
	}
}

func (c *Control) set(name string, v any) error {
	var err error
	switch name {
	case "key":
		s, ok := v.(string)
		if !ok {
			return InvalidMessage("key$ must be a string, got %T", v)
		}
		c.Key = s
	case "if":
		c.If, err = parsePredicate("if$", v)
	case "exit":
		c.Exit, err = parsePredicate("exit$", v)
	case "until":
		c.Until, err = parsePredicate("until$", v)
	case "until_success":
		switch t := v.(type) {
		case bool:
			c.UntilSuccess = t
		default:
			n, ok := ParseAnyInt(v)
			if !ok || n < 0 {
				return InvalidMessage("until_success$ must be a boolean or a non-negative attempt count")
			}
			c.UntilSuccess = n > 0
			c.MaxAttempts = n
		}
	case "wait":
		d, ok := ParseAnyMillis(v)
		if !ok {
			return InvalidMessage("wait$ must be a duration, got %v", v)
		}
		c.Wait = d
	case "pause":
		d, ok := ParseAnyMillis(v)
		if !ok {
			return InvalidMessage("pause$ must be a duration, got %v", v)
		}
		c.Pause = d
	case "cache":
		c.Cache = Truthy(v)
	case "act_result":
		c.ActResult = Truthy(v)
	case "error":
		c.Error, err = parsePredicate("error$", v)
	case "error_message":
		c.ErrorMessage = fmt.Sprint(v)
	case "out":
		c.Out, err = parseOutput(v)
	case "catch":
		c.Catch, err = parsePredicate("catch$", v)
	case "parent":
		s, ok := v.(string)
		if !ok {
			return InvalidMessage("parent$ must be a string, got %T", v)
		}
		c.Parent = ID(s)
	default:
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[name] = CloneValue(v)
	}
	return err
}

func parseOutput(v any) (Output, error) {
	out, err := parseOutputSteps(v)
	if err != nil {
		return Output{}, err
	}
	out.Source = CloneValue(v)
	return out, nil
}

func parseOutputSteps(v any) (Output, error) {
	switch t := v.(type) {
	case []any:
		steps := make([]*Descriptor, 0, len(t))
		for i, item := range t {
			step, err := ParseValue(item)
			if err != nil {
				return Output{}, fmt.Errorf("out$[%d]: %w", i, err)
			}
			steps = append(steps, step)
		}
		return Output{Steps: steps, Set: true}, nil
	case map[string]any:
		step, err := Parse(t)
		if err != nil {
			return Output{}, fmt.Errorf("out$: %w", err)
		}
		return Output{Steps: []*Descriptor{step}, Set: true}, nil
	default:
		return Output{Value: CloneValue(v), Set: true}, nil
	}
}

func parseItems(field string, v any) ([]*Descriptor, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, InvalidMessage("%s must be an array, got %T", field, v)
	}
	items := make([]*Descriptor, 0, len(list))
	for i, item := range list {
		d, err := ParseValue(item)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		items = append(items, d)
	}
	return items, nil
}

func optionalMap(field string, v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, InvalidMessage("%s must be an object, got %T", field, v)
	}
	return CloneMap(m), nil
}

func optionalBool(field string, v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, InvalidMessage("%s must be a boolean, got %T", field, v)
	}
	return b, nil
}

func optionalInt(field string, v any) (int, bool, error) {
	if v == nil {
		return 0, false, nil
	}
	n, ok := ParseAnyInt(v)
	if !ok {
		return 0, false, InvalidMessage("%s must be an integer, got %T", field, v)
	}
	return n, true, nil
}

func optionalString(field string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", InvalidMessage("%s must be a string, got %T", field, v)
	}
	return s, nil
}

func (d *Descriptor) buildSpec(f map[string]any) error {
	var err error
	switch d.Kind {
	case KindSequence:
		d.Sequence, err = buildSequence(f)
	case KindParallel:
		d.Parallel, err = buildParallel(f)
	case KindIterate:
		d.Iterate, err = buildIterate(f, d.Payload)
	case KindWaterfall:
		var items []*Descriptor
		items, err = parseItems("waterfall", f["waterfall"])
		d.Waterfall = &WaterfallSpec{Items: items}
	case KindFlow:
		var target *Descriptor
		target, err = ParseValue(f["flow"])
		if err != nil {
			err = fmt.Errorf("flow: %w", err)
		}
		d.Flow = &FlowSpec{Target: target}
	}
	return err
}

func buildSequence(f map[string]any) (*SequenceSpec, error) {
	items, err := parseItems("sequence", f["sequence"])
	if err != nil {
		return nil, err
	}
	spec := &SequenceSpec{Items: items, Series: true, OnItem: f["on_item"]}
	if spec.Extend, err = optionalMap("extend", f["extend"]); err != nil {
		return nil, err
	}
	if spec.Data, err = optionalMap("data", f["data"]); err != nil {
		return nil, err
	}
	if spec.Merge, err = optionalBool("merge", f["merge"]); err != nil {
		return nil, err
	}
	if spec.Results, err = optionalBool("results", f["results"]); err != nil {
		return nil, err
	}
	if v, ok := f["series"]; ok {
		if spec.Series, err = optionalBool("series", v); err != nil {
			return nil, err
		}
	}
	if spec.Concurrency, _, err = optionalInt("concurrency", f["concurrency"]); err != nil {
		return nil, err
	}
	if spec.Exit, err = parsePredicate("exit", f["exit"]); err != nil {
		return nil, err
	}
	return spec, nil
}

func buildParallel(f map[string]any) (*ParallelSpec, error) {
	items, err := parseItems("parallel", f["parallel"])
	if err != nil {
		return nil, err
	}
	merge, err := optionalBool("merge", f["merge"])
	if err != nil {
		return nil, err
	}
	return &ParallelSpec{Items: items, Merge: merge}, nil
}

func buildIterate(f map[string]any, payload map[string]any) (*IterateSpec, error) {
	spec := &IterateSpec{OnItem: f["on_item"]}
	iterator, with := f["iterate"], f["with"]
	if each, ok := f["each"]; ok {
		// each:<iterator> walks whatever input the descriptor holds when it runs.
		iterator = each
		with = payload[InputKey]
		if with == nil {
			with = []any{}
		}
		spec.FromInput = true
	}
	var err error
	if spec.Iterator, err = ParseValue(iterator); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	if with != nil {
		list, ok := with.([]any)
		if !ok {
			return nil, InvalidMessage("with must be an array, got %T", with)
		}
		spec.With = CloneValue(list).([]any)
		spec.HasWith = true
	}
	if n, ok, err := optionalInt("times", f["times"]); err != nil {
		return nil, err
	} else if ok {
		spec.Times = &n
	}
	if spec.Series, err = optionalBool("series", f["series"]); err != nil {
		return nil, err
	}
	if v, ok := f["parallel"]; ok {
		par, err := optionalBool("parallel", v)
		if err != nil {
			return nil, err
		}
		if par {
			spec.Series = false
		}
	}
	if spec.Concurrency, _, err = optionalInt("concurrency", f["concurrency"]); err != nil {
		return nil, err
	}
	if spec.Merge, err = optionalBool("merge", f["merge"]); err != nil {
		return nil, err
	}
	if spec.MergeKey, err = optionalString("merge_key", f["merge_key"]); err != nil {
		return nil, err
	}
	if spec.MergeSelect, err = optionalString("merge_select", f["merge_select"]); err != nil {
		return nil, err
	}
	if spec.Exit, err = parsePredicate("exit", f["exit"]); err != nil {
		return nil, err
	}
	switch t := f["until_success"].(type) {
	case nil:
	case bool:
		spec.UntilSuccess = t
	case string:
		spec.UntilSuccess = true
		spec.UntilSuccessMessage = t
	default:
		return nil, InvalidMessage("until_success must be a boolean or a failure message, got %T", t)
	}
	if spec.Extend, err = optionalMap("extend", f["extend"]); err != nil {
		return nil, err
	}
	if spec.Data, err = optionalMap("data", f["data"]); err != nil {
		return nil, err
	}
	return spec, nil
}
