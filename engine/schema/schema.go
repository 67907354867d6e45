package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/compozy/flow/engine/core"
)

type Schema map[string]any
type Result = jsonschema.EvaluationResult

var compiledSchemaCache sync.Map

func (s *Schema) String() string {
	bytes, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(bytes)
}

func (s *Schema) Compile(ctx context.Context) (*jsonschema.Schema, error) {
	if s == nil {
		return nil, nil
	}
	key := s.String()
	if cached, ok := compiledSchemaCache.Load(key); ok {
		recordSchemaCompile(ctx, 0, true)
		return cached.(*jsonschema.Schema), nil
	}
	start := time.Now()
	compiled, err := jsonschema.NewCompiler().Compile([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	compiledSchemaCache.Store(key, compiled)
	recordSchemaCompile(ctx, time.Since(start), false)
	return compiled, nil
}

func (s *Schema) Validate(ctx context.Context, value any) (*Result, error) {
	compiled, err := s.Compile(ctx)
	if err != nil {
		return nil, err
	}
	if compiled == nil {
		return nil, nil
	}
	start := time.Now()
	result := compiled.Validate(value)
	recordSchemaValidation(ctx, time.Since(start), result.Valid)
	if result.Valid {
		return result, nil
	}
	return nil, fmt.Errorf("schema validation failed: %s", describeErrors(result))
}

func describeErrors(result *Result) string {
	msgs := make([]string, 0, len(result.Errors))
	for field, e := range result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, e.Message))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

var (
	objectType    = Schema{"type": "object"}
	booleanType   = Schema{"type": "boolean"}
	stringType    = Schema{"type": "string"}
	predicateType = Schema{"type": []any{"string", "boolean"}}
	countType     = Schema{"type": "integer", "minimum": 0}
	itemsType     = Schema{"type": "array", "items": objectType}
)

// Operator shapes of the wire form, checked before a descriptor is parsed.
var (
	SequenceSchema = &Schema{
		"type":     "object",
		"required": []any{"sequence"},
		"properties": map[string]any{
			"sequence":    itemsType,
			"extend":      objectType,
			"data":        objectType,
			"merge":       booleanType,
			"series":      booleanType,
			"results":     booleanType,
			"concurrency": countType,
			"exit":        predicateType,
		},
	}
	ParallelSchema = &Schema{
		"type":     "object",
		"required": []any{"parallel"},
		"properties": map[string]any{
			"parallel": itemsType,
			"merge":    booleanType,
		},
	}
	IterateSchema = &Schema{
		"type":     "object",
		"required": []any{"iterate"},
		"oneOf": []any{
			Schema{"required": []any{"times"}},
			Schema{"required": []any{"with"}},
		},
		"properties": map[string]any{
			"iterate":       objectType,
			"times":         countType,
			"with":          Schema{"type": "array"},
			"series":        booleanType,
			"parallel":      booleanType,
			"concurrency":   countType,
			"merge":         booleanType,
			"merge_key":     stringType,
			"merge_select":  stringType,
			"exit":          predicateType,
			"until_success": predicateType,
			"extend":        objectType,
			"data":          objectType,
		},
	}
	EachSchema = &Schema{
		"type":     "object",
		"required": []any{"each"},
		"properties": map[string]any{
			"each": objectType,
			"in":   Schema{"type": "array"},
		},
	}
	WaterfallSchema = &Schema{
		"type":     "object",
		"required": []any{"waterfall"},
		"properties": map[string]any{
			"waterfall": itemsType,
		},
	}
	FlowSchema = &Schema{
		"type":     "object",
		"required": []any{"flow"},
		"properties": map[string]any{
			"flow": objectType,
		},
	}
)

// ShapeFor returns the wire schema of the operator raw names, or nil for actions.
func ShapeFor(raw map[string]any) *Schema {
	switch core.DetectKind(raw) {
	case core.KindSequence:
		return SequenceSchema
	case core.KindParallel:
		return ParallelSchema
	case core.KindIterate:
		if _, ok := raw["iterate"]; ok {
			return IterateSchema
		}
		return EachSchema
	case core.KindWaterfall:
		return WaterfallSchema
	case core.KindFlow:
		return FlowSchema
	default:
		return nil
	}
}

// ShapeValidator checks the top-level operator fields of a wire descriptor.
type ShapeValidator struct {
	raw map[string]any
}

func NewShapeValidator(raw map[string]any) *ShapeValidator {
	return &ShapeValidator{raw: raw}
}

func (v *ShapeValidator) Validate(ctx context.Context) error {
	shape := ShapeFor(v.raw)
	if shape == nil {
		return nil
	}
	fields := make(map[string]any, len(v.raw))
	for k, val := range v.raw {
		// Hooks are Go values and are checked on the typed descriptor.
		if k == "on_item" {
			continue
		}
		fields[k] = val
	}
	if _, err := shape.Validate(ctx, fields); err != nil {
		return core.InvalidMessage("%s: %s", core.DetectKind(v.raw), err.Error())
	}
	return nil
}
