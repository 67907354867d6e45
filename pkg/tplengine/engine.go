package tplengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/compozy/flow/pkg/expr"
)

// EngineFormat represents the format of the template engine output
type EngineFormat string

const (
	// FormatYAML represents YAML output format
	FormatYAML EngineFormat = "yaml"
	// FormatJSON represents JSON output format
	FormatJSON EngineFormat = "json"
	// FormatText represents plain text output format
	FormatText EngineFormat = "text"
)

const (
	exprOpen  = "<%="
	exprClose = "%>"
)

// TemplateEngine renders text containing `<%= expr %>` segments, evaluated
// against the working context, and `{{ }}` text/template actions with sprig
// functions.
type TemplateEngine struct {
	templates    map[string]*template.Template
	globalValues map[string]any
	format       EngineFormat
	evaluator    *expr.Evaluator
	fs           afero.Fs
}

// ProcessResult contains the result of processing a template
type ProcessResult struct {
	Text string
	YAML any
	JSON any
}

// NewEngine creates a new template engine with the specified format
func NewEngine(format EngineFormat) *TemplateEngine {
	return &TemplateEngine{
		templates:    make(map[string]*template.Template),
		globalValues: make(map[string]any),
		format:       format,
		fs:           afero.NewOsFs(),
	}
}

// WithFormat returns a new engine with the specified format
func (e *TemplateEngine) WithFormat(format EngineFormat) *TemplateEngine {
	e.format = format
	return e
}

// WithEvaluator enables `<%= %>` segments.
func (e *TemplateEngine) WithEvaluator(evaluator *expr.Evaluator) *TemplateEngine {
	e.evaluator = evaluator
	return e
}

// WithFs swaps the filesystem ProcessFile reads from.
func (e *TemplateEngine) WithFs(fs afero.Fs) *TemplateEngine {
	e.fs = fs
	return e
}

// AddTemplate adds a template to the engine
func (e *TemplateEngine) AddTemplate(name, templateStr string) error {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(sprig.FuncMap()).Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	e.templates[name] = tmpl
	return nil
}

// AddGlobalValue adds a global value to the template engine
func (e *TemplateEngine) AddGlobalValue(name string, value any) {
	e.globalValues[name] = value
}

// HasTemplate returns true if the template contains template markers
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// HasExpression returns true if s contains an expression segment
func HasExpression(s string) bool {
	return strings.Contains(s, exprOpen)
}

// Render renders a template by name
func (e *TemplateEngine) Render(name string, context map[string]any) (string, error) {
	tmpl, ok := e.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}
	return e.renderTemplate(tmpl, context)
}

// RenderString renders a text/template string
func (e *TemplateEngine) RenderString(templateStr string, context map[string]any) (string, error) {
	if !HasTemplate(templateStr) {
		return templateStr, nil
	}
	tmpl, err := template.New("inline").Option("missingkey=error").Funcs(sprig.FuncMap()).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	return e.renderTemplate(tmpl, context)
}

func (e *TemplateEngine) renderTemplate(tmpl *template.Template, context map[string]any) (string, error) {
	data := make(map[string]any, len(context)+len(e.globalValues))
	maps.Copy(data, context)
	maps.Copy(data, e.globalValues)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return buf.String(), nil
}

// Interpolate resolves every `<%= expr %>` segment of s against scope and
// renders `{{ }}` actions with scope as data. Evaluated values are inserted as
// text and never parsed as templates. A scope that is not a mapping is
// reachable as .value in `{{ }}` actions.
func (e *TemplateEngine) Interpolate(ctx context.Context, s string, scope any) (string, error) {
	if !HasTemplate(s) {
		if !HasExpression(s) {
			return s, nil
		}
		var b strings.Builder
		err := e.evalSegments(ctx, s, scope, func(text string) { b.WriteString(text) }, func(v string) { b.WriteString(v) })
		if err != nil {
			return "", err
		}
		return b.String(), nil
	}
	var (
		src    strings.Builder
		values []string
	)
	err := e.evalSegments(ctx, s, scope,
		func(text string) { src.WriteString(text) },
		func(v string) {
			fmt.Fprintf(&src, "{{ %s %d }}", segmentFunc, len(values))
			values = append(values, v)
		})
	if err != nil {
		return "", err
	}
	data, ok := scope.(map[string]any)
	if !ok {
		data = map[string]any{"value": scope}
	}
	tmpl, err := template.New("interpolate").
		Option("missingkey=error").
		Funcs(sprig.HermeticTxtFuncMap()).
		Funcs(template.FuncMap{segmentFunc: func(i int) string { return values[i] }}).
		Parse(src.String())
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	return e.renderTemplate(tmpl, data)
}

// segmentFunc returns the evaluated `<%= %>` segment with the given index.
const segmentFunc = "flowSegment"

// evalSegments walks s, passing literal text and the stringified value of
// each `<%= %>` segment to the given callbacks in order.
func (e *TemplateEngine) evalSegments(
	ctx context.Context,
	s string,
	scope any,
	literal func(string),
	value func(string),
) error {
	rest := s
	for {
		start := strings.Index(rest, exprOpen)
		if start < 0 {
			literal(rest)
			return nil
		}
		if e.evaluator == nil {
			return fmt.Errorf("template %q: no expression evaluator configured", s)
		}
		end := strings.Index(rest[start:], exprClose)
		if end < 0 {
			return fmt.Errorf("template %q: unterminated %s segment", s, exprOpen)
		}
		literal(rest[:start])
		source := strings.TrimSpace(rest[start+len(exprOpen) : start+end])
		v, err := e.evaluator.Eval(ctx, source, expr.Activation{Scope: scope})
		if err != nil {
			return fmt.Errorf("template %q: %w", s, err)
		}
		value(expr.Stringify(v))
		rest = rest[start+end+len(exprClose):]
	}
}

// ProcessString processes a template string and returns the result
func (e *TemplateEngine) ProcessString(templateStr string, context map[string]any) (*ProcessResult, error) {
	rendered, err := e.RenderString(templateStr, context)
	if err != nil {
		return nil, err
	}
	result := &ProcessResult{Text: rendered}
	switch e.format {
	case FormatYAML:
		var yamlObj any
		if err := yaml.Unmarshal([]byte(rendered), &yamlObj); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		result.YAML = yamlObj
	case FormatJSON:
		var jsonObj any
		if err := json.Unmarshal([]byte(rendered), &jsonObj); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		result.JSON = jsonObj
	}
	return result, nil
}

// ProcessFile processes a template file and returns the result
func (e *TemplateEngine) ProcessFile(filePath string, context map[string]any) (*ProcessResult, error) {
	templateBytes, err := afero.ReadFile(e.fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	if e.format == "" {
		switch strings.ToLower(filepath.Ext(filePath)) {
		case ".yaml", ".yml":
			e.format = FormatYAML
		case ".json":
			e.format = FormatJSON
		default:
			e.format = FormatText
		}
	}
	return e.ProcessString(string(templateBytes), context)
}
