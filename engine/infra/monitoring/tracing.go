package monitoring

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/compozy/flow/pkg/version"
)

const serviceName = "flow"

// Tracing owns the tracer provider exporting dispatch spans as JSON lines.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// NewTracing builds a tracer provider writing finished spans to w.
func NewTracing(ctx context.Context, w io.Writer) (*Tracing, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version.Get().Version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	return &Tracing{provider: provider}, nil
}

func (t *Tracing) Provider() *sdktrace.TracerProvider {
	return t.provider
}

// SetAsGlobal installs the provider as the process tracer provider.
func (t *Tracing) SetAsGlobal() {
	otel.SetTracerProvider(t.provider)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
