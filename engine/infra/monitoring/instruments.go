package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/compozy/flow/engine/infra/monitoring/metrics"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Instruments are the engine-level dispatch metrics.
type Instruments struct {
	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	retries    metric.Int64Counter
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	dispatches, err := meter.Int64Counter(
		metrics.MetricName("dispatches_total"),
		metric.WithDescription("Descriptors dispatched by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		metrics.MetricName("dispatch_duration_seconds"),
		metric.WithDescription("Dispatch latency by kind"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.DispatchDurationBuckets...),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		metrics.MetricName("dispatches_in_flight"),
		metric.WithDescription("Dispatches currently running"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		metrics.MetricName("until_attempts_total"),
		metric.WithDescription("Repeated action invocations caused by until$ or until_success$"),
	)
	if err != nil {
		return nil, err
	}
	return &Instruments{dispatches: dispatches, duration: duration, inFlight: inFlight, retries: retries}, nil
}

// DispatchStarted marks a dispatch of kind as running and returns the
// function that records its completion.
func (i *Instruments) DispatchStarted(ctx context.Context, kind string) func(outcome string) {
	if i == nil {
		return func(string) {}
	}
	ctx = context.WithoutCancel(ctx)
	kindAttr := attribute.String("kind", kind)
	i.inFlight.Add(ctx, 1, metric.WithAttributes(kindAttr))
	start := time.Now()
	return func(outcome string) {
		i.inFlight.Add(ctx, -1, metric.WithAttributes(kindAttr))
		i.dispatches.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("outcome", outcome)))
		i.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(kindAttr))
	}
}

// RetryAttempted counts one repeated invocation.
func (i *Instruments) RetryAttempted(ctx context.Context) {
	if i == nil {
		return
	}
	i.retries.Add(context.WithoutCancel(ctx), 1)
}
