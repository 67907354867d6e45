package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/compozy/flow/engine/infra/monitoring/metrics"
)

var (
	metricsOnce   sync.Once
	lookupCounter metric.Int64Counter
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flow.cache")
		counter, err := meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("cache", "lookups_total"),
			metric.WithDescription("Result cache lookups by outcome"),
			metric.WithUnit("1"),
		)
		if err == nil {
			lookupCounter = counter
		}
	})
}

func recordLookup(ctx context.Context, hit bool) {
	ensureMetrics()
	if lookupCounter == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	lookupCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
