package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricName(t *testing.T) {
	t.Run("Should add the engine prefix", func(t *testing.T) {
		assert.Equal(t, "flow_dispatch_total", MetricName("dispatch_total"))
	})
	t.Run("Should keep an existing prefix", func(t *testing.T) {
		assert.Equal(t, "flow_cache_hits_total", MetricName("flow_cache_hits_total"))
	})
	t.Run("Should return the bare prefix for a blank name", func(t *testing.T) {
		assert.Equal(t, "flow_", MetricName(""))
	})
}

func TestMetricNameWithSubsystem(t *testing.T) {
	t.Run("Should join subsystem and name", func(t *testing.T) {
		assert.Equal(t, "flow_cache_hits_total", MetricNameWithSubsystem("cache", "hits_total"))
	})
	t.Run("Should trim stray underscores", func(t *testing.T) {
		assert.Equal(t, "flow_retry_polls_total", MetricNameWithSubsystem("_retry_", "_polls_total"))
	})
	t.Run("Should handle a missing part", func(t *testing.T) {
		assert.Equal(t, "flow_schema", MetricNameWithSubsystem("schema", ""))
		assert.Equal(t, "flow_dispatch_total", MetricNameWithSubsystem("", "dispatch_total"))
	})
}
