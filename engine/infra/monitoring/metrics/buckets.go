package metrics

// DispatchDurationBuckets defines latency buckets for dispatch duration metrics.
var DispatchDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ValidationDurationBuckets defines latency buckets for descriptor validation.
var ValidationDurationBuckets = []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01}
