package statusserver

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type statusServerMetricsCollection struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

var metrics statusServerMetricsCollection

func init() {
	const name = "tilestream/statusserver"
	meter := otel.Meter(name)

	requestCount, err := meter.Int64Counter(
		"statusserver/request_count",
		metric.WithDescription("Total number of requests received"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create request count metric: %w", err))
	}

	requestDuration, err := meter.Float64Histogram(
		"statusserver/request_duration_seconds",
		metric.WithDescription("Processing time for received requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create request duration metric: %w", err))
	}

	metrics = statusServerMetricsCollection{
		requestCount:    requestCount,
		requestDuration: requestDuration,
	}
}
