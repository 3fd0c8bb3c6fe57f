package fetchqueue

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type fetchQueueMetricsCollection struct {
	enqueued        metric.Int64Counter
	duplicates      metric.Int64Counter
	completed       metric.Int64Counter
	queueWait       metric.Float64Histogram
	requestDuration metric.Float64Histogram
}

var metrics fetchQueueMetricsCollection

func init() {
	const name = "tilestream/fetchqueue"
	meter := otel.Meter(name)

	enqueued, err := meter.Int64Counter(
		"fetchqueue/enqueued_count",
		metric.WithDescription("Tile fetches accepted into the queue"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create enqueued count metric: %w", err))
	}

	duplicates, err := meter.Int64Counter(
		"fetchqueue/duplicate_count",
		metric.WithDescription("Tile fetches dropped because the key was already queued or in flight"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create duplicate count metric: %w", err))
	}

	completed, err := meter.Int64Counter(
		"fetchqueue/completed_count",
		metric.WithDescription("Tile fetches completed, by status"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create completed count metric: %w", err))
	}

	queueWait, err := meter.Float64Histogram(
		"fetchqueue/queue_wait_seconds",
		metric.WithDescription("Time from enqueue until the request is started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue wait metric: %w", err))
	}

	requestDuration, err := meter.Float64Histogram(
		"fetchqueue/request_duration_seconds",
		metric.WithDescription("Time from request start until the response reached the control loop"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create request duration metric: %w", err))
	}

	metrics = fetchQueueMetricsCollection{
		enqueued:        enqueued,
		duplicates:      duplicates,
		completed:       completed,
		queueWait:       queueWait,
		requestDuration: requestDuration,
	}
}
