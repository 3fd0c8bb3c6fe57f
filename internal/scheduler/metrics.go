package scheduler

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type schedulerMetricsCollection struct {
	started     metric.Int64Counter
	finished    metric.Int64Counter
	queueWait   metric.Float64Histogram
	runDuration metric.Float64Histogram
}

var metrics schedulerMetricsCollection

func init() {
	const name = "tilestream/scheduler"
	meter := otel.Meter(name)

	started, err := meter.Int64Counter(
		"scheduler/started_count",
		metric.WithDescription("Tasks started, by priority"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create started count metric: %w", err))
	}

	finished, err := meter.Int64Counter(
		"scheduler/finished_count",
		metric.WithDescription("Tasks whose continuation fired, by result kind"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create finished count metric: %w", err))
	}

	queueWait, err := meter.Float64Histogram(
		"scheduler/queue_wait_seconds",
		metric.WithDescription("Time from AddTask until the task started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue wait metric: %w", err))
	}

	runDuration, err := meter.Float64Histogram(
		"scheduler/run_duration_seconds",
		metric.WithDescription("Time spent running task work"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create run duration metric: %w", err))
	}

	metrics = schedulerMetricsCollection{
		started:     started,
		finished:    finished,
		queueWait:   queueWait,
		runDuration: runDuration,
	}
}
