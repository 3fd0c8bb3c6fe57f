package lifecycle

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type lifecycleMetricsCollection struct {
	tracked      metric.Int64Counter
	released     metric.Int64Counter
	ready        metric.Int64Counter
	failed       metric.Int64Counter
	fallbacks    metric.Int64Counter
	revalidation metric.Int64Counter
	timeToReady  metric.Float64Histogram
}

var metrics lifecycleMetricsCollection

func init() {
	const name = "tilestream/lifecycle"
	meter := otel.Meter(name)

	tracked, err := meter.Int64Counter(
		"lifecycle/tracked_count",
		metric.WithDescription("Tiles that entered the desired set"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create tracked count metric: %w", err))
	}

	released, err := meter.Int64Counter(
		"lifecycle/released_count",
		metric.WithDescription("Tiles that left the desired set, by phase at release"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create released count metric: %w", err))
	}

	ready, err := meter.Int64Counter(
		"lifecycle/ready_count",
		metric.WithDescription("Tiles handed to the renderer, by source tier"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create ready count metric: %w", err))
	}

	failed, err := meter.Int64Counter(
		"lifecycle/failed_count",
		metric.WithDescription("Tiles that failed, by stage"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create failed count metric: %w", err))
	}

	fallbacks, err := meter.Int64Counter(
		"lifecycle/fallback_count",
		metric.WithDescription("Ancestor fallbacks shown while a tile was loading"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create fallback count metric: %w", err))
	}

	revalidation, err := meter.Int64Counter(
		"lifecycle/revalidation_count",
		metric.WithDescription("Revalidations of expired entries, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create revalidation count metric: %w", err))
	}

	timeToReady, err := meter.Float64Histogram(
		"lifecycle/time_to_ready_seconds",
		metric.WithDescription("Time from a tile entering the desired set until it was shown"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create time to ready metric: %w", err))
	}

	metrics = lifecycleMetricsCollection{
		tracked:      tracked,
		released:     released,
		ready:        ready,
		failed:       failed,
		fallbacks:    fallbacks,
		revalidation: revalidation,
		timeToReady:  timeToReady,
	}
}
