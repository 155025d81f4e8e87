package degradation

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type managerMetrics struct {
	writesQueued       metric.Int64Counter
	writesReplayed     metric.Int64Counter
	writesDropped      metric.Int64Counter
	writesDeadLettered metric.Int64Counter
	replayLatency      metric.Float64Histogram
	queueDepth         metric.Int64Gauge
}

func newManagerMetrics(provider metric.MeterProvider) (managerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("shardkit.degradation")

	var (
		metrics managerMetrics
		err     error
	)

	metrics.writesQueued, err = meter.Int64Counter(
		"degradation.writes.queued",
		metric.WithDescription("Number of writes deferred because their target was unavailable"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create degradation.writes.queued counter: %w", err)
	}

	metrics.writesReplayed, err = meter.Int64Counter(
		"degradation.writes.replayed",
		metric.WithDescription("Number of deferred writes successfully replayed"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create degradation.writes.replayed counter: %w", err)
	}

	metrics.writesDropped, err = meter.Int64Counter(
		"degradation.writes.dropped",
		metric.WithDescription("Number of queued writes evicted oldest-first because the queue was full"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create degradation.writes.dropped counter: %w", err)
	}

	metrics.writesDeadLettered, err = meter.Int64Counter(
		"degradation.writes.dead_lettered",
		metric.WithDescription("Number of queued writes moved to the dead-letter store after exhausting retries"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create degradation.writes.dead_lettered counter: %w", err)
	}

	metrics.replayLatency, err = meter.Float64Histogram(
		"degradation.replay.latency",
		metric.WithDescription("Time taken to replay one deferred write"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create degradation.replay.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"degradation.queue.depth",
		metric.WithDescription("Number of writes currently held in the deferred-write queue"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return managerMetrics{}, fmt.Errorf("create degradation.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
