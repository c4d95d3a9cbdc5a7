package protector

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ssvlabs/slashing-protector/observability/metrics"
)

const (
	observabilityName      = "github.com/ssvlabs/slashing-protector/protector"
	observabilityNamespace = "slashing_protector"
)

var (
	meter = otel.Meter(observabilityName)

	decisionsCounter = metrics.New(
		meter.Int64Counter(
			metricName("decisions"),
			metric.WithUnit("{decision}"),
			metric.WithDescription("number of signing decisions by kind and outcome")))

	decisionDurationHistogram = metrics.New(
		meter.Float64Histogram(
			metricName("decision.duration"),
			metric.WithUnit("s"),
			metric.WithDescription("signing decision duration in seconds"),
			metric.WithExplicitBucketBoundaries(metrics.SecondsHistogramBuckets...)))
)

func metricName(name string) string {
	return fmt.Sprintf("%s.%s", observabilityNamespace, name)
}

func recordDecision(ctx context.Context, kind string, outcome outcome, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", string(outcome)),
	)
	decisionsCounter.Add(ctx, 1, attrs)
	decisionDurationHistogram.Record(ctx, time.Since(start).Seconds(), attrs)
}
