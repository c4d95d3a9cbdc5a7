package pruner

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
	observabilityName      = "github.com/ssvlabs/slashing-protector/pruner"
	observabilityNamespace = "slashing_protector.pruner"
)

var (
	meter = otel.Meter(observabilityName)

	passDurationHistogram = metrics.New(
		meter.Float64Histogram(
			metricName("duration"),
			metric.WithUnit("s"),
			metric.WithDescription("pruning pass duration in seconds"),
			metric.WithExplicitBucketBoundaries(metrics.SecondsHistogramBuckets...)))

	deletedRowsCounter = metrics.New(
		meter.Int64Counter(
			metricName("deleted_rows"),
			metric.WithUnit("{row}"),
			metric.WithDescription("number of signing history rows deleted by the pruner")))
)

func metricName(name string) string {
	return fmt.Sprintf("%s.%s", observabilityNamespace, name)
}

func recordPass(ctx context.Context, summary Summary, start time.Time) {
	passDurationHistogram.Record(ctx, time.Since(start).Seconds())
	deletedRowsCounter.Add(ctx, summary.BlocksDeleted, metric.WithAttributes(attribute.String("kind", "block")))
	deletedRowsCounter.Add(ctx, summary.AttestationsDeleted, metric.WithAttributes(attribute.String("kind", "attestation")))
}
