// Package observability wires the OpenTelemetry metric SDK to a Prometheus
// exporter for the packages that declare meters.
package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/observability/metrics"
)

const InstrumentationName = "github.com/ssvlabs/slashing-protector"

// Initialize installs a global meter provider. Without WithMetrics the
// provider stays the otel no-op one.
func Initialize(appName, appVersion string, l *zap.Logger, options ...Option) (shutdown func(context.Context) error, err error) {
	var (
		config        Config
		shutdownFuncs []func(context.Context) error
	)

	if l == nil {
		l = zap.NewNop()
	}
	logger := l.Named(logging.NameObservability)
	metrics.InitLogger(logger)

	shutdown = func(ctx context.Context) error {
		var joinedErr error
		for _, f := range shutdownFuncs {
			if err := f(ctx); err != nil {
				joinedErr = errors.Join(joinedErr, err)
			}
		}
		return joinedErr
	}

	for _, option := range options {
		option(&config)
	}

	if !config.metrics.enabled {
		logger.Info("metrics disabled")
		return shutdown, nil
	}

	resources, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(appName),
		semconv.ServiceVersion(appVersion),
	))
	if err != nil {
		return shutdown, fmt.Errorf("could not build OTel resources: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return shutdown, fmt.Errorf("failed to instantiate metric Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resources),
		sdkmetric.WithReader(promExporter),
	)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logger.Info("observability stack initialized", zap.Bool("metrics_enabled", true))
	return shutdown, nil
}
