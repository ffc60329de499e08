// Package telemetry wires OpenTelemetry metrics to the Prometheus registry
// served on /metrics.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/config"
)

// Init installs the global MeterProvider backed by the default Prometheus
// registry. Returns a shutdown func flushing the provider. When telemetry is
// disabled both return values are no-ops.
func Init(cfg config.TelemetryConfig, version string, logger *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "graphd"
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)

	// The exporter registers with the default prometheus registry, so
	// promhttp.Handler() picks the metrics up without extra wiring.
	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	logger.Info("telemetry initialized",
		zap.String("service", serviceName),
		zap.String("exporter", "prometheus"),
	)

	return provider.Shutdown, nil
}
