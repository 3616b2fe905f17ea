package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Version is reported as service.version.
var Version = "0.1.0-dev"

// telemetry owns the process-wide tracer and meter providers.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

// newTelemetry installs global providers for cfg. metrics is nil when the
// Prometheus exporter could not be registered.
func newTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceVersion(Version),
		attribute.String("deployment.environment", cfg.Environment),
	)

	exporter, name, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	} else {
		traceOpts = append(traceOpts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	t := &telemetry{tracer: sdktrace.NewTracerProvider(traceOpts...)}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable", slogError(err))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		t.metrics = promhttp.Handler()
	}
	t.meter = sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(t.tracer)
	otel.SetMeterProvider(t.meter)
	logger.Info("telemetry ready", slog.String("traces", name), slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

// spanExporter picks OTLP when an endpoint is set and stderr in development.
// A nil exporter means traces are dropped.
func spanExporter(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp", err
	}
	if cfg.Environment == "development" {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		return exp, "stdout", err
	}
	return nil, "none", nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
