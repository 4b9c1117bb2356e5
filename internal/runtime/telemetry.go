package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fathomlabs/scribeflow/internal/config"
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

// telemetry owns the trace and meter providers plus the Prometheus scrape
// listener. Session gauges register against the global meter provider set
// here, so startTelemetry must run before the session manager comes up.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	handler http.Handler
	scrape  *http.Server
	logger  *slog.Logger
}

func startTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &telemetry{logger: logger}

	exporter, kind, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.traces)
	logger.Info("tracing initialized", slog.String("exporter", kind))

	// A failed Prometheus exporter degrades to an unexported meter provider
	// so gauge registration in the session manager still succeeds.
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		t.metrics = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		t.metrics = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(promExporter),
			sdkmetric.WithResource(res),
		)
		t.handler = promhttp.Handler()
	}
	otel.SetMeterProvider(t.metrics)

	if t.handler != nil && cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.handler)
		t.scrape = &http.Server{
			Addr:              cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := t.scrape.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("metrics listener started", slog.String("addr", cfg.Telemetry.PrometheusBind))
	}

	return t, nil
}

func newTraceExporter(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", err
		}
		return exporter, "otlp", nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, "", err
	}
	return exporter, "stdout", nil
}

// Shutdown flushes both providers and stops the scrape listener.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.scrape != nil {
		if err := t.scrape.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.traces.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
