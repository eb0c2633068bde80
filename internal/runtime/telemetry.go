package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-ttsgw/internal/backend"
	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/loqalabs/loqa-ttsgw/internal/gate"
	"github.com/loqalabs/loqa-ttsgw/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const meterName = "github.com/loqalabs/loqa-ttsgw/internal/runtime"

// telemetry owns the gateway's trace and meter providers plus the gauges
// that report gate and worker state on every scrape.
type telemetry struct {
	logger        *slog.Logger
	meters        *sdkmetric.MeterProvider
	traces        *sdktrace.TracerProvider
	metrics       http.Handler
	registrations []metric.Registration
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := gatewayResource(cfg)
	if err != nil {
		return nil, err
	}

	t := &telemetry{logger: logger.With(slog.String("component", "telemetry"))}
	if t.traces, err = t.tracerProvider(cfg.Telemetry, cfg.Environment, res); err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.traces)

	t.meters, t.metrics = t.meterProvider(res)
	otel.SetMeterProvider(t.meters)
	return t, nil
}

// gatewayResource describes this gateway instance: which backend it fronts
// and how many jobs it lets through at once.
func gatewayResource(cfg config.Config) (*resource.Resource, error) {
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("tts.backend.url", backend.OptionsFromConfig(cfg.Backend).URL()),
			attribute.Bool("tts.backend.managed", cfg.Backend.Managed),
			attribute.Int("tts.gate.capacity", gate.Capacity),
			attribute.String("tts.worker.subject", cfg.Worker.Subject),
		),
	)
}

// tracerProvider exports to OTLP when an endpoint is configured. Without one,
// spans go to stdout in development and are dropped elsewhere.
func (t *telemetry) tracerProvider(cfg config.TelemetryConfig, env string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, err
		}
		exporter = exp
		t.logger.Info("tracing enabled", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	case env == "development":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporter = exp
		t.logger.Info("tracing enabled", slog.String("exporter", "stdout"))
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// meterProvider serves metrics through the Prometheus exporter. If the
// exporter cannot be registered, metrics are still recorded but /metrics is
// not mounted.
func (t *telemetry) meterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler) {
	exporter, err := prometheus.New()
	if err != nil {
		t.logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.Handler()
}

// observeGateway registers gauges read at collection time: whether the gate
// is held, how many slots were granted and returned, how many jobs the
// worker is carrying and whether the backend process is up.
func (t *telemetry) observeGateway(g *gate.Gate, w *worker.Service, h *backend.Handle) error {
	meter := t.meters.Meter(meterName)

	inUse, err := meter.Int64ObservableGauge("ttsgw.gate.in_use",
		metric.WithDescription("1 while a job holds the backend"))
	if err != nil {
		return err
	}
	granted, err := meter.Int64ObservableCounter("ttsgw.gate.granted",
		metric.WithDescription("Gate slots granted since start"))
	if err != nil {
		return err
	}
	returned, err := meter.Int64ObservableCounter("ttsgw.gate.returned",
		metric.WithDescription("Gate slots returned since start"))
	if err != nil {
		return err
	}
	inflight, err := meter.Int64ObservableGauge("ttsgw.worker.inflight",
		metric.WithDescription("Bus jobs running or waiting for the gate"))
	if err != nil {
		return err
	}
	alive, err := meter.Int64ObservableGauge("ttsgw.backend.alive",
		metric.WithDescription("1 while the backend process is running"))
	if err != nil {
		return err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := g.Stats()
		o.ObserveInt64(inUse, boolGauge(st.InUse))
		o.ObserveInt64(granted, st.Acquired)
		o.ObserveInt64(returned, st.Released)
		o.ObserveInt64(inflight, int64(w.Inflight()))
		o.ObserveInt64(alive, boolGauge(h.Alive()))
		return nil
	}, inUse, granted, returned, inflight, alive)
	if err != nil {
		return err
	}
	t.registrations = append(t.registrations, reg)
	return nil
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, reg := range t.registrations {
		if err := reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.meters.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.traces.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
