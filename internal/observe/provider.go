package observe

import (
	"context"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing how an agent instance is wired.
const (
	AttrLLMProvider  = attribute.Key("fetchpilot.llm.provider")
	AttrLLMModel     = attribute.Key("fetchpilot.llm.model")
	AttrResolveCheck = attribute.Key("fetchpilot.fetch.resolve_check")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "fetchpilot".
	ServiceName string

	ServiceVersion string

	// InstanceID is reported as service.instance.id. Default: the hostname.
	InstanceID string

	// LLMProvider and LLMModel name the primary model backend.
	LLMProvider string
	LLMModel    string

	// ResolveCheck mirrors fetch.resolve_check so dashboards can tell guarded
	// replicas apart.
	ResolveCheck bool

	// Registerer receives the Prometheus collector. Nil means the default
	// registry served by promhttp.Handler.
	Registerer prometheus.Registerer

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// newResource describes one fetchpilot instance.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "fetchpilot"
	}
	instance := cfg.InstanceID
	if instance == "" {
		if h, err := os.Hostname(); err == nil {
			instance = h
		}
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		AttrResolveCheck.Bool(cfg.ResolveCheck),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(instance))
	}
	if cfg.LLMProvider != "" {
		attrs = append(attrs, AttrLLMProvider.String(cfg.LLMProvider))
	}
	if cfg.LLMModel != "" {
		attrs = append(attrs, AttrLLMModel.String(cfg.LLMModel))
	}

	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// InitProvider installs a Prometheus-backed [sdkmetric.MeterProvider] and a
// [sdktrace.TracerProvider] as the global OTel providers. The returned
// function flushes and closes both; call it on shutdown.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	var expOpts []promexporter.Option
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
