// Package otel installs the trace pipeline shared by chatrelay processes and
// hands out tracers to the packages that emit spans.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/chatrelay/internal/platform/config"
)

// Namespace groups every chatrelay process in trace backends.
const Namespace = "chatrelay"

// Config selects where spans go. Tracing stays off until Endpoint is set.
type Config struct {
	Endpoint string `env:"CHATRELAY_OTEL_ENDPOINT"`
	// Enabled set to "false" turns tracing off even with an endpoint.
	Enabled     string  `env:"CHATRELAY_OTEL_ENABLED"`
	SampleRatio float64 `env:"CHATRELAY_OTEL_SAMPLE_RATIO" envDefault:"1"`
	Environment string  `env:"CHATRELAY_ENV"               envDefault:"development"`
}

func (c Config) active() bool {
	return strings.TrimSpace(c.Endpoint) != "" && !strings.EqualFold(strings.TrimSpace(c.Enabled), "false")
}

// ServiceName returns the trace service name for a chatrelay component,
// e.g. "chatrelay-relay".
func ServiceName(component string) string {
	return Namespace + "-" + strings.TrimSpace(component)
}

// Setup reads Config from the environment and calls SetupWithConfig.
func Setup(ctx context.Context, component string) (shutdown func(context.Context) error, err error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return noopShutdown, err
	}
	return SetupWithConfig(ctx, component, cfg)
}

// SetupWithConfig registers a global tracer provider exporting over OTLP
// HTTP. When tracing is inactive it registers nothing and returns a no-op
// shutdown. The shutdown function flushes pending spans.
func SetupWithConfig(ctx context.Context, component string, cfg Config) (func(context.Context) error, error) {
	if !cfg.active() {
		return noopShutdown, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noopShutdown, fmt.Errorf("create otlp exporter: %w", err)
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(ServiceName(component)),
		semconv.ServiceNamespace(Namespace),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func noopShutdown(context.Context) error { return nil }

// Tracer returns a named tracer from the global provider. Before Setup
// registers a provider, spans are no-ops.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("github.com/louisbranch/chatrelay/" + name)
}
