package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls span export for liveflow processes. The zero value exports nothing.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`

	// OTLP gRPC collector, host:port
	Endpoint string `yaml:"endpoint"`

	// Plaintext gRPC. Off means TLS with the system roots.
	Insecure bool `yaml:"insecure"`

	// Fraction of root spans kept, 0..1. Child spans follow their parent.
	SamplingRatio float64 `yaml:"sampling_ratio"`

	Timeout time.Duration `yaml:"timeout"`

	// Extra resource attributes, e.g. deployment.environment
	Attributes map[string]string `yaml:"attributes"`
}

// DefaultConfig returns tracing disabled, pointed at a local plaintext collector
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ServiceName:   "liveflow",
		Endpoint:      "localhost:4317",
		Insecure:      true,
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
	}
}

// Validate only checks an enabled config; disabled tracing accepts anything
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when tracing is enabled")
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("telemetry sampling_ratio %v out of range [0,1]", c.SamplingRatio)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("telemetry timeout must not be negative")
	}
	return nil
}

func (c Config) exporterOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if c.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(c.Timeout))
	}
	return opts
}

// resourceAttributes puts the service name first and the extras in key order
func (c Config) resourceAttributes() []attribute.KeyValue {
	name := c.ServiceName
	if name == "" {
		name = "liveflow"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}

	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, c.Attributes[k]))
	}
	return attrs
}

// Setup installs the global tracer provider and W3C propagator. The returned func flushes pending spans.
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "telemetry").Logger()
	logger.Info().
		Str("endpoint", config.Endpoint).
		Bool("insecure", config.Insecure).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Setting up OpenTelemetry tracing")

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(config.exporterOptions()...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(config.resourceAttributes()...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		logger.Info().Msg("Shutting down OpenTelemetry tracing")
		return provider.Shutdown(ctx)
	}, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
