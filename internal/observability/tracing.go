package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/aqmap/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "github.com/signalsfoundry/aqmap"

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64
}

// TracingConfigFromEnv pulls tracing configuration from AQMAP_TRACING_*
// environment variables, using defaults when unset.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("AQMAP_TRACING_ENABLED"), "true"),
		ServiceName: os.Getenv("AQMAP_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(os.Getenv("AQMAP_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("AQMAP_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aqmap"
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	if raw := os.Getenv("AQMAP_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg
}

// InitTracing wires a tracer provider, exporter, propagators, and sampler based
// on the provided configuration. It returns a shutdown function to flush spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.namespace", "aqmap"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)

	return tp.Shutdown, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// StartSpan starts an internal span tagged with the layer being worked on.
func StartSpan(ctx context.Context, name, layer string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	if layer != "" {
		attrs = append(attrs, attribute.String("layer", layer))
	}
	attrs = append(attrs, extra...)
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
