package markersvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const tracerName = "github.com/signalsfoundry/aqmap/internal/markersvc"

// TracingUnaryServerInterceptor enriches RPC spans with standard attributes and
// ensures a server span exists when the otelgrpc stats handler is not
// installed.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		spanName := fmt.Sprintf("%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(spanName)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			attrs = append(attrs, attribute.String("request_id", reqID))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}

		if created {
			span.End()
		}
		return resp, err
	}
}
