package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// InitTracer configura el exporter OTLP/HTTP hacia endpoint (host:puerto).
// Sin endpoint no se exporta nada y los spans quedan en el provider no-op.
// Devuelve la función de apagado que vacía el batcher.
func InitTracer(ctx context.Context, serviceName, endpoint string, log *zap.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		log.Info("🔭 Tracing desactivado (sin OTEL_EXPORTER_OTLP_ENDPOINT)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	// W3C Trace Context
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info("🔭 Tracing OTLP activado", zap.String("endpoint", endpoint))
	return tp.Shutdown, nil
}
