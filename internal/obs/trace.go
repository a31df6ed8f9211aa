package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cat-ai-factory/caf-pipeline"

// Tracer returns the pipeline's shared tracer. With no SDK provider
// registered by the host process this degrades to otel's no-op tracer,
// which keeps spans free in tests and unconfigured deployments.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named for the subprocess or state transition being
// observed, tagged with job_id.
func StartSpan(ctx context.Context, name, jobID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
}
