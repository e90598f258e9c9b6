// Package telemetry exposes OpenTelemetry spans and metric instruments for
// sync cycles. Without a provider installed by the host process, the global
// otel implementations are no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

const instrumentationName = "github.com/johndauphine/erp-aps-sync"

// StartCycleSpan starts the root span of a cycle.
func StartCycleSpan(ctx context.Context, runID string, entities int) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "cycle",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("cycle.entities", entities),
		),
	)
}

// StartStageSpan starts a span for one stage, optionally scoped to an entity.
func StartStageSpan(ctx context.Context, stage syncerr.Stage, entity string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("stage", string(stage))}
	if entity != "" {
		attrs = append(attrs, attribute.String("entity", entity))
	}
	return otel.Tracer(instrumentationName).Start(ctx, string(stage), trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
