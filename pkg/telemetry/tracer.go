// Package telemetry provides OpenTelemetry observability for OpenFleet
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("openfleet")

// Span names for OpenFleet operations
const (
	// Daemon spans
	SpanDaemonRun      = "openfleet.daemon.run"
	SpanDaemonDispatch = "openfleet.daemon.dispatch"

	// Task spans
	SpanTaskExecute = "openfleet.task.execute"
	SpanTaskArchive = "openfleet.task.archive"

	// Turn spans
	SpanTurnLaunch = "openfleet.turn.launch"
	SpanTurnStream = "openfleet.turn.stream"

	// Resolver spans
	SpanResolveCycle    = "openfleet.resolve.cycle"
	SpanResolvePR       = "openfleet.resolve.pr"
	SpanResolveEscalate = "openfleet.resolve.escalate"
	SpanAutoMerge       = "openfleet.resolve.automerge"

	// Git spans
	SpanGitMerge    = "openfleet.git.merge"
	SpanGitWorktree = "openfleet.git.worktree"
)

// StartTaskSpan starts a span for a task operation
func StartTaskSpan(ctx context.Context, name, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyTaskID, taskID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTurnSpan starts a span for one agent turn
func StartTurnSpan(ctx context.Context, provider, threadKey string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyProvider, provider),
		attribute.String(KeyThreadKey, threadKey),
	)
	return tracer.Start(ctx, SpanTurnLaunch, trace.WithAttributes(attrs...))
}

// StartResolveSpan starts a span for one PR resolution attempt
func StartResolveSpan(ctx context.Context, prNumber int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int(KeyPRNumber, prNumber))
	return tracer.Start(ctx, SpanResolvePR, trace.WithAttributes(attrs...))
}

// StartSpan starts a plain named span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span and marks the span failed
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
	}
	if category != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, category))
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the trace id from context, if a span is active
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
