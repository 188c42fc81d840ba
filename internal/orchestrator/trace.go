package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/tracing"
)

// startJobSpan opens the root span for one Job. The request and conversation
// ids are only known once begin has run, so they are attached at end time.
func (o *Orchestrator) startJobSpan(ctx context.Context, mode string, job Job) (context.Context, trace.Span) {
	ctx, span := o.opts.Tracer.Start(ctx, tracing.SpanPrefixJob+mode)
	span.SetAttributes(
		attribute.String(tracing.AttrJobMode, mode),
		attribute.String(tracing.AttrRepository, job.Repository),
	)
	return ctx, span
}

// endJobSpan records the terminal Result on the job span and closes it.
func endJobSpan(span trace.Span, res Result, err error) {
	span.SetAttributes(
		attribute.String(tracing.AttrRequestID, res.RequestID),
		attribute.String(tracing.AttrConversationID, res.ConversationID),
		attribute.Int(tracing.AttrIterations, res.Iterations),
		attribute.Bool(tracing.AttrSuccess, res.Success),
	)
	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
	case res.Error != "":
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, res.Error))
	}
	span.End()
}

// startInvocationSpan opens a child span for one subprocess run (worker,
// review, summarize).
func (o *Orchestrator) startInvocationSpan(ctx context.Context, label string) (context.Context, trace.Span) {
	ctx, span := o.opts.Tracer.Start(ctx, tracing.SpanPrefixInvocation+label)
	span.SetAttributes(attribute.String(tracing.AttrInvocationLabel, label))
	return ctx, span
}
