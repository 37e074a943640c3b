package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codepair"

// Tracer opens spans for job attempts, sandbox calls and document writes.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer on the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("codepair.%s", name), trace.WithAttributes(attrs...))
}

// StartJob opens the span of one attempt at a queued job.
func (t *Tracer) StartJob(ctx context.Context, jobID, sessionID, language string, attempt int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrLanguage.String(language),
		AttrAttempt.Int(attempt),
	}
	if sessionID != "" {
		attrs = append(attrs, AttrSessionID.String(sessionID))
	}
	return t.start(ctx, "job", attrs...)
}

// StartExecution opens the span of one sandbox call. Only a prefix of the
// code hash is recorded.
func (t *Tracer) StartExecution(ctx context.Context, execID, language, codeHash string) (context.Context, trace.Span) {
	if len(codeHash) > 16 {
		codeHash = codeHash[:16]
	}
	return t.start(ctx, "execute",
		AttrExecID.String(execID),
		AttrLanguage.String(language),
		AttrCodeHash.String(codeHash),
	)
}

// StartPersist opens the span of one document write.
func (t *Tracer) StartPersist(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.start(ctx, "persist", AttrSessionID.String(sessionID))
}

// RecordOutcome tags span with how the operation ended. A non-nil err marks
// the span failed.
func RecordOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
}

// Common attribute keys.
var (
	AttrExecID     = attribute.Key("codepair.execution.id")
	AttrJobID      = attribute.Key("codepair.job.id")
	AttrSessionID  = attribute.Key("codepair.session.id")
	AttrLanguage   = attribute.Key("codepair.language")
	AttrCodeHash   = attribute.Key("codepair.code_hash")
	AttrExitCode   = attribute.Key("codepair.exit_code")
	AttrAttempt    = attribute.Key("codepair.job.attempt")
	AttrDurationMS = attribute.Key("codepair.duration_ms")
	AttrOutcome    = attribute.Key("codepair.outcome")
)
