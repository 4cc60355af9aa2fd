package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/flowlog/pkg/domain"
)

// RecordCompletionSpanEvent annotates span with the outcome of a completed
// unit of work. Nothing is recorded on a span that is not recording.
func RecordCompletionSpanEvent(span trace.Span, ev *domain.CompletionEvent, comp Composition) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("flowlog.kind", string(ev.Kind)),
		attribute.Float64("flowlog.exec.total_ms", float64(ev.TotalNanos)/1e6),
		attribute.Float64("flowlog.exec.diff_ms", float64(comp.Breakdown.Diff)/1e6),
		attribute.Int("flowlog.exec.out.quantity", comp.Sent),
	}
	if ev.Kind == domain.KindStage {
		attrs = append(attrs,
			attribute.String("flowlog.stage.id", ev.StageID),
			attribute.String("flowlog.process_result", string(ev.Result)),
			attribute.Bool("flowlog.endpoint.completed", comp.Completion.EndpointCompleted),
			attribute.Bool("flowlog.flow.completed", comp.Completion.FlowCompleted),
		)
	} else {
		attrs = append(attrs, attribute.String("flowlog.initiator.name", ev.InitiatorName))
	}

	name := "flowlog.completed"
	if ev.Failed() {
		name = "flowlog.failed"
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, ev.Err.Error())
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
