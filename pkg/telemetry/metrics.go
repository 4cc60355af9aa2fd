package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/flowlog/pkg/domain"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	completionCounter    metric.Int64Counter
	failureCounter       metric.Int64Counter
	sentCounter          metric.Int64Counter
	receivedCounter      metric.Int64Counter
	execDurationHist     metric.Float64Histogram
	unaccountedHistogram metric.Float64Histogram
)

// OTelRecorder records completion figures on the global OpenTelemetry meter
// provider.
type OTelRecorder struct{}

// NewOTelRecorder returns a recorder bound to the global meter provider. The
// instruments are created on first use.
func NewOTelRecorder() *OTelRecorder {
	return &OTelRecorder{}
}

// RecordCompletion counts the unit of work, its sent messages and records its
// execution time.
func (OTelRecorder) RecordCompletion(ctx context.Context, ev *domain.CompletionEvent, b Breakdown, sent int) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("app.name", ev.AppName),
		attribute.String("flowlog.kind", string(ev.Kind)),
	}
	if ev.Kind == domain.KindStage {
		attrs = append(attrs,
			attribute.String("stage.id", ev.StageID),
			attribute.String("flowlog.process_result", string(ev.Result)),
		)
	} else {
		attrs = append(attrs, attribute.String("initiator.name", ev.InitiatorName))
	}
	opt := metric.WithAttributes(attrs...)

	completionCounter.Add(ctx, 1, opt)
	if ev.Failed() {
		failureCounter.Add(ctx, 1, opt)
	}
	if sent > 0 {
		sentCounter.Add(ctx, int64(sent), opt)
	}
	execDurationHist.Record(ctx, float64(ev.TotalNanos)/1e6, opt)
	unaccountedHistogram.Record(ctx, float64(b.Diff)/1e6, opt)
}

// RecordReceived counts a message received on a stage.
func (OTelRecorder) RecordReceived(ctx context.Context, ev *domain.ReceivedEvent) {
	if err := ensureMetrics(); err != nil {
		return
	}
	receivedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage.id", ev.StageID),
		attribute.String("message.type", string(ev.IncomingMessageType)),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flowlog.emitter")

		completionCounter, metricsInitErr = meter.Int64Counter(
			"flowlog.completed_total",
			metric.WithDescription("Completed initiations and stage processings"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		failureCounter, metricsInitErr = meter.Int64Counter(
			"flowlog.failed_total",
			metric.WithDescription("Initiations and stage processings that raised"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sentCounter, metricsInitErr = meter.Int64Counter(
			"flowlog.messages_sent_total",
			metric.WithDescription("Outgoing messages put on the wire"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		receivedCounter, metricsInitErr = meter.Int64Counter(
			"flowlog.messages_received_total",
			metric.WithDescription("Messages received on stages"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		execDurationHist, metricsInitErr = meter.Float64Histogram(
			"flowlog.exec.duration_ms",
			metric.WithDescription("Total execution time of a unit of work"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		unaccountedHistogram, metricsInitErr = meter.Float64Histogram(
			"flowlog.exec.unaccounted_ms",
			metric.WithDescription("Execution time not accounted for by the measured pieces"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
