package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/logctx"
	"github.com/polisai/flowlog/pkg/logging"
)

// Recorder receives the figures of every completed unit of work after its
// lines were written. Implementations export them as metrics.
type Recorder interface {
	RecordCompletion(ctx context.Context, ev *domain.CompletionEvent, b Breakdown, sent int)
	RecordReceived(ctx context.Context, ev *domain.ReceivedEvent)
}

// Emitter turns completion and reception events into correlated log lines.
// It holds no state besides its configuration and is safe for concurrent use.
type Emitter struct {
	logger    *slog.Logger
	initName  string
	stageName string
	initLog   *slog.Logger
	stageLog  *slog.Logger
	now       func() time.Time
	recorders []Recorder
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock replaces the wall clock used for endpoint, flow and queue times.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRecorder adds a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Emitter) {
		if r != nil {
			e.recorders = append(e.recorders, r)
		}
	}
}

// WithChannels renames the initiation and stage channels. Empty names keep
// the defaults.
func WithChannels(initName, stageName string) Option {
	return func(e *Emitter) {
		if initName != "" {
			e.initName = initName
		}
		if stageName != "" {
			e.stageName = stageName
		}
	}
}

// NewEmitter creates an emitter writing to logger. The logger's handler should
// be wrapped with logctx.NewHandler for the overlay fields to show up.
func NewEmitter(logger *slog.Logger, opts ...Option) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		logger:    logger,
		initName:  ChannelInit,
		stageName: ChannelStage,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.initLog = logging.Channel(logger, e.initName)
	e.stageLog = logging.Channel(logger, e.stageName)
	return e
}

// LoggingInterceptor marks the emitter as the logging interceptor of a host,
// which holds at most one.
func (e *Emitter) LoggingInterceptor() {}

// InitiateCompleted writes the lines of a completed initiation.
func (e *Emitter) InitiateCompleted(ctx context.Context, ev *domain.CompletionEvent) {
	e.completed(ctx, e.initLog, "initiate completed", ev)
}

// StageCompleted writes the lines of a completed stage processing.
func (e *Emitter) StageCompleted(ctx context.Context, ev *domain.CompletionEvent) {
	e.completed(ctx, e.stageLog, "stage completed", ev)
}

// StageReceived writes the line of a message received on a stage.
func (e *Emitter) StageReceived(ctx context.Context, ev *domain.ReceivedEvent) {
	logger := e.stageLog
	defer e.guard(ctx, logger, "stage received")
	if ev == nil {
		return
	}

	ctx, o := logctx.Fork(ctx)
	traceScope := bindTrace(o, ev.TraceID)
	defer traceScope.Restore()

	e.write(ctx, o, logger, ComposeReceived(ev, e.now()))
	for _, r := range e.recorders {
		e.record(ctx, logger, func() { r.RecordReceived(ctx, ev) })
	}
}

func (e *Emitter) completed(ctx context.Context, logger *slog.Logger, op string, ev *domain.CompletionEvent) {
	defer e.guard(ctx, logger, op)
	if ev == nil {
		return
	}

	ctx, o := logctx.Fork(ctx)
	traceScope := bindTrace(o, ev.TraceID)
	defer traceScope.Restore()

	e.reportMeasurements(ctx, o, logger, ev.Measurements)

	comp := ComposeCompletion(ev, e.now())
	for _, line := range comp.Lines {
		e.write(ctx, o, logger, line)
	}

	RecordCompletionSpanEvent(trace.SpanFromContext(ctx), ev, comp)
	for _, r := range e.recorders {
		e.record(ctx, logger, func() { r.RecordCompletion(ctx, ev, comp.Breakdown, comp.Sent) })
	}
}

// bindTrace binds the trace id of the unit of work unless the enclosing
// context already carries one.
func bindTrace(o *logctx.Overlay, traceID string) *logctx.Scope {
	if traceID == "" {
		return nil
	}
	if _, ok := o.Get(FieldTraceID); ok {
		return nil
	}
	scope, _ := o.Push(logctx.F(FieldTraceID, traceID))
	return scope
}

// write binds the fields of line for the duration of the log call.
func (e *Emitter) write(ctx context.Context, o *logctx.Overlay, logger *slog.Logger, line Line) {
	scope, err := o.Push(line.Fields...)
	defer scope.Restore()
	if err != nil {
		logger.WarnContext(ctx, LogPrefix+"could not bind all fields", slog.Any("error", err))
	}

	if line.Err != nil {
		logger.LogAttrs(ctx, line.Level, line.Message, slog.Any("error", line.Err))
		return
	}
	logger.LogAttrs(ctx, line.Level, line.Message)
}

func (e *Emitter) record(ctx context.Context, logger *slog.Logger, fn func()) {
	defer e.guard(ctx, logger, "record metrics")
	fn()
}

// guard contains a panic raised while instrumenting so it never reaches the
// unit of work. It must be deferred directly.
func (e *Emitter) guard(ctx context.Context, logger *slog.Logger, op string) {
	r := recover()
	if r == nil {
		return
	}
	logger.WarnContext(ctx, LogPrefix+"instrumentation failed",
		slog.String("operation", op),
		slog.String("panic", fmt.Sprint(r)),
	)
}
