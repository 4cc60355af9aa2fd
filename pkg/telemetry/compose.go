package telemetry

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/logctx"
)

// Line is one log line ready to be written: its level, message, the overlay
// fields bound while it is written, and the failure it reports, if any.
type Line struct {
	Level   slog.Level
	Message string
	Fields  []logctx.Field
	Err     error
}

// Composition is the outcome of composing a completed unit of work.
type Composition struct {
	Lines      []Line
	Breakdown  Breakdown
	Completion Completion
	// Sent is the number of messages reported as put on the wire.
	Sent int
}

// ComposeCompletion decides how a completed unit of work is logged:
//
//   - failed: a single error line, no message lines;
//   - zero or several messages: one line per message, then the completion line;
//   - exactly one message: the message is merged into the completion line.
func ComposeCompletion(ev *domain.CompletionEvent, now time.Time) Composition {
	msgs := reportedMessages(ev)
	comp := Composition{
		Breakdown:  Aggregate(ev, msgs),
		Completion: classifyStage(ev, now),
		Sent:       len(msgs),
	}
	sender := senderName(ev)
	completionFields := completedFields(ev, comp.Breakdown, comp.Completion, len(msgs))

	switch {
	case ev.Failed():
		comp.Lines = []Line{{
			Level:   slog.LevelError,
			Message: completedText(ev, comp.Breakdown, " !!FAILED!!", msgs),
			Fields:  completionFields,
			Err:     ev.Err,
		}}

	case len(msgs) != 1:
		comp.Lines = make([]Line, 0, len(msgs)+1)
		for _, m := range msgs {
			comp.Lines = append(comp.Lines, Line{
				Level:   slog.LevelInfo,
				Message: LogPrefix + messageText(sender, m),
				Fields:  messageFields(m),
			})
		}
		comp.Lines = append(comp.Lines, Line{
			Level:   slog.LevelInfo,
			Message: completedText(ev, comp.Breakdown, " completed", msgs),
			Fields:  completionFields,
		})

	default:
		m := msgs[0]
		fields := append(messageFields(m), completionFields...)
		comp.Lines = []Line{{
			Level:   slog.LevelInfo,
			Message: completedText(ev, comp.Breakdown, " completed", msgs) + "\n    " + LogPrefix + messageText(sender, m),
			Fields:  fields,
		}}
	}
	return comp
}

func senderName(ev *domain.CompletionEvent) string {
	if ev.Kind == domain.KindInitiation {
		return ev.FactoryName + "|" + ev.InitiatorName
	}
	return ev.FactoryName
}

func unitWord(ev *domain.CompletionEvent) string {
	if ev.Kind == domain.KindInitiation {
		return "INIT"
	}
	return "STAGE"
}

func completedFields(ev *domain.CompletionEvent, b Breakdown, c Completion, sent int) []logctx.Field {
	fields := make([]logctx.Field, 0, 16)
	if ev.Kind == domain.KindInitiation {
		fields = append(fields, logctx.F(FieldInitiateCompleted, "true"))
	} else {
		fields = append(fields, logctx.F(FieldStageCompleted, "true"))
	}
	if ev.ImplementationVersion != "" {
		fields = append(fields, logctx.F(FieldVersion, ev.ImplementationVersion))
	}

	fields = append(fields,
		logctx.F(FieldExecTotal, FormatMillis(ev.TotalNanos)),
		logctx.F(FieldExecUserLambda, FormatMillis(b.UserLambdaAlone)),
		logctx.F(FieldExecOut, FormatMillis(b.SumMessageOutHandling)),
		logctx.F(FieldExecOutQuantity, strconv.Itoa(sent)),
		logctx.F(FieldExecDBCommit, FormatMillis(ev.DBCommitNanos)),
		logctx.F(FieldExecMsgSysCommit, FormatMillis(ev.MsgSysCommitNanos)),
	)

	if ev.Kind != domain.KindStage {
		return fields
	}
	fields = append(fields,
		logctx.F(FieldExecPreprocDeserial, FormatMillis(ev.PreprocessNanos)),
		logctx.F(FieldProcessResult, string(ev.Result)),
	)
	if c.EndpointCompleted {
		fields = append(fields, logctx.F(FieldEndpointCompleted, "true"))
		if c.HasEndpointElapsed {
			fields = append(fields, logctx.F(FieldEndpointTotal, strconv.FormatInt(c.EndpointElapsed.Milliseconds(), 10)))
		}
	}
	if c.FlowCompleted {
		fields = append(fields, logctx.F(FieldFlowCompleted, "true"))
		if c.HasFlowElapsed {
			fields = append(fields, logctx.F(FieldFlowTotal, strconv.FormatInt(c.FlowElapsed.Milliseconds(), 10)))
		}
	}
	return fields
}

func messageFields(m domain.OutgoingMessage) []logctx.Field {
	return []logctx.Field{
		logctx.F(FieldTraceID, m.TraceID),
		logctx.F(FieldMessageSent, "true"),
		logctx.F(FieldDispatchType, string(m.DispatchType)),

		logctx.F(FieldOutMsgID, m.MessageID),
		logctx.F(FieldOutMsgSysID, m.SystemMessageID),

		logctx.F(FieldInitApp, m.InitiatingApp),
		logctx.F(FieldInitID, m.InitiatorID),
		logctx.F(FieldOutFromID, m.From),
		logctx.F(FieldOutToID, m.To),
		logctx.F(FieldAudit, strconv.FormatBool(m.Audit)),
		logctx.F(FieldPersistent, strconv.FormatBool(m.Persistent)),
		logctx.F(FieldInteractive, strconv.FormatBool(m.Interactive)),

		logctx.F(FieldOutEnvelopeProduce, FormatMillis(m.EnvelopeProduceNanos)),
		logctx.F(FieldOutEnvelopeSerial, FormatMillis(m.EnvelopeSerializationNanos)),
		logctx.F(FieldOutEnvelopeSerialSize, strconv.FormatInt(m.EnvelopeSerializedSize, 10)),
		logctx.F(FieldOutEnvelopeCompress, FormatMillis(m.EnvelopeCompressionNanos)),
		logctx.F(FieldOutEnvelopeWireSize, strconv.FormatInt(m.EnvelopeWireSize, 10)),
		logctx.F(FieldOutMsgSys, FormatMillis(m.MessageSystemSendNanos)),
		logctx.F(FieldOutTotal, FormatMillis(m.TotalNanos())),
	}
}

func countText(msgs []domain.OutgoingMessage) string {
	switch len(msgs) {
	case 0:
		return "no outgoing messages"
	case 1:
		return "single outgoing " + string(msgs[0].MessageType) + " message"
	default:
		return "[" + strconv.Itoa(len(msgs)) + "] outgoing messages"
	}
}

func completedText(ev *domain.CompletionEvent, b Breakdown, status string, msgs []domain.OutgoingMessage) string {
	var buf strings.Builder
	buf.Grow(256)
	buf.WriteString(LogPrefix)
	buf.WriteString(unitWord(ev))
	buf.WriteString(status)
	if ev.Kind == domain.KindStage {
		buf.WriteString(" with result ")
		buf.WriteString(string(ev.Result))
	}
	buf.WriteString(", ")
	buf.WriteString(countText(msgs))
	buf.WriteString(", total:[")
	buf.WriteString(FormatMillis(ev.TotalNanos))
	buf.WriteString(" ms] || breakdown:")
	if ev.Kind == domain.KindStage {
		buf.WriteString(" totPreprocAndDeserial:[")
		buf.WriteString(FormatMillis(b.PrefixNanos))
		buf.WriteString(" ms],")
	}
	buf.WriteString(" userLambda (excl. produceEnvelopes):[")
	buf.WriteString(FormatMillis(b.UserLambdaAlone))
	buf.WriteString(" ms], msgsOut:[")
	buf.WriteString(FormatMillis(b.SumMessageOutHandling))
	buf.WriteString(" ms], dbCommit:[")
	buf.WriteString(FormatMillis(ev.DBCommitNanos))
	buf.WriteString(" ms], msgSysCommit:[")
	buf.WriteString(FormatMillis(ev.MsgSysCommitNanos))
	buf.WriteString(" ms] - sum pieces:[")
	buf.WriteString(FormatMillis(b.SumPieces))
	buf.WriteString(" ms], diff:[")
	buf.WriteString(FormatMillis(b.Diff))
	buf.WriteString(" ms]")
	return buf.String()
}

func messageText(sender string, m domain.OutgoingMessage) string {
	var buf strings.Builder
	buf.Grow(256)
	buf.WriteString(string(m.DispatchType))
	buf.WriteString(" outgoing ")
	buf.WriteString(string(m.MessageType))
	buf.WriteString(" message from [")
	buf.WriteString(sender)
	buf.WriteString("|")
	buf.WriteString(m.From)
	buf.WriteString("] -> [")
	buf.WriteString(m.To)
	buf.WriteString("], total:[")
	buf.WriteString(FormatMillis(m.TotalNanos()))
	buf.WriteString(" ms] || breakdown: produce:[")
	buf.WriteString(FormatMillis(m.EnvelopeProduceNanos))
	buf.WriteString(" ms]->(envelope)->serial:[")
	buf.WriteString(FormatMillis(m.EnvelopeSerializationNanos))
	buf.WriteString(" ms]->serialSize:[")
	buf.WriteString(strconv.FormatInt(m.EnvelopeSerializedSize, 10))
	buf.WriteString(" B]->comp:[")
	buf.WriteString(FormatMillis(m.EnvelopeCompressionNanos))
	buf.WriteString(" ms]->envelopeWireSize:[")
	buf.WriteString(strconv.FormatInt(m.EnvelopeWireSize, 10))
	buf.WriteString(" B]->msgSysConstruct&Send:[")
	buf.WriteString(FormatMillis(m.MessageSystemSendNanos))
	buf.WriteString(" ms]")
	return buf.String()
}
