package telemetry

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/logctx"
)

// followsSameEndpoint reports whether an incoming message type continues an
// endpoint whose previous stage sent the preceding message.
func followsSameEndpoint(t domain.MessageType) bool {
	switch t {
	case domain.MessageReply, domain.MessageNext, domain.MessageGoto:
		return true
	default:
		return false
	}
}

// ComposeReceived builds the line written when a stage receives a message.
func ComposeReceived(ev *domain.ReceivedEvent, now time.Time) Line {
	pieces := ev.MessageSystemDeconstructNanos +
		ev.EnvelopeDecompressionNanos +
		ev.EnvelopeDeserializationNanos +
		ev.MessageAndStateDeserializedNanos

	fields := []logctx.Field{
		logctx.F(FieldMessageReceived, "true"),

		logctx.F(FieldInitApp, ev.InitiatingApp),
		logctx.F(FieldInitID, ev.InitiatorID),
		logctx.F(FieldAudit, strconv.FormatBool(ev.Audit)),
		logctx.F(FieldPersistent, strconv.FormatBool(ev.Persistent)),
		logctx.F(FieldInteractive, strconv.FormatBool(ev.Interactive)),

		logctx.F(FieldInFromApp, ev.FromApp),
		logctx.F(FieldInFromID, ev.FromStageID),
		logctx.F(FieldInMsgID, ev.MessageID),
	}
	if !ev.SentAt.IsZero() {
		fields = append(fields, logctx.F(FieldInSinceSent, strconv.FormatInt(now.Sub(ev.SentAt).Milliseconds(), 10)))
	}
	if followsSameEndpoint(ev.IncomingMessageType) && !ev.PrecedingStageSentAt.IsZero() {
		fields = append(fields, logctx.F(FieldInSincePrecedingStep, strconv.FormatInt(now.Sub(ev.PrecedingStageSentAt).Milliseconds(), 10)))
	}
	fields = append(fields,
		logctx.F(FieldInPreprocDeserial, FormatMillis(ev.TotalPreprocessNanos)),
		logctx.F(FieldInMsgSysDeconstruct, FormatMillis(ev.MessageSystemDeconstructNanos)),
		logctx.F(FieldInEnvelopeWireSize, strconv.FormatInt(ev.EnvelopeWireSize, 10)),
		logctx.F(FieldInEnvelopeDecompress, FormatMillis(ev.EnvelopeDecompressionNanos)),
		logctx.F(FieldInEnvelopeSerialSize, strconv.FormatInt(ev.EnvelopeSerializedSize, 10)),
		logctx.F(FieldInEnvelopeDeserial, FormatMillis(ev.EnvelopeDeserializationNanos)),
		logctx.F(FieldInMsgAndStateDeser, FormatMillis(ev.MessageAndStateDeserializedNanos)),
	)

	var buf strings.Builder
	buf.Grow(256)
	buf.WriteString(LogPrefix)
	buf.WriteString("RECEIVED [")
	buf.WriteString(string(ev.IncomingMessageType))
	buf.WriteString("] message from [")
	buf.WriteString(ev.FromStageID)
	buf.WriteString("@")
	buf.WriteString(ev.FromApp)
	buf.WriteString(",v.")
	buf.WriteString(ev.FromAppVersion)
	buf.WriteString("], totPreprocAndDeserial:[")
	buf.WriteString(FormatMillis(ev.TotalPreprocessNanos))
	buf.WriteString(" ms] || breakdown: msgSysDeconstruct:[")
	buf.WriteString(FormatMillis(ev.MessageSystemDeconstructNanos))
	buf.WriteString(" ms]->envelopeWireSize:[")
	buf.WriteString(strconv.FormatInt(ev.EnvelopeWireSize, 10))
	buf.WriteString(" B]->decomp:[")
	buf.WriteString(FormatMillis(ev.EnvelopeDecompressionNanos))
	buf.WriteString(" ms]->serialSize:[")
	buf.WriteString(strconv.FormatInt(ev.EnvelopeSerializedSize, 10))
	buf.WriteString(" B]->deserial:[")
	buf.WriteString(FormatMillis(ev.EnvelopeDeserializationNanos))
	buf.WriteString(" ms]->(envelope)->dto&stoDeserial:[")
	buf.WriteString(FormatMillis(ev.MessageAndStateDeserializedNanos))
	buf.WriteString(" ms] - sum pieces:[")
	buf.WriteString(FormatMillis(pieces))
	buf.WriteString(" ms], diff:[")
	buf.WriteString(FormatMillis(ev.TotalPreprocessNanos - pieces))
	buf.WriteString(" ms]")

	return Line{Level: slog.LevelInfo, Message: buf.String(), Fields: fields}
}
