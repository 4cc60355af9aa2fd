package telemetry

// LogPrefix starts the message of every line the emitter writes.
const LogPrefix = "#FLOWLOG# "

// Channel names.
const (
	ChannelInit  = "flowlog.init"
	ChannelStage = "flowlog.stage"
)

// FieldTraceID carries the flow correlation id. It is deliberately outside the
// flowlog namespace so other libraries may share it.
const FieldTraceID = "traceId"

// Common to initiation and stage completion.
const (
	FieldVersion = "flowlog.Version"

	FieldExecTotal        = "flowlog.exec.Total.ms"
	FieldExecUserLambda   = "flowlog.exec.UserLambda.ms"
	FieldExecOut          = "flowlog.exec.Out.ms"
	FieldExecOutQuantity  = "flowlog.exec.Out.quantity"
	FieldExecDBCommit     = "flowlog.exec.DbCommit.ms"
	FieldExecMsgSysCommit = "flowlog.exec.MsgSysCommit.ms"

	FieldOpsTimingPrefix  = "flowlog.exec.ops.time."
	FieldOpsMeasurePrefix = "flowlog.exec.ops.measure."
)

// Initiation completion. 'true' on exactly one line per initiation.
const FieldInitiateCompleted = "flowlog.InitiateCompleted"

// Stage completion.
const (
	// 'true' on exactly one line per stage processing.
	FieldStageCompleted      = "flowlog.StageCompleted"
	FieldProcessResult       = "flowlog.ProcessResult"
	FieldExecPreprocDeserial = "flowlog.exec.TotalPreprocDeserial.ms"

	FieldEndpointCompleted = "flowlog.EndpointCompleted"
	// Wall clock; susceptible to clock skew between nodes.
	FieldEndpointTotal = "flowlog.endpoint.Total.ms"

	FieldFlowCompleted = "flowlog.FlowCompleted"
	// Wall clock; susceptible to clock skew between nodes.
	FieldFlowTotal = "flowlog.flow.Total.ms"
)

// Message reception on a stage.
const (
	// 'true' on exactly one line per received message.
	FieldMessageReceived = "flowlog.MessageReceived"

	FieldInFromApp = "flowlog.in.from.App"
	FieldInFromID  = "flowlog.in.from.Id"
	FieldInMsgID   = "flowlog.in.MsgId"

	// Wall clock; susceptible to clock skew between nodes.
	FieldInSinceSent          = "flowlog.in.SinceSent.ms"
	FieldInSincePrecedingStep = "flowlog.in.PrecedEpStage.ms"

	FieldInPreprocDeserial    = "flowlog.in.TotalPreprocDeserial.ms"
	FieldInMsgSysDeconstruct  = "flowlog.in.MsgSysDeconstruct.ms"
	FieldInEnvelopeWireSize   = "flowlog.in.EnvelopeWire.bytes"
	FieldInEnvelopeDecompress = "flowlog.in.EnvelopeDecompress.ms"
	FieldInEnvelopeSerialSize = "flowlog.in.EnvelopeSerial.bytes"
	FieldInEnvelopeDeserial   = "flowlog.in.EnvelopeDeserial.ms"
	FieldInMsgAndStateDeser   = "flowlog.in.MsgAndStateDeserial.ms"
)

// Per outgoing message.
const (
	// 'true' on exactly one line per sent message.
	FieldMessageSent  = "flowlog.MessageSent"
	FieldDispatchType = "flowlog.DispatchType"

	FieldOutMsgID    = "flowlog.out.MsgId"
	FieldOutMsgSysID = "flowlog.out.MsgSysId"
	FieldOutFromID   = "flowlog.out.from.Id"
	FieldOutToID     = "flowlog.out.to.Id"

	FieldOutTotal              = "flowlog.out.Total.ms"
	FieldOutEnvelopeProduce    = "flowlog.out.EnvelopeProduce.ms"
	FieldOutEnvelopeSerial     = "flowlog.out.EnvelopeSerial.ms"
	FieldOutEnvelopeSerialSize = "flowlog.out.EnvelopeSerial.bytes"
	FieldOutEnvelopeCompress   = "flowlog.out.EnvelopeCompress.ms"
	FieldOutEnvelopeWireSize   = "flowlog.out.EnvelopeWire.bytes"
	FieldOutMsgSys             = "flowlog.out.MsgSys.ms"
)

// Shared by every message of a flow, received or sent.
const (
	FieldInitApp     = "flowlog.init.App"
	FieldInitID      = "flowlog.init.Id"
	FieldAudit       = "flowlog.Audit"
	FieldInteractive = "flowlog.Interactive"
	FieldPersistent  = "flowlog.Persistent"
)
