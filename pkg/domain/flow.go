package domain

import (
	"fmt"
	"time"
)

// Kind distinguishes the two kinds of unit of work.
type Kind string

const (
	// KindInitiation is a unit of work that starts a flow.
	KindInitiation Kind = "INITIATION"
	// KindStage is a unit of work that processes one step of a flow.
	KindStage Kind = "STAGE"
)

// ProcessResult classifies what a stage did with the flow.
type ProcessResult string

const (
	ResultRequest ProcessResult = "REQUEST"
	ResultReply   ProcessResult = "REPLY"
	ResultNext    ProcessResult = "NEXT"
	ResultGoto    ProcessResult = "GOTO"
	// ResultNone means the stage emitted no flow message, stopping the flow.
	ResultNone ProcessResult = "NONE"
)

// DispatchType tells where an outgoing message was produced.
type DispatchType string

const (
	DispatchInit      DispatchType = "INIT"
	DispatchStage     DispatchType = "STAGE"
	DispatchStageInit DispatchType = "STAGE_INIT"
)

// MessageType is the kind of an outgoing or incoming message.
type MessageType string

const (
	MessagePublish    MessageType = "PUBLISH"
	MessageSend       MessageType = "SEND"
	MessageRequest    MessageType = "REQUEST"
	MessageReply      MessageType = "REPLY"
	MessageNext       MessageType = "NEXT"
	MessageNextDirect MessageType = "NEXT_DIRECT"
	MessageGoto       MessageType = "GOTO"
)

// OutgoingMessage describes one message produced during a unit of work.
type OutgoingMessage struct {
	DispatchType DispatchType
	MessageType  MessageType
	From         string
	To           string

	TraceID         string
	MessageID       string
	SystemMessageID string

	InitiatingApp string
	InitiatorID   string
	Audit         bool
	Persistent    bool
	Interactive   bool

	EnvelopeProduceNanos       int64
	EnvelopeSerializationNanos int64
	EnvelopeCompressionNanos   int64
	MessageSystemSendNanos     int64

	EnvelopeSerializedSize int64
	EnvelopeWireSize       int64
}

// TotalNanos is the full production time of the message. It is always the
// sum of the four phase timings.
func (m OutgoingMessage) TotalNanos() int64 {
	return m.EnvelopeProduceNanos +
		m.EnvelopeSerializationNanos +
		m.EnvelopeCompressionNanos +
		m.MessageSystemSendNanos
}

// MetricKind separates timings from arbitrary measurements.
type MetricKind string

const (
	MetricTiming  MetricKind = "timing"
	MetricMeasure MetricKind = "measure"
)

// Label is one key/value tag on a Measurement.
type Label struct {
	Key   string
	Value string
}

// Measurement is a metric attached by business logic during a unit of work.
type Measurement struct {
	Kind        MetricKind
	ID          string
	Description string
	// Nanos holds the value of a timing.
	Nanos int64
	// Value and BaseUnit hold the value of a measure.
	Value    float64
	BaseUnit string
	Labels   []Label
}

// Timing constructs a timing measurement.
func Timing(id, description string, nanos int64, labels ...Label) Measurement {
	return Measurement{Kind: MetricTiming, ID: id, Description: description, Nanos: nanos, Labels: labels}
}

// Measure constructs a measurement with a caller supplied base unit.
func Measure(id, description, baseUnit string, value float64, labels ...Label) Measurement {
	return Measurement{Kind: MetricMeasure, ID: id, Description: description, Value: value, BaseUnit: baseUnit, Labels: labels}
}

// Validate reports whether the measurement can be rendered as log fields.
func (m Measurement) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty metric id", ErrInvalidMeasurement)
	}
	switch m.Kind {
	case MetricTiming:
	case MetricMeasure:
		if m.BaseUnit == "" {
			return fmt.Errorf("%w: measure %q has no base unit", ErrInvalidMeasurement, m.ID)
		}
	default:
		return fmt.Errorf("%w: metric %q has unknown kind %q", ErrInvalidMeasurement, m.ID, m.Kind)
	}
	for _, label := range m.Labels {
		if label.Key == "" {
			return fmt.Errorf("%w: metric %q has a label with empty key", ErrInvalidMeasurement, m.ID)
		}
	}
	return nil
}

// CompletionEvent is one finished unit of work: an initiation or a stage
// processing. It is built by the runtime when processing ends and consumed
// exactly once by the emitter.
type CompletionEvent struct {
	Kind Kind

	AppName               string
	AppVersion            string
	ImplementationVersion string
	FactoryName           string
	// InitiatorName is set for initiations.
	InitiatorName string
	// StageID is set for stages.
	StageID string
	TraceID string

	TotalNanos int64
	// UserLambdaNanos includes the production of outgoing envelopes.
	UserLambdaNanos   int64
	DBCommitNanos     int64
	MsgSysCommitNanos int64

	// Err is non-nil when the unit of work failed.
	Err error

	Outgoing     []OutgoingMessage
	Measurements []Measurement

	// Stage only.
	Result            ProcessResult
	PreprocessNanos   int64
	EndpointEnteredAt time.Time
	FlowInitiatedAt   time.Time
}

// CommitNanos is the total commit phase: external resource plus transport.
func (e *CompletionEvent) CommitNanos() int64 {
	return e.DBCommitNanos + e.MsgSysCommitNanos
}

// Failed reports whether the unit of work raised.
func (e *CompletionEvent) Failed() bool {
	return e.Err != nil
}

// ReceivedEvent describes the reception of a message on a stage, before the
// stage lambda runs.
type ReceivedEvent struct {
	StageID             string
	TraceID             string
	IncomingMessageType MessageType

	FromApp        string
	FromAppVersion string
	FromStageID    string
	MessageID      string

	InitiatingApp string
	InitiatorID   string
	Audit         bool
	Persistent    bool
	Interactive   bool

	// SentAt is when the sender put the message on the wire.
	SentAt time.Time
	// PrecedingStageSentAt is when the preceding stage of the same endpoint
	// sent its message. Only meaningful for REPLY, NEXT and GOTO.
	PrecedingStageSentAt time.Time

	TotalPreprocessNanos             int64
	MessageSystemDeconstructNanos    int64
	EnvelopeDecompressionNanos       int64
	EnvelopeDeserializationNanos     int64
	MessageAndStateDeserializedNanos int64

	EnvelopeWireSize       int64
	EnvelopeSerializedSize int64
}
