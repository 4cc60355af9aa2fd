package telemetry

import (
	"time"

	"github.com/polisai/flowlog/pkg/domain"
)

// Breakdown splits the total execution time of a unit of work into its
// pieces. Diff is what the pieces fail to account for; it is reported as is,
// including when negative.
type Breakdown struct {
	// PrefixNanos is the stage preprocessing and deserialization time, zero
	// for initiations.
	PrefixNanos int64

	SumMessageProduceNanos    int64
	SumSerializeCompressNanos int64
	SumMessageSendNanos       int64

	// UserLambdaAlone is the user lambda time with the envelope production
	// subtracted, since the raw timer includes it.
	UserLambdaAlone int64
	// SumMessageOutHandling is produce + serialize/compress + send.
	SumMessageOutHandling int64
	CommitNanos           int64

	SumPieces  int64
	TotalNanos int64
	Diff       int64
}

// Aggregate computes the breakdown of ev attributing msgs as its outgoing
// messages. Callers pass no messages for a failed unit, whose messages were
// never sent.
func Aggregate(ev *domain.CompletionEvent, msgs []domain.OutgoingMessage) Breakdown {
	var b Breakdown
	for _, m := range msgs {
		b.SumMessageProduceNanos += m.EnvelopeProduceNanos
		b.SumSerializeCompressNanos += m.EnvelopeSerializationNanos + m.EnvelopeCompressionNanos
		b.SumMessageSendNanos += m.MessageSystemSendNanos
	}

	if ev.Kind == domain.KindStage {
		b.PrefixNanos = ev.PreprocessNanos
	}
	b.UserLambdaAlone = ev.UserLambdaNanos - b.SumMessageProduceNanos
	b.SumMessageOutHandling = b.SumMessageProduceNanos + b.SumSerializeCompressNanos + b.SumMessageSendNanos
	b.CommitNanos = ev.CommitNanos()

	b.SumPieces = b.PrefixNanos + b.UserLambdaAlone + b.SumMessageOutHandling + b.CommitNanos
	b.TotalNanos = ev.TotalNanos
	b.Diff = ev.TotalNanos - b.SumPieces
	return b
}

// reportedMessages returns the messages that actually went on the wire.
func reportedMessages(ev *domain.CompletionEvent) []domain.OutgoingMessage {
	if ev.Failed() {
		return nil
	}
	return ev.Outgoing
}

// ClassifyCompletion tells whether a stage result completes its endpoint
// (REPLY or NONE) and whether it completes the whole flow (NONE).
func ClassifyCompletion(result domain.ProcessResult) (endpointCompleted, flowCompleted bool) {
	switch result {
	case domain.ResultReply:
		return true, false
	case domain.ResultNone:
		return true, true
	default:
		return false, false
	}
}

// Completion holds the endpoint and flow completion markers of a stage.
//
// The elapsed times are wall clock differences against timestamps that may
// have been taken on another node, so they are subject to clock skew and must
// not be used to order events across nodes.
type Completion struct {
	EndpointCompleted bool
	FlowCompleted     bool

	HasEndpointElapsed bool
	EndpointElapsed    time.Duration
	HasFlowElapsed     bool
	FlowElapsed        time.Duration
}

// classifyStage computes the completion markers of a stage event at now.
func classifyStage(ev *domain.CompletionEvent, now time.Time) Completion {
	var c Completion
	if ev.Kind != domain.KindStage {
		return c
	}
	c.EndpointCompleted, c.FlowCompleted = ClassifyCompletion(ev.Result)
	if c.EndpointCompleted && !ev.EndpointEnteredAt.IsZero() {
		c.HasEndpointElapsed = true
		c.EndpointElapsed = now.Sub(ev.EndpointEnteredAt)
	}
	if c.FlowCompleted && !ev.FlowInitiatedAt.IsZero() {
		c.HasFlowElapsed = true
		c.FlowElapsed = now.Sub(ev.FlowInitiatedAt)
	}
	return c
}
