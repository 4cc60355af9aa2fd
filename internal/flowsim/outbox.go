package flowsim

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/flowlog/pkg/domain"
)

var (
	// ErrNoNextStage is returned when a stage without a following stage
	// requests or goes next.
	ErrNoNextStage = errors.New("flowsim: endpoint has no next stage")
	// ErrNoReplyTo is returned when an initiation requests without a reply
	// target.
	ErrNoReplyTo = errors.New("flowsim: initiation request without reply target")
	// ErrNotInStage is returned for flow messages only a stage can send.
	ErrNotInStage = errors.New("flowsim: only a stage can reply, go next or goto")
	// ErrMixedFlow is returned when a stage combines different flow messages.
	ErrMixedFlow = errors.New("flowsim: stage already chose its flow message")
)

// pending is a produced message waiting to be put on the wire.
type pending struct {
	env *Envelope
	out domain.OutgoingMessage
}

// Outbox collects what a lambda sends and measures. Messages are put on the
// wire when the lambda returns without error.
type Outbox struct {
	rt       *Runtime
	dispatch domain.DispatchType
	traceID  string
	from     string

	initiatingApp string
	initiatorID   string
	audit         bool
	persistent    bool
	interactive   bool

	flowInitiatedAt   int64
	endpointEnteredAt int64
	stack             []Frame

	// Stage only.
	stage *stage
	state []byte

	// Initiation only.
	replyTo *Frame

	result       domain.ProcessResult
	pending      []pending
	measurements []domain.Measurement
}

func (o *Outbox) flow(result domain.ProcessResult) error {
	if o.result != domain.ResultNone && o.result != result {
		return fmt.Errorf("%w: %s after %s", ErrMixedFlow, result, o.result)
	}
	o.result = result
	return nil
}

// NoAudit marks the flow as not to be audited. Initiation only.
func (o *Outbox) NoAudit() *Outbox { o.audit = false; return o }

// NonPersistent marks the flow messages as non persistent. Initiation only.
func (o *Outbox) NonPersistent() *Outbox { o.persistent = false; return o }

// Interactive marks the flow as having a human waiting. Initiation only.
func (o *Outbox) Interactive() *Outbox { o.interactive = true; return o }

// ReplyTo sets where the reply to the requests of an initiation goes, and the
// state that endpoint receives.
func (o *Outbox) ReplyTo(endpointID string, state any) error {
	if o.stage != nil {
		return fmt.Errorf("flowsim: ReplyTo is for initiations")
	}
	raw, err := o.marshalOptional(state)
	if err != nil {
		return err
	}
	o.replyTo = &Frame{ReplyTo: endpointID, State: raw}
	return nil
}

// State sets the state carried to the next stage of this endpoint, through a
// request's reply or a next.
func (o *Outbox) State(v any) error {
	raw, err := o.marshalOptional(v)
	if err != nil {
		return err
	}
	o.state = raw
	return nil
}

// Request sends data to the endpoint to. The reply comes back to the next
// stage of this endpoint, or to the ReplyTo target of an initiation.
func (o *Outbox) Request(to string, data any) error {
	var frame Frame
	if o.stage != nil {
		next, ok := o.stage.next()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoNextStage, o.stage.id)
		}
		frame = Frame{ReplyTo: next.id, State: o.state, EndpointEnteredAt: o.endpointEnteredAt}
	} else {
		if o.replyTo == nil {
			return ErrNoReplyTo
		}
		frame = *o.replyTo
	}
	if err := o.flow(domain.ResultRequest); err != nil {
		return err
	}

	stack := append(append(make([]Frame, 0, len(o.stack)+1), o.stack...), frame)
	return o.produce(domain.MessageRequest, to, data, stack, func(env *Envelope) {})
}

// Reply answers the request that led to this endpoint. Without a pending
// request the reply goes nowhere and the flow ends here.
func (o *Outbox) Reply(data any) error {
	if o.stage == nil {
		return ErrNotInStage
	}
	if len(o.stack) == 0 {
		return nil
	}
	if err := o.flow(domain.ResultReply); err != nil {
		return err
	}

	top := o.stack[len(o.stack)-1]
	stack := o.stack[:len(o.stack)-1]
	return o.produce(domain.MessageReply, top.ReplyTo, data, stack, func(env *Envelope) {
		env.State = top.State
		env.EndpointEnteredAt = top.EndpointEnteredAt
		env.PrecedingSentAt = top.RequestSentAt
	})
}

// Next passes data to the next stage of this endpoint.
func (o *Outbox) Next(data any) error {
	if o.stage == nil {
		return ErrNotInStage
	}
	next, ok := o.stage.next()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNextStage, o.stage.id)
	}
	if err := o.flow(domain.ResultNext); err != nil {
		return err
	}
	return o.produce(domain.MessageNext, next.id, data, o.stack, func(env *Envelope) {
		env.State = o.state
		env.EndpointEnteredAt = o.endpointEnteredAt
	})
}

// Goto hands the flow to another endpoint at the same stack height.
func (o *Outbox) Goto(to string, data any) error {
	if o.stage == nil {
		return ErrNotInStage
	}
	if err := o.flow(domain.ResultGoto); err != nil {
		return err
	}
	return o.produce(domain.MessageGoto, to, data, o.stack, func(env *Envelope) {})
}

// Send starts a new branch of the flow to the endpoint to, which does not
// reply.
func (o *Outbox) Send(to string, data any) error {
	return o.produce(domain.MessageSend, to, data, nil, func(env *Envelope) {})
}

// Publish is a send to a topic endpoint.
func (o *Outbox) Publish(to string, data any) error {
	return o.produce(domain.MessagePublish, to, data, nil, func(env *Envelope) {})
}

// Timing records a timing taken by the lambda.
func (o *Outbox) Timing(id, description string, d time.Duration, labels ...domain.Label) {
	o.measurements = append(o.measurements, domain.Timing(id, description, d.Nanoseconds(), labels...))
}

// Measure records a measurement taken by the lambda.
func (o *Outbox) Measure(id, description, baseUnit string, value float64, labels ...domain.Label) {
	o.measurements = append(o.measurements, domain.Measure(id, description, baseUnit, value, labels...))
}

func (o *Outbox) marshalOptional(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return o.rt.codec.Marshal(v)
}

// produce builds the envelope of one message. Its duration is part of the
// lambda time and reported as the envelope production time.
func (o *Outbox) produce(t domain.MessageType, to string, data any, stack []Frame, finish func(*Envelope)) error {
	start := time.Now()

	target, ok := o.rt.lookup(to)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, to)
	}
	raw, err := o.marshalOptional(data)
	if err != nil {
		return fmt.Errorf("marshal %s to %s: %w", t, to, err)
	}

	env := &Envelope{
		TraceID:         o.traceID,
		MessageID:       uuid.NewString(),
		Type:            t,
		FromApp:         o.rt.cfg.AppName,
		FromAppVersion:  o.rt.cfg.AppVersion,
		From:            o.from,
		To:              target.id,
		InitiatingApp:   o.initiatingApp,
		InitiatorID:     o.initiatorID,
		Audit:           o.audit,
		Persistent:      o.persistent,
		Interactive:     o.interactive,
		FlowInitiatedAt: o.flowInitiatedAt,
		Stack:           stack,
		Data:            raw,
	}
	finish(env)

	o.pending = append(o.pending, pending{
		env: env,
		out: domain.OutgoingMessage{
			DispatchType:         o.dispatch,
			MessageType:          t,
			From:                 o.from,
			To:                   target.id,
			TraceID:              o.traceID,
			MessageID:            env.MessageID,
			InitiatingApp:        o.initiatingApp,
			InitiatorID:          o.initiatorID,
			Audit:                o.audit,
			Persistent:           o.persistent,
			Interactive:          o.interactive,
			EnvelopeProduceNanos: time.Since(start).Nanoseconds(),
		},
	})
	return nil
}

// produced returns the messages built so far, none of them sent.
func (o *Outbox) produced() []domain.OutgoingMessage {
	out := make([]domain.OutgoingMessage, len(o.pending))
	for i, p := range o.pending {
		out[i] = p.out
	}
	return out
}
