// Package flowsim is an in-process stand-in for a message-driven runtime. It
// runs real lambdas over real envelopes (CBOR, optionally zstd compressed) on
// an in-memory queue and reports every initiation and stage through an
// intercept.Interceptor, timing each phase the way a broker-backed runtime
// would. It is not a transport: nothing leaves the process.
package flowsim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/intercept"
	"github.com/polisai/flowlog/pkg/logctx"
	"github.com/polisai/flowlog/pkg/telemetry"
)

// InitLambda is the user code of an initiation.
type InitLambda func(ctx context.Context, out *Outbox) error

// Lambda is the user code of a stage.
type Lambda func(ctx context.Context, in *Incoming, out *Outbox) error

// Incoming is the message a stage lambda processes.
type Incoming struct {
	Type    domain.MessageType
	TraceID string
	From    string
	data    []byte
	state   []byte
	codec   *Codec
}

// Decode unmarshals the message payload into v.
func (in *Incoming) Decode(v any) error {
	if len(in.data) == 0 {
		return nil
	}
	return in.codec.Unmarshal(in.data, v)
}

// DecodeState unmarshals the stage state into v. It leaves v untouched when
// the stage has no state.
func (in *Incoming) DecodeState(v any) error {
	if len(in.state) == 0 {
		return nil
	}
	return in.codec.Unmarshal(in.state, v)
}

// Config names the application the runtime hosts.
type Config struct {
	AppName               string
	AppVersion            string
	FactoryName           string
	ImplementationVersion string
	Compress              bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Delivery is one wire message addressed to a stage.
type Delivery struct {
	StageID         string
	SystemMessageID string
	Wire            []byte
}

type endpoint struct {
	id     string
	stages []*stage
}

type stage struct {
	id       string
	endpoint *endpoint
	index    int
	lambda   Lambda
}

func (s *stage) next() (*stage, bool) {
	if s.index+1 >= len(s.endpoint.stages) {
		return nil, false
	}
	return s.endpoint.stages[s.index+1], true
}

// stageID names the stages of an endpoint: the first carries the endpoint id.
func stageID(endpointID string, index int) string {
	if index == 0 {
		return endpointID
	}
	return endpointID + ".stage" + strconv.Itoa(index)
}

type stageKey struct{}

// Runtime hosts endpoints and the queue between them. It is safe for
// concurrent use; Drain processes deliveries one at a time.
type Runtime struct {
	cfg        Config
	dispatcher intercept.Interceptor
	codec      *Codec
	tracer     trace.Tracer
	now        func() time.Time

	mu        sync.Mutex
	endpoints map[string]*endpoint
	stages    map[string]*stage
	queue     []Delivery
}

// New creates a runtime reporting to dispatcher.
func New(cfg Config, dispatcher intercept.Interceptor) (*Runtime, error) {
	if dispatcher == nil {
		return nil, errors.New("flowsim: nil dispatcher")
	}
	if cfg.FactoryName == "" {
		cfg.FactoryName = cfg.AppName
	}
	codec, err := NewCodec(cfg.Compress)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Runtime{
		cfg:        cfg,
		dispatcher: dispatcher,
		codec:      codec,
		tracer:     tp.Tracer("github.com/polisai/flowlog/internal/flowsim"),
		now:        time.Now,
		endpoints:  make(map[string]*endpoint),
		stages:     make(map[string]*stage),
	}, nil
}

// Close releases the codec.
func (r *Runtime) Close() {
	r.codec.Close()
}

// Register adds an endpoint with one lambda per stage.
func (r *Runtime) Register(endpointID string, lambdas ...Lambda) error {
	if endpointID == "" || len(lambdas) == 0 {
		return fmt.Errorf("flowsim: endpoint needs an id and at least one stage")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[endpointID]; exists {
		return fmt.Errorf("flowsim: endpoint %s already registered", endpointID)
	}

	ep := &endpoint{id: endpointID}
	for i, l := range lambdas {
		s := &stage{id: stageID(endpointID, i), endpoint: ep, index: i, lambda: l}
		ep.stages = append(ep.stages, s)
		r.stages[s.id] = s
	}
	r.endpoints[endpointID] = ep
	return nil
}

func (r *Runtime) lookup(id string) (*stage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[id]
	return s, ok
}

// Pending returns the number of queued deliveries.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func unixNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Initiate starts a flow. Inside a stage lambda the initiation is a
// STAGE_INIT dispatch continuing the stage's trace and log overlay.
func (r *Runtime) Initiate(ctx context.Context, initiatorName, initiatorID string, fn InitLambda) error {
	ctx, span := r.tracer.Start(ctx, "flowsim.initiate",
		trace.WithAttributes(attribute.String("flowsim.initiator", initiatorName)))
	defer span.End()

	start := time.Now()
	ctx, _ = logctx.Fork(ctx)

	dispatch := domain.DispatchInit
	traceID := initiatorID + "[" + uuid.NewString()[:8] + "]"
	if parent, ok := ctx.Value(stageKey{}).(*Incoming); ok {
		dispatch = domain.DispatchStageInit
		traceID = parent.TraceID + "|" + traceID
	}

	out := &Outbox{
		rt:              r,
		dispatch:        dispatch,
		traceID:         traceID,
		from:            initiatorID,
		initiatingApp:   r.cfg.AppName,
		initiatorID:     initiatorID,
		audit:           true,
		persistent:      true,
		flowInitiatedAt: unixNanos(r.now()),
	}

	lambdaStart := time.Now()
	err := fn(ctx, out)
	userLambda := time.Since(lambdaStart).Nanoseconds()

	ev := &domain.CompletionEvent{
		Kind:                  domain.KindInitiation,
		AppName:               r.cfg.AppName,
		AppVersion:            r.cfg.AppVersion,
		ImplementationVersion: r.cfg.ImplementationVersion,
		FactoryName:           r.cfg.FactoryName,
		InitiatorName:         initiatorName,
		TraceID:               traceID,
		UserLambdaNanos:       userLambda,
		Measurements:          out.measurements,
	}
	if err == nil {
		ev.Outgoing, ev.MsgSysCommitNanos, err = r.send(out)
	} else {
		ev.Outgoing = out.produced()
	}
	ev.Err = err
	ev.TotalNanos = time.Since(start).Nanoseconds()

	r.dispatcher.InitiateCompleted(ctx, ev)
	if err != nil {
		return &domain.UnitFailedError{Kind: domain.KindInitiation, Unit: initiatorName, Err: err}
	}
	return nil
}

// Process runs the stage a delivery is addressed to.
func (r *Runtime) Process(ctx context.Context, d Delivery) error {
	start := time.Now()

	s, ok := r.lookup(d.StageID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, d.StageID)
	}

	wire := append([]byte(nil), d.Wire...)
	deconstruct := time.Since(start).Nanoseconds()

	env, stats, err := r.codec.Decode(wire)
	if err != nil {
		return fmt.Errorf("stage %s: %w", s.id, err)
	}

	// Payload and state are decoded lazily by the lambda; only their
	// well-formedness is checked up front.
	deserialStart := time.Now()
	for _, part := range [][]byte{env.Data, env.State} {
		if len(part) == 0 {
			continue
		}
		if err := cbor.Wellformed(part); err != nil {
			return fmt.Errorf("stage %s: malformed payload: %w", s.id, err)
		}
	}
	msgDeserial := time.Since(deserialStart).Nanoseconds()

	received := r.now()
	entered := env.EndpointEnteredAt
	switch env.Type {
	case domain.MessageRequest, domain.MessageSend, domain.MessagePublish, domain.MessageGoto:
		entered = unixNanos(received)
	}
	preceding := env.PrecedingSentAt
	if preceding == 0 && (env.Type == domain.MessageNext || env.Type == domain.MessageGoto) {
		preceding = env.SentAt
	}

	ctx, span := r.tracer.Start(ctx, "flowsim.stage",
		trace.WithAttributes(
			attribute.String("flowsim.stage", s.id),
			attribute.String("flowsim.message_type", string(env.Type)),
		))
	defer span.End()

	ctx, o := logctx.Fork(ctx)
	traceScope, _ := o.Push(logctx.F(telemetry.FieldTraceID, env.TraceID))
	defer traceScope.Restore()

	in := &Incoming{
		Type:    env.Type,
		TraceID: env.TraceID,
		From:    env.From,
		data:    env.Data,
		state:   env.State,
		codec:   r.codec,
	}
	preprocess := time.Since(start).Nanoseconds()

	r.dispatcher.StageReceived(ctx, &domain.ReceivedEvent{
		StageID:                          s.id,
		TraceID:                          env.TraceID,
		IncomingMessageType:              env.Type,
		FromApp:                          env.FromApp,
		FromAppVersion:                   env.FromAppVersion,
		FromStageID:                      env.From,
		MessageID:                        env.MessageID,
		InitiatingApp:                    env.InitiatingApp,
		InitiatorID:                      env.InitiatorID,
		Audit:                            env.Audit,
		Persistent:                       env.Persistent,
		Interactive:                      env.Interactive,
		SentAt:                           fromUnixNanos(env.SentAt),
		PrecedingStageSentAt:             fromUnixNanos(preceding),
		TotalPreprocessNanos:             preprocess,
		MessageSystemDeconstructNanos:    deconstruct,
		EnvelopeDecompressionNanos:       stats.DecompressNanos,
		EnvelopeDeserializationNanos:     stats.DeserializeNanos,
		MessageAndStateDeserializedNanos: msgDeserial,
		EnvelopeWireSize:                 stats.WireSize,
		EnvelopeSerializedSize:           stats.SerializedSize,
	})

	out := &Outbox{
		rt:                r,
		dispatch:          domain.DispatchStage,
		traceID:           env.TraceID,
		from:              s.id,
		initiatingApp:     env.InitiatingApp,
		initiatorID:       env.InitiatorID,
		audit:             env.Audit,
		persistent:        env.Persistent,
		interactive:       env.Interactive,
		flowInitiatedAt:   env.FlowInitiatedAt,
		endpointEnteredAt: entered,
		stack:             env.Stack,
		stage:             s,
		state:             env.State,
		result:            domain.ResultNone,
	}

	lambdaStart := time.Now()
	err = s.lambda(context.WithValue(ctx, stageKey{}, in), in, out)
	userLambda := time.Since(lambdaStart).Nanoseconds()

	ev := &domain.CompletionEvent{
		Kind:                  domain.KindStage,
		AppName:               r.cfg.AppName,
		AppVersion:            r.cfg.AppVersion,
		ImplementationVersion: r.cfg.ImplementationVersion,
		FactoryName:           r.cfg.FactoryName,
		StageID:               s.id,
		TraceID:               env.TraceID,
		UserLambdaNanos:       userLambda,
		Measurements:          out.measurements,
		Result:                out.result,
		PreprocessNanos:       preprocess,
		EndpointEnteredAt:     fromUnixNanos(entered),
		FlowInitiatedAt:       fromUnixNanos(env.FlowInitiatedAt),
	}
	if err == nil {
		ev.Outgoing, ev.MsgSysCommitNanos, err = r.send(out)
	} else {
		ev.Outgoing = out.produced()
	}
	ev.Err = err
	ev.TotalNanos = time.Since(start).Nanoseconds()

	r.dispatcher.StageCompleted(ctx, ev)
	if err != nil {
		return &domain.UnitFailedError{Kind: domain.KindStage, Unit: s.id, Err: err}
	}
	return nil
}

// send puts the produced messages on the wire and commits them to the queue
// as one batch.
func (r *Runtime) send(out *Outbox) ([]domain.OutgoingMessage, int64, error) {
	msgs := make([]domain.OutgoingMessage, 0, len(out.pending))
	batch := make([]Delivery, 0, len(out.pending))

	for _, p := range out.pending {
		sentAt := unixNanos(r.now())
		p.env.SentAt = sentAt
		if p.env.Type == domain.MessageRequest {
			p.env.Stack[len(p.env.Stack)-1].RequestSentAt = sentAt
		}

		wire, stats, err := r.codec.Encode(p.env)
		if err != nil {
			return append(msgs, p.out), 0, err
		}

		sendStart := time.Now()
		d := Delivery{StageID: p.env.To, SystemMessageID: "ID:" + uuid.NewString(), Wire: wire}
		batch = append(batch, d)
		sendNanos := time.Since(sendStart).Nanoseconds()

		m := p.out
		m.SystemMessageID = d.SystemMessageID
		m.EnvelopeSerializationNanos = stats.SerializeNanos
		m.EnvelopeCompressionNanos = stats.CompressNanos
		m.MessageSystemSendNanos = sendNanos
		m.EnvelopeSerializedSize = stats.SerializedSize
		m.EnvelopeWireSize = stats.WireSize
		msgs = append(msgs, m)
	}

	commitStart := time.Now()
	r.mu.Lock()
	r.queue = append(r.queue, batch...)
	r.mu.Unlock()
	return msgs, time.Since(commitStart).Nanoseconds(), nil
}

// Drain processes queued deliveries until the queue is empty or ctx is done.
// Failing stages are counted, not returned; an undeliverable message stops
// the drain.
func (r *Runtime) Drain(ctx context.Context) (processed, failed int, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return processed, failed, err
		}

		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return processed, failed, nil
		}
		d := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		perr := r.Process(ctx, d)
		processed++
		if perr == nil {
			continue
		}
		var unitErr *domain.UnitFailedError
		if !errors.As(perr, &unitErr) {
			return processed, failed, perr
		}
		failed++
	}
}
