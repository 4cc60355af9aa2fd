package flowsim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/intercept"
	"github.com/polisai/flowlog/pkg/logging"
	"github.com/polisai/flowlog/pkg/telemetry"
)

type recorder struct {
	mu       sync.Mutex
	inits    []*domain.CompletionEvent
	received []*domain.ReceivedEvent
	stages   []*domain.CompletionEvent
}

func (r *recorder) InitiateCompleted(_ context.Context, ev *domain.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits = append(r.inits, ev)
}

func (r *recorder) StageReceived(_ context.Context, ev *domain.ReceivedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, ev)
}

func (r *recorder) StageCompleted(_ context.Context, ev *domain.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, ev)
}

func newTestRuntime(t *testing.T, dispatcher intercept.Interceptor) *Runtime {
	t.Helper()
	rt, err := New(Config{AppName: "orders", AppVersion: "1.0.0", ImplementationVersion: "1.4.0", Compress: true}, dispatcher)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func results(evs []*domain.CompletionEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.StageID + ":" + string(ev.Result)
	}
	return out
}

func TestDemo_Flow(t *testing.T) {
	rec := &recorder{}
	rt := newTestRuntime(t, rec)
	demo, err := NewDemo(rt, 0)
	require.NoError(t, err)

	sum, err := demo.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Initiated: 1, Processed: 5}, sum)
	assert.Zero(t, rt.Pending())

	assert.Equal(t, []string{
		"Orders.service:REQUEST",
		"Stock.reserve:REPLY",
		"Orders.service.stage1:REPLY",
		"Audit.log:NONE",
		"Orders.terminator:NONE",
	}, results(rec.stages))

	require.Len(t, rec.inits, 2)
	root, nested := rec.inits[0], rec.inits[1]
	assert.Equal(t, "placeOrder", root.InitiatorName)
	require.Len(t, root.Outgoing, 1)
	assert.Equal(t, domain.DispatchInit, root.Outgoing[0].DispatchType)
	assert.Equal(t, domain.MessageRequest, root.Outgoing[0].MessageType)
	assert.NotEmpty(t, root.Outgoing[0].SystemMessageID)
	assert.Positive(t, root.Outgoing[0].EnvelopeWireSize)

	assert.Equal(t, "auditOrder", nested.InitiatorName)
	require.Len(t, nested.Outgoing, 1)
	assert.Equal(t, domain.DispatchStageInit, nested.Outgoing[0].DispatchType)
	assert.False(t, nested.Outgoing[0].Persistent)
	assert.True(t, strings.HasPrefix(nested.TraceID, root.TraceID+"|"), nested.TraceID)

	stock := rec.stages[1]
	require.Len(t, stock.Outgoing, 1)
	assert.Equal(t, "Orders.service.stage1", stock.Outgoing[0].To)
	require.Len(t, stock.Measurements, 2)
	assert.Equal(t, domain.MetricMeasure, stock.Measurements[0].Kind)
	assert.Equal(t, domain.MetricTiming, stock.Measurements[1].Kind)

	// The request stage and its continuation share the endpoint entry time.
	assert.Equal(t, rec.stages[0].EndpointEnteredAt, rec.stages[2].EndpointEnteredAt)
	for _, ev := range rec.stages {
		assert.False(t, ev.FlowInitiatedAt.IsZero(), ev.StageID)
	}

	require.Len(t, rec.received, 5)
	reply := rec.received[2]
	assert.Equal(t, "Orders.service.stage1", reply.StageID)
	assert.Equal(t, domain.MessageReply, reply.IncomingMessageType)
	assert.Equal(t, "Stock.reserve", reply.FromStageID)
	assert.False(t, reply.PrecedingStageSentAt.IsZero())
	assert.Positive(t, reply.EnvelopeWireSize)
}

func TestDemo_FailingStage(t *testing.T) {
	rec := &recorder{}
	rt := newTestRuntime(t, rec)
	demo, err := NewDemo(rt, 1)
	require.NoError(t, err)

	sum, err := demo.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Summary{Initiated: 2, Processed: 4, Failed: 2}, sum)

	for _, ev := range rec.stages {
		if ev.StageID != EndpointStock {
			continue
		}
		assert.True(t, ev.Failed())
		assert.ErrorIs(t, ev.Err, ErrOutOfStock)
		assert.Empty(t, ev.Outgoing)
	}
}

func TestRuntime_StatePassesToNextStage(t *testing.T) {
	rec := &recorder{}
	rt := newTestRuntime(t, rec)

	var got string
	require.NoError(t, rt.Register("Calc.run",
		func(_ context.Context, _ *Incoming, out *Outbox) error {
			if err := out.State("carried"); err != nil {
				return err
			}
			return out.Next(nil)
		},
		func(_ context.Context, in *Incoming, _ *Outbox) error {
			return in.DecodeState(&got)
		},
	))

	ctx := context.Background()
	require.NoError(t, rt.Initiate(ctx, "calc", "Calc.test", func(_ context.Context, out *Outbox) error {
		return out.Send("Calc.run", nil)
	}))
	processed, failed, err := rt.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Zero(t, failed)
	assert.Equal(t, "carried", got)
	assert.Equal(t, []string{"Calc.run:NEXT", "Calc.run.stage1:NONE"}, results(rec.stages))

	next := rec.received[1]
	assert.Equal(t, domain.MessageNext, next.IncomingMessageType)
	assert.False(t, next.PrecedingStageSentAt.IsZero())
}

func TestOutbox_Errors(t *testing.T) {
	rt := newTestRuntime(t, &recorder{})
	require.NoError(t, rt.Register("One.stage", func(context.Context, *Incoming, *Outbox) error { return nil }))

	ini := &Outbox{rt: rt, dispatch: domain.DispatchInit, result: domain.ResultNone}
	assert.ErrorIs(t, ini.Request("One.stage", nil), ErrNoReplyTo)
	assert.ErrorIs(t, ini.Reply(nil), ErrNotInStage)
	assert.ErrorIs(t, ini.Next(nil), ErrNotInStage)
	assert.ErrorIs(t, ini.Goto("One.stage", nil), ErrNotInStage)
	assert.ErrorIs(t, ini.Send("Missing.endpoint", nil), domain.ErrUnknownEndpoint)

	s, ok := rt.lookup("One.stage")
	require.True(t, ok)
	st := &Outbox{rt: rt, dispatch: domain.DispatchStage, stage: s, result: domain.ResultNone}
	assert.ErrorIs(t, st.Next(nil), ErrNoNextStage)
	assert.ErrorIs(t, st.Request("One.stage", nil), ErrNoNextStage)

	// Reply without pending request is no flow message at all.
	require.NoError(t, st.Reply(nil))
	assert.Equal(t, domain.ResultNone, st.result)
	assert.Empty(t, st.pending)

	require.NoError(t, st.Goto("One.stage", nil))
	require.NoError(t, st.Goto("One.stage", nil))
	st.stack = []Frame{{ReplyTo: "One.stage"}}
	assert.ErrorIs(t, st.Reply(nil), ErrMixedFlow)
}

func TestRuntime_FailedInitiationSendsNothing(t *testing.T) {
	rec := &recorder{}
	rt := newTestRuntime(t, rec)
	require.NoError(t, rt.Register("Sink.in", func(context.Context, *Incoming, *Outbox) error { return nil }))

	boom := errors.New("boom")
	err := rt.Initiate(context.Background(), "broken", "Sink.test", func(_ context.Context, out *Outbox) error {
		require.NoError(t, out.Send("Sink.in", "x"))
		return boom
	})

	var unitErr *domain.UnitFailedError
	require.ErrorAs(t, err, &unitErr)
	assert.Equal(t, domain.KindInitiation, unitErr.Kind)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, rt.Pending())

	require.Len(t, rec.inits, 1)
	assert.ErrorIs(t, rec.inits[0].Err, boom)
	require.Len(t, rec.inits[0].Outgoing, 1)
	assert.Empty(t, rec.inits[0].Outgoing[0].SystemMessageID)
}

func TestRuntime_ProcessRejectsBadDeliveries(t *testing.T) {
	rt := newTestRuntime(t, &recorder{})
	require.NoError(t, rt.Register("Sink.in", func(context.Context, *Incoming, *Outbox) error { return nil }))
	ctx := context.Background()

	err := rt.Process(ctx, Delivery{StageID: "Nowhere"})
	assert.ErrorIs(t, err, domain.ErrUnknownEndpoint)

	wire, _, err := rt.codec.Encode(&Envelope{TraceID: "t", Type: domain.MessageSend, Data: []byte{0xff}})
	require.NoError(t, err)
	err = rt.Process(ctx, Delivery{StageID: "Sink.in", Wire: wire})
	assert.ErrorContains(t, err, "malformed payload")

	var unitErr *domain.UnitFailedError
	assert.False(t, errors.As(err, &unitErr))
}

func TestRuntime_Register(t *testing.T) {
	rt := newTestRuntime(t, &recorder{})
	noop := func(context.Context, *Incoming, *Outbox) error { return nil }

	require.NoError(t, rt.Register("A.b", noop, noop, noop))
	assert.Error(t, rt.Register("A.b", noop))
	assert.Error(t, rt.Register("", noop))
	assert.Error(t, rt.Register("A.c"))

	for _, id := range []string{"A.b", "A.b.stage1", "A.b.stage2"} {
		_, ok := rt.lookup(id)
		assert.True(t, ok, id)
	}

	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestDemo_WritesFlowLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "debug", Output: &buf})

	registry := intercept.NewRegistry(logger)
	intercept.Install(registry, telemetry.NewEmitter(logger))

	rt := newTestRuntime(t, registry)
	demo, err := NewDemo(rt, 0)
	require.NoError(t, err)
	_, err = demo.Run(context.Background(), 1)
	require.NoError(t, err)

	var completed, received, measured int
	seen := map[string]bool{}
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(raw, &rec))
		assert.NotEmpty(t, rec[telemetry.FieldTraceID], rec["msg"])

		if r, ok := rec[telemetry.FieldProcessResult].(string); ok {
			seen[r] = true
		}
		if _, ok := rec[telemetry.FieldStageCompleted]; ok {
			completed++
		}
		if _, ok := rec[telemetry.FieldMessageReceived]; ok {
			received++
		}
		if _, ok := rec[telemetry.FieldOpsMeasurePrefix+"stock.reserved.units"]; ok {
			measured++
		}
	}

	assert.Equal(t, 5, completed)
	assert.Equal(t, 5, received)
	assert.Equal(t, 1, measured)
	assert.Equal(t, map[string]bool{"REQUEST": true, "REPLY": true, "NONE": true}, seen)
}

func TestRuntime_FailedStageRecordsErrorOnce(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	logger := logging.NewLogger(logging.Config{Level: "error", Output: &bytes.Buffer{}})
	registry := intercept.NewRegistry(logger)
	intercept.Install(registry, telemetry.NewEmitter(logger))

	rt, err := New(Config{AppName: "orders", AppVersion: "1.0.0", TracerProvider: tp}, registry)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	demo, err := NewDemo(rt, 1)
	require.NoError(t, err)
	_, err = demo.Run(context.Background(), 1)
	require.NoError(t, err)

	var checked int
	for _, s := range sr.Ended() {
		if s.Name() != "flowsim.stage" {
			continue
		}
		var stage string
		for _, kv := range s.Attributes() {
			if kv.Key == "flowsim.stage" {
				stage = kv.Value.AsString()
			}
		}
		if stage != EndpointStock {
			continue
		}
		checked++
		var exceptions int
		for _, ev := range s.Events() {
			if ev.Name == "exception" {
				exceptions++
			}
		}
		assert.Equal(t, 1, exceptions)
	}
	assert.Equal(t, 1, checked)
}
