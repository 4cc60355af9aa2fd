package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/logctx"
	"github.com/polisai/flowlog/pkg/logging"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEmitter(t *testing.T, opts ...Option) (*Emitter, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "debug", Output: &buf})
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewEmitter(logger, opts...), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(raw, &rec))
		out = append(out, rec)
	}
	return out
}

func sentMessage(i int) domain.OutgoingMessage {
	m := outMsg(1_000_000, 200_000, 100_000, 300_000)
	m.TraceID = "trace-msg"
	m.MessageID = "m-" + string(rune('a'+i))
	m.SystemMessageID = "sys-" + string(rune('a'+i))
	m.From = "Orders.service"
	m.To = "Stock.reserve"
	m.EnvelopeSerializedSize = 512
	m.EnvelopeWireSize = 256
	return m
}

func stageEvent(result domain.ProcessResult, n int) *domain.CompletionEvent {
	ev := &domain.CompletionEvent{
		Kind:                  domain.KindStage,
		AppName:               "orders",
		FactoryName:           "orders-factory",
		ImplementationVersion: "1.4.0",
		StageID:               "Orders.service",
		TraceID:               "trace-1",
		TotalNanos:            10_000_000,
		UserLambdaNanos:       5_000_000,
		PreprocessNanos:       1_000_000,
		Result:                result,
	}
	for i := 0; i < n; i++ {
		ev.Outgoing = append(ev.Outgoing, sentMessage(i))
	}
	return ev
}

func TestEmitter_LineCounts(t *testing.T) {
	tests := []struct {
		name      string
		messages  int
		err       error
		wantLines int
		wantLevel string
	}{
		{"no messages", 0, nil, 1, "INFO"},
		{"single message merged", 1, nil, 1, "INFO"},
		{"three messages", 3, nil, 4, "INFO"},
		{"failed with messages", 2, errors.New("boom"), 1, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, buf := newTestEmitter(t)
			ev := stageEvent(domain.ResultRequest, tt.messages)
			ev.Err = tt.err

			e.StageCompleted(context.Background(), ev)

			lines := decodeLines(t, buf)
			require.Len(t, lines, tt.wantLines)
			last := lines[len(lines)-1]
			assert.Equal(t, tt.wantLevel, last["level"])
			assert.Equal(t, "true", last[FieldStageCompleted])
			assert.Equal(t, ChannelStage, last[logging.ChannelKey])

			completed := 0
			for _, l := range lines {
				assert.True(t, strings.HasPrefix(l["msg"].(string), LogPrefix))
				if l[FieldStageCompleted] == "true" {
					completed++
				}
			}
			assert.Equal(t, 1, completed, "exactly one completion line")
		})
	}
}

func TestEmitter_FailedStage(t *testing.T) {
	e, buf := newTestEmitter(t)
	ev := stageEvent(domain.ResultRequest, 2)
	ev.Err = errors.New("lambda raised")

	e.StageCompleted(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "lambda raised", line["error"])
	assert.Equal(t, "0", line[FieldExecOutQuantity])
	assert.Equal(t, "0.0", line[FieldExecOut])
	assert.NotContains(t, line, FieldMessageSent)
	assert.Contains(t, line["msg"], "STAGE !!FAILED!! with result REQUEST, no outgoing messages")
}

func TestEmitter_TerminatorCompletesFlow(t *testing.T) {
	e, buf := newTestEmitter(t)
	ev := stageEvent(domain.ResultNone, 0)
	ev.EndpointEnteredAt = testNow.Add(-40 * time.Millisecond)
	ev.FlowInitiatedAt = testNow.Add(-3 * time.Second)

	e.StageCompleted(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "10.0", line[FieldExecTotal])
	assert.Equal(t, "0", line[FieldExecOutQuantity])
	assert.Equal(t, "NONE", line[FieldProcessResult])
	assert.Equal(t, "true", line[FieldEndpointCompleted])
	assert.Equal(t, "40", line[FieldEndpointTotal])
	assert.Equal(t, "true", line[FieldFlowCompleted])
	assert.Equal(t, "3000", line[FieldFlowTotal])
	assert.Equal(t, "1.0", line[FieldExecPreprocDeserial])
	assert.Equal(t, "1.4.0", line[FieldVersion])
	assert.Contains(t, line["msg"], "total:[10.0 ms]")
}

func TestEmitter_SingleMessageMerged(t *testing.T) {
	e, buf := newTestEmitter(t)
	ev := stageEvent(domain.ResultRequest, 1)

	e.StageCompleted(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	msg := line["msg"].(string)
	assert.Contains(t, msg, "single outgoing REQUEST message")
	assert.Contains(t, msg, "\n    "+LogPrefix+"STAGE outgoing REQUEST message from [orders-factory|Orders.service] -> [Stock.reserve]")

	assert.Equal(t, "true", line[FieldMessageSent])
	assert.Equal(t, "m-a", line[FieldOutMsgID])
	assert.Equal(t, "1.6", line[FieldOutTotal])
	assert.Equal(t, "512", line[FieldOutEnvelopeSerialSize])
	assert.Equal(t, "1", line[FieldExecOutQuantity])
	assert.Equal(t, "trace-msg", line[FieldTraceID])
	assert.NotContains(t, line, FieldEndpointCompleted)
}

func TestEmitter_InitiationSenderName(t *testing.T) {
	e, buf := newTestEmitter(t)
	m := sentMessage(0)
	m.DispatchType = domain.DispatchInit
	ev := &domain.CompletionEvent{
		Kind:          domain.KindInitiation,
		FactoryName:   "orders-factory",
		InitiatorName: "checkout",
		TotalNanos:    2_000_000,
		Outgoing:      []domain.OutgoingMessage{m, sentMessage(1)},
	}

	e.InitiateCompleted(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0]["msg"], "INIT outgoing REQUEST message from [orders-factory|checkout|Orders.service]")
	assert.Equal(t, "INIT", lines[0][FieldDispatchType])
	assert.Equal(t, ChannelInit, lines[2][logging.ChannelKey])
	assert.Equal(t, "true", lines[2][FieldInitiateCompleted])
	assert.Contains(t, lines[2]["msg"], "INIT completed, [2] outgoing messages")
	assert.NotContains(t, lines[2]["msg"], "totPreprocAndDeserial")
	assert.NotContains(t, lines[2], FieldProcessResult)
	assert.NotContains(t, lines[2], FieldMessageSent, "message fields do not leak onto the completion line")
}

func TestEmitter_RestoresEnclosingOverlay(t *testing.T) {
	e, buf := newTestEmitter(t)
	ctx, o := logctx.Ensure(context.Background())
	require.NoError(t, o.Set(FieldTraceID, "outer"))
	require.NoError(t, o.Set("tenant", "acme"))
	before := o.Snapshot()

	e.StageCompleted(ctx, stageEvent(domain.ResultNext, 2))

	assert.Equal(t, before, o.Snapshot())
	lines := decodeLines(t, buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "trace-msg", lines[0][FieldTraceID])
	assert.Equal(t, "outer", lines[2][FieldTraceID])
	for _, l := range lines {
		assert.Equal(t, "acme", l["tenant"])
	}
}

func TestEmitter_BindsTraceIDWhenAbsent(t *testing.T) {
	e, buf := newTestEmitter(t)
	ctx, o := logctx.Ensure(context.Background())

	e.StageCompleted(ctx, stageEvent(domain.ResultNone, 0))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace-1", lines[0][FieldTraceID])
	assert.Zero(t, o.Len())
}

func TestEmitter_ConcurrentUnitsOnSharedContext(t *testing.T) {
	e, buf := newTestEmitter(t)
	ctx, o := logctx.Ensure(context.Background())
	require.NoError(t, o.Set("tenant", "acme"))
	before := o.Snapshot()

	const units = 8
	var wg sync.WaitGroup
	for i := 0; i < units; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := stageEvent(domain.ResultNone, 0)
			ev.TraceID = fmt.Sprintf("trace-%d", i)
			ev.Measurements = []domain.Measurement{
				domain.Timing(fmt.Sprintf("m%d", i), "Unit timing", 2_000_000),
			}
			e.StageCompleted(ctx, ev)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, before, o.Snapshot())
	lines := decodeLines(t, buf)
	require.Len(t, lines, 2*units)

	var completions, measurements int
	for _, l := range lines {
		assert.Equal(t, "acme", l["tenant"])
		var ops []string
		for k := range l {
			if strings.HasPrefix(k, "flowlog.exec.ops.") {
				ops = append(ops, k)
			}
		}
		if _, ok := l[FieldStageCompleted]; ok {
			completions++
			assert.Empty(t, ops, "measurement fields leaked onto a completion line")
			continue
		}
		measurements++
		require.Len(t, ops, 1, l["msg"])
		id := strings.TrimSuffix(strings.TrimPrefix(ops[0], FieldOpsTimingPrefix), ".ms")
		assert.Equal(t, "trace-"+strings.TrimPrefix(id, "m"), l[FieldTraceID])
	}
	assert.Equal(t, units, completions)
	assert.Equal(t, units, measurements)
}

func TestEmitter_NoOutgoingStageTotals(t *testing.T) {
	e, buf := newTestEmitter(t)
	ev := stageEvent(domain.ResultNone, 0)
	ev.TotalNanos = 10_000_000
	ev.UserLambdaNanos = 8_000_000
	ev.MsgSysCommitNanos = 1_000_000
	ev.PreprocessNanos = 0

	e.StageCompleted(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "10.0", line[FieldExecTotal])
	assert.Equal(t, "0", line[FieldExecOutQuantity])
	assert.Equal(t, "true", line[FieldFlowCompleted])
	assert.Contains(t, line["msg"], "diff:[1.0 ms]")
}

func TestEmitter_MeasurementsPrecedeCompletion(t *testing.T) {
	e, buf := newTestEmitter(t)
	ev := stageEvent(domain.ResultNone, 0)
	ev.Measurements = []domain.Measurement{
		domain.Timing("db.query", "Query orders", 3_000_000, domain.Label{Key: "table", Value: "orders"}),
		domain.Measure("", "broken", "rows", 1),
		domain.Measure("rows", "Rows read", "rows", 42),
	}

	e.StageCompleted(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 4)

	assert.Equal(t, LogPrefix+`TIMING db.query:[3.0 ms] ("Query orders") table:orders`, lines[0]["msg"])
	assert.Equal(t, "3.0", lines[0]["flowlog.exec.ops.time.db.query.ms"])
	assert.Equal(t, "orders", lines[0]["flowlog.exec.ops.time.db.query.tag.table"])

	assert.Equal(t, "WARN", lines[1]["level"])
	assert.NotContains(t, lines[1], "flowlog.exec.ops.time.db.query.ms")

	assert.Equal(t, LogPrefix+`MEASURE rows:[42.0 rows] ("Rows read")`, lines[2]["msg"])
	assert.Equal(t, "42.0", lines[2]["flowlog.exec.ops.measure.rows.rows"])
	assert.NotContains(t, lines[2], "flowlog.exec.ops.time.db.query.tag.table")

	assert.Equal(t, "true", lines[3][FieldStageCompleted])
}

type panickingRecorder struct{}

func (panickingRecorder) RecordCompletion(context.Context, *domain.CompletionEvent, Breakdown, int) {
	panic("recorder exploded")
}

func (panickingRecorder) RecordReceived(context.Context, *domain.ReceivedEvent) {
	panic("recorder exploded")
}

func TestEmitter_RecorderPanicIsContained(t *testing.T) {
	e, buf := newTestEmitter(t, WithRecorder(panickingRecorder{}))

	assert.NotPanics(t, func() {
		e.StageCompleted(context.Background(), stageEvent(domain.ResultNone, 0))
		e.StageReceived(context.Background(), &domain.ReceivedEvent{StageID: "Orders.service"})
	})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "WARN", lines[1]["level"])
	assert.Equal(t, "recorder exploded", lines[1]["panic"])
	assert.Equal(t, "WARN", lines[3]["level"])
}

func TestEmitter_NilEventIsIgnored(t *testing.T) {
	e, buf := newTestEmitter(t)
	e.InitiateCompleted(context.Background(), nil)
	e.StageReceived(context.Background(), nil)
	assert.Zero(t, buf.Len())
}

func TestEmitter_StageReceived(t *testing.T) {
	e, buf := newTestEmitter(t)
	ev := &domain.ReceivedEvent{
		StageID:                          "Orders.service.stage1",
		TraceID:                          "trace-1",
		IncomingMessageType:              domain.MessageReply,
		FromApp:                          "stock",
		FromAppVersion:                   "2.0",
		FromStageID:                      "Stock.reserve",
		MessageID:                        "m-1",
		InitiatingApp:                    "orders",
		InitiatorID:                      "checkout",
		Audit:                            true,
		SentAt:                           testNow.Add(-15 * time.Millisecond),
		PrecedingStageSentAt:             testNow.Add(-80 * time.Millisecond),
		TotalPreprocessNanos:             1_000_000,
		MessageSystemDeconstructNanos:    100_000,
		EnvelopeDecompressionNanos:       200_000,
		EnvelopeDeserializationNanos:     300_000,
		MessageAndStateDeserializedNanos: 350_000,
		EnvelopeWireSize:                 128,
		EnvelopeSerializedSize:           300,
	}

	e.StageReceived(context.Background(), ev)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "true", line[FieldMessageReceived])
	assert.Equal(t, "15", line[FieldInSinceSent])
	assert.Equal(t, "80", line[FieldInSincePrecedingStep])
	assert.Equal(t, "Stock.reserve", line[FieldInFromID])
	assert.Equal(t, "true", line[FieldAudit])
	assert.Equal(t, "false", line[FieldPersistent])
	assert.Equal(t, "128", line[FieldInEnvelopeWireSize])
	assert.Equal(t, "trace-1", line[FieldTraceID])
	msg := line["msg"].(string)
	assert.True(t, strings.HasPrefix(msg, LogPrefix+"RECEIVED [REPLY] message from [Stock.reserve@stock,v.2.0]"))
	assert.Contains(t, msg, "sum pieces:[0.95 ms]")
	assert.Contains(t, msg, "diff:[0.05 ms]")
}

func TestComposeReceived_PrecedingStageOnlyForContinuations(t *testing.T) {
	ev := &domain.ReceivedEvent{
		IncomingMessageType:  domain.MessageRequest,
		PrecedingStageSentAt: testNow.Add(-time.Second),
	}
	line := ComposeReceived(ev, testNow)
	for _, f := range line.Fields {
		assert.NotEqual(t, FieldInSincePrecedingStep, f.Key)
		assert.NotEqual(t, FieldInSinceSent, f.Key, "unknown send time gives no queue time")
	}
}

func TestEmitter_CustomChannels(t *testing.T) {
	e, buf := newTestEmitter(t, WithChannels("app.init", ""))
	e.InitiateCompleted(context.Background(), &domain.CompletionEvent{Kind: domain.KindInitiation})
	e.StageCompleted(context.Background(), stageEvent(domain.ResultNone, 0))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "app.init", lines[0][logging.ChannelKey])
	assert.Equal(t, ChannelStage, lines[1][logging.ChannelKey])
}
