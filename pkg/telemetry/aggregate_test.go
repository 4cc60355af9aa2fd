package telemetry

import (
	"testing"
	"time"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func outMsg(produce, serial, compress, send int64) domain.OutgoingMessage {
	return domain.OutgoingMessage{
		DispatchType:               domain.DispatchStage,
		MessageType:                domain.MessageRequest,
		EnvelopeProduceNanos:       produce,
		EnvelopeSerializationNanos: serial,
		EnvelopeCompressionNanos:   compress,
		MessageSystemSendNanos:     send,
	}
}

func TestAggregate_Stage(t *testing.T) {
	ev := &domain.CompletionEvent{
		Kind:              domain.KindStage,
		TotalNanos:        20_000,
		UserLambdaNanos:   9_000,
		PreprocessNanos:   1_000,
		DBCommitNanos:     500,
		MsgSysCommitNanos: 1_500,
	}
	msgs := []domain.OutgoingMessage{outMsg(1_000, 200, 300, 400), outMsg(2_000, 100, 0, 600)}

	b := Aggregate(ev, msgs)

	assert.Equal(t, int64(3_000), b.SumMessageProduceNanos)
	assert.Equal(t, int64(6_000), b.UserLambdaAlone)
	assert.Equal(t, int64(3_000+600+1_000), b.SumMessageOutHandling)
	assert.Equal(t, int64(2_000), b.CommitNanos)
	assert.Equal(t, int64(1_000), b.PrefixNanos)
	assert.Equal(t, int64(1_000+6_000+4_600+2_000), b.SumPieces)
	assert.Equal(t, int64(20_000-13_600), b.Diff)
}

func TestAggregate_InitiationIgnoresPreprocess(t *testing.T) {
	ev := &domain.CompletionEvent{
		Kind:            domain.KindInitiation,
		TotalNanos:      1_000,
		UserLambdaNanos: 1_000,
		PreprocessNanos: 400,
	}

	b := Aggregate(ev, nil)

	assert.Zero(t, b.PrefixNanos)
	assert.Equal(t, int64(1_000), b.SumPieces)
	assert.Zero(t, b.Diff)
}

func TestAggregate_NegativeDiffIsKept(t *testing.T) {
	ev := &domain.CompletionEvent{
		Kind:            domain.KindInitiation,
		TotalNanos:      1_000,
		UserLambdaNanos: 1_500,
	}

	b := Aggregate(ev, nil)

	assert.Equal(t, int64(-500), b.Diff)
	assert.Equal(t, "-0.001", FormatMillis(b.Diff))
}

// The diff is always exactly total minus the sum of the pieces.
func TestAggregateDiffProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]domain.Kind{domain.KindInitiation, domain.KindStage}).Draw(t, "kind")
		ev := &domain.CompletionEvent{
			Kind:              kind,
			TotalNanos:        rapid.Int64Range(0, 1e10).Draw(t, "total"),
			UserLambdaNanos:   rapid.Int64Range(0, 1e10).Draw(t, "user"),
			DBCommitNanos:     rapid.Int64Range(0, 1e9).Draw(t, "db"),
			MsgSysCommitNanos: rapid.Int64Range(0, 1e9).Draw(t, "msgsys"),
			PreprocessNanos:   rapid.Int64Range(0, 1e9).Draw(t, "pre"),
		}
		n := rapid.IntRange(0, 5).Draw(t, "messages")
		var msgs []domain.OutgoingMessage
		for i := 0; i < n; i++ {
			msgs = append(msgs, outMsg(
				rapid.Int64Range(0, 1e8).Draw(t, "produce"),
				rapid.Int64Range(0, 1e8).Draw(t, "serial"),
				rapid.Int64Range(0, 1e8).Draw(t, "compress"),
				rapid.Int64Range(0, 1e8).Draw(t, "send"),
			))
		}

		b := Aggregate(ev, msgs)

		prefix := int64(0)
		if kind == domain.KindStage {
			prefix = ev.PreprocessNanos
		}
		pieces := b.UserLambdaAlone + b.SumMessageOutHandling + ev.CommitNanos() + prefix
		if b.Diff != ev.TotalNanos-pieces {
			t.Fatalf("diff %d, want %d", b.Diff, ev.TotalNanos-pieces)
		}
		var total int64
		for _, m := range msgs {
			total += m.TotalNanos()
		}
		if total != b.SumMessageOutHandling {
			t.Fatalf("out handling %d, want sum of message totals %d", b.SumMessageOutHandling, total)
		}
	})
}

func TestClassifyCompletion(t *testing.T) {
	tests := []struct {
		result   domain.ProcessResult
		endpoint bool
		flow     bool
	}{
		{domain.ResultReply, true, false},
		{domain.ResultNone, true, true},
		{domain.ResultRequest, false, false},
		{domain.ResultNext, false, false},
		{domain.ResultGoto, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.result), func(t *testing.T) {
			endpoint, flow := ClassifyCompletion(tt.result)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.flow, flow)
		})
	}
}

func TestClassifyStage_ElapsedTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := &domain.CompletionEvent{
		Kind:              domain.KindStage,
		Result:            domain.ResultNone,
		EndpointEnteredAt: now.Add(-250 * time.Millisecond),
		FlowInitiatedAt:   now.Add(-2 * time.Second),
	}

	c := classifyStage(ev, now)

	assert.True(t, c.EndpointCompleted)
	assert.True(t, c.FlowCompleted)
	assert.True(t, c.HasEndpointElapsed)
	assert.Equal(t, 250*time.Millisecond, c.EndpointElapsed)
	assert.True(t, c.HasFlowElapsed)
	assert.Equal(t, 2*time.Second, c.FlowElapsed)

	ev.Result = domain.ResultReply
	ev.EndpointEnteredAt = time.Time{}
	c = classifyStage(ev, now)
	assert.True(t, c.EndpointCompleted)
	assert.False(t, c.HasEndpointElapsed, "unknown entry time gives no elapsed value")
	assert.False(t, c.FlowCompleted)

	assert.Equal(t, Completion{}, classifyStage(&domain.CompletionEvent{Kind: domain.KindInitiation, Result: domain.ResultNone}, now))
}
