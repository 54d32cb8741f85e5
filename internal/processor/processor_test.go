package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/state"
	"github.com/lsm/relay/internal/transform"
	"github.com/lsm/relay/internal/transform/dedup"
)

// --- Mocks ---

type streamCall struct {
	stream string
	events []event.Event
	keys   []string
}

type mockStream struct {
	calls     []streamCall
	responses map[string]*sink.Response // stream -> response, default 200
	err       error
	log       *[]string
}

func (m *mockStream) PutRecords(_ context.Context, stream string, events []event.Event, key sink.PartitionKeyFunc) (*sink.Response, error) {
	call := streamCall{stream: stream, events: event.CloneAll(events)}
	for _, ev := range events {
		call.keys = append(call.keys, key(ev))
	}
	m.calls = append(m.calls, call)
	if m.log != nil {
		*m.log = append(*m.log, "stream:"+stream)
	}
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.responses[stream]; ok {
		return r, nil
	}
	return &sink.Response{StatusCode: sink.StatusOK, RecordCount: len(events)}, nil
}

func (m *mockStream) Close() error { return nil }

type durableCall struct {
	channel string
	events  []event.Event
}

type mockDurable struct {
	calls     []durableCall
	responses map[string]*sink.Response
	errs      map[string]error
	log       *[]string
}

func (m *mockDurable) PutRecordBatch(_ context.Context, channel string, events []event.Event) (*sink.Response, error) {
	m.calls = append(m.calls, durableCall{channel: channel, events: event.CloneAll(events)})
	if m.log != nil {
		*m.log = append(*m.log, "durable:"+channel)
	}
	if err := m.errs[channel]; err != nil {
		return nil, err
	}
	if r, ok := m.responses[channel]; ok {
		return r, nil
	}
	return &sink.Response{StatusCode: sink.StatusOK, RecordCount: len(events)}, nil
}

func (m *mockDurable) Close() error { return nil }

// --- Helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeBatch(t *testing.T, events ...map[string]any) batch.Batch {
	t.Helper()
	b := batch.Batch{ShardID: "shardId-000000000001", Encoding: batch.EncodingBase64, InvocationID: "inv-1"}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		b.Records = append(b.Records, batch.Record{Data: []byte(base64.StdEncoding.EncodeToString(data))})
	}
	return b
}

func newProcessor(t *testing.T, cfg Config, opts ...Option) *Processor {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithFlowName("test-flow")}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func matchField(field string, value any) transform.Predicate {
	return transform.PredicateFunc(func(_ context.Context, ev event.Event, _ event.ProcessingContext) (bool, error) {
		return ev[field] == value, nil
	})
}

func setField(field string, value any) transform.Transformer {
	return transform.TransformFunc(func(_ context.Context, ev event.Event, _ event.ProcessingContext) error {
		ev[field] = value
		return nil
	})
}

func failingTransform(err error) transform.Transformer {
	return transform.TransformFunc(func(context.Context, event.Event, event.ProcessingContext) error {
		return err
	})
}

// --- Properties ---

func TestProcess_InputFilterRejectsAll_NoOp(t *testing.T) {
	stream := &mockStream{}
	durable := &mockDurable{}
	p := newProcessor(t, Config{
		Input: Input{Predicate: transform.None},
		Outputs: []Output{
			{Name: "a", Stream: "s-a", DurableSink: "d-a"},
		},
		Stream:  stream,
		Durable: durable,
	})

	if err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}, map[string]any{"id": "2"})); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(stream.calls) != 0 || len(durable.calls) != 0 {
		t.Errorf("expected no sink calls, got stream=%d durable=%d", len(stream.calls), len(durable.calls))
	}
}

func TestProcess_InputMapperSkippedWhenNothingSelected(t *testing.T) {
	called := false
	p := newProcessor(t, Config{
		Input: Input{
			Predicate: transform.None,
			Transform: transform.TransformFunc(func(context.Context, event.Event, event.ProcessingContext) error {
				called = true
				return nil
			}),
		},
	})

	if err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("input transform must not run on an empty working set")
	}
}

func TestProcess_DefaultAcceptAndIdentity(t *testing.T) {
	stream := &mockStream{}
	p := newProcessor(t, Config{
		Outputs: []Output{{Name: "all", Stream: "s"}},
		Stream:  stream,
	})

	in := []map[string]any{
		{"id": "1", "nested": map[string]any{"v": 1.0}},
		{"id": "2", "list": []any{"a", "b"}},
		{"id": "3"},
	}
	if err := p.Process(context.Background(), makeBatch(t, in...)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(stream.calls) != 1 {
		t.Fatalf("expected 1 stream call, got %d", len(stream.calls))
	}
	got := stream.calls[0].events
	if len(got) != 3 {
		t.Fatalf("expected every event to be selected, got %d", len(got))
	}
	for i := range in {
		want, _ := json.Marshal(in[i])
		have, _ := json.Marshal(got[i])
		if string(want) != string(have) {
			t.Errorf("event %d changed: want %s, got %s", i, want, have)
		}
	}
}

func TestProcess_PipelineMutationIsolation(t *testing.T) {
	stream := &mockStream{}
	var seenByInputCheck []event.Event
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "a", Transform: setField("tag", "a"), Stream: "s-a"},
			{Name: "b", Transform: transform.TransformFunc(func(_ context.Context, ev event.Event, _ event.ProcessingContext) error {
				if _, ok := ev["tag"]; ok {
					t.Errorf("pipeline b saw pipeline a's mutation: %v", ev)
				}
				ev["nested"].(map[string]any)["v"] = "b"
				return nil
			}), Stream: "s-b"},
			{Name: "c", Predicate: transform.PredicateFunc(func(_ context.Context, ev event.Event, _ event.ProcessingContext) (bool, error) {
				seenByInputCheck = append(seenByInputCheck, ev)
				return true, nil
			}), Stream: "s-c"},
		},
		Stream: stream,
	})

	if err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "x", "nested": map[string]any{"v": "orig"}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stream.calls) != 3 {
		t.Fatalf("expected 3 stream calls, got %d", len(stream.calls))
	}

	a, b, c := stream.calls[0].events[0], stream.calls[1].events[0], stream.calls[2].events[0]
	if a["tag"] != "a" || a["nested"].(map[string]any)["v"] != "orig" {
		t.Errorf("pipeline a affected by another pipeline: %v", a)
	}
	if b["nested"].(map[string]any)["v"] != "b" {
		t.Errorf("pipeline b transform lost: %v", b)
	}
	if _, ok := c["tag"]; ok || c["nested"].(map[string]any)["v"] != "orig" {
		t.Errorf("pipeline c saw another pipeline's mutation: %v", c)
	}
	// The working set itself, as seen by a later predicate, is untouched.
	if len(seenByInputCheck) != 1 || seenByInputCheck[0]["nested"].(map[string]any)["v"] != "orig" {
		t.Errorf("working set mutated: %v", seenByInputCheck)
	}
}

func TestProcess_TransformFailure_NoDispatch(t *testing.T) {
	boom := errors.New("boom")
	stream := &mockStream{}
	durable := &mockDurable{}
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "first", Stream: "s-1", DurableSink: "d-1"},
			{Name: "second", Transform: failingTransform(boom), Stream: "s-2"},
		},
		Stream:  stream,
		Durable: durable,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))

	var ule *UserLogicError
	if !errors.As(err, &ule) {
		t.Fatalf("expected UserLogicError, got %T: %v", err, err)
	}
	if ule.Phase != PhaseOutputMap || ule.Pipeline != 1 || ule.Name != "second" {
		t.Errorf("unexpected error details: %+v", ule)
	}
	if !errors.Is(err, boom) {
		t.Error("UserLogicError must unwrap to the user error")
	}
	if len(stream.calls) != 0 || len(durable.calls) != 0 {
		t.Errorf("expected zero dispatch calls, got stream=%d durable=%d", len(stream.calls), len(durable.calls))
	}
}

func TestProcess_OutputPredicateFailure_NoDispatch(t *testing.T) {
	stream := &mockStream{}
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "ok", Stream: "s-1"},
			{Name: "bad", Predicate: transform.PredicateFunc(func(context.Context, event.Event, event.ProcessingContext) (bool, error) {
				return false, errors.New("no such field")
			}), Stream: "s-2"},
		},
		Stream: stream,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))
	if Phase(err) != PhaseOutputFilter {
		t.Fatalf("expected output-filter failure, got %v", err)
	}
	if len(stream.calls) != 0 {
		t.Errorf("expected zero dispatch calls, got %d", len(stream.calls))
	}
}

// --- Scenarios ---

func TestScenario_PassThroughAndRejectAll(t *testing.T) {
	streamA := &mockStream{}
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "A", Stream: "stream-a"},
			{Name: "B", Predicate: transform.None, Stream: "stream-b"},
		},
		Stream: streamA,
	})

	if err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "x"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(streamA.calls) != 1 {
		t.Fatalf("expected exactly one sink call, got %d", len(streamA.calls))
	}
	call := streamA.calls[0]
	if call.stream != "stream-a" || len(call.events) != 1 || call.events[0]["id"] != "x" {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestScenario_MalformedPayload(t *testing.T) {
	predicateCalled := false
	stream := &mockStream{}
	p := newProcessor(t, Config{
		Input: Input{Predicate: transform.PredicateFunc(func(context.Context, event.Event, event.ProcessingContext) (bool, error) {
			predicateCalled = true
			return true, nil
		})},
		Outputs: []Output{{Name: "a", Stream: "s"}},
		Stream:  stream,
	})

	b := makeBatch(t, map[string]any{"id": "1"})
	b.Records = append(b.Records, batch.Record{Data: []byte(base64.StdEncoding.EncodeToString([]byte("not json")))})

	err := p.Process(context.Background(), b)
	var de *batch.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %T: %v", err, err)
	}
	if de.Index != 1 {
		t.Errorf("expected failing index 1, got %d", de.Index)
	}
	if predicateCalled || len(stream.calls) != 0 {
		t.Error("no filtering or dispatch may happen after a decode failure")
	}
}

func TestScenario_StreamNonSuccess(t *testing.T) {
	order := []string{}
	bad := &sink.Response{StatusCode: 500, RecordCount: 1, FailedRecordCount: 1, Message: "throttled"}
	stream := &mockStream{responses: map[string]*sink.Response{"stream-a": bad}, log: &order}
	durable := &mockDurable{log: &order}
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "A", Stream: "stream-a", DurableSink: "archive-a"},
			{Name: "B", Stream: "stream-b", DurableSink: "archive-b"},
		},
		Stream:  stream,
		Durable: durable,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))

	var se *StreamDispatchError
	if !errors.As(err, &se) {
		t.Fatalf("expected StreamDispatchError, got %T: %v", err, err)
	}
	if se.Pipeline != 0 || se.Name != "A" || se.Stream != "stream-a" {
		t.Errorf("unexpected error details: %+v", se)
	}
	if se.Response != bad {
		t.Errorf("error must carry pipeline A's response, got %v", se.Response)
	}
	if !errors.Is(err, ErrNonSuccess) {
		t.Error("expected ErrNonSuccess cause")
	}

	want := []string{"stream:stream-a", "durable:archive-a"}
	if len(order) != len(want) {
		t.Fatalf("unexpected calls %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, order[i], want[i])
		}
	}
}

// --- Dispatch rules ---

func TestDispatch_BothFail_StreamErrorWins(t *testing.T) {
	stream := &mockStream{err: errors.New("broker down")}
	durable := &mockDurable{errs: map[string]error{"arch": errors.New("disk full")}}
	p := newProcessor(t, Config{
		Outputs: []Output{{Name: "A", Stream: "s", DurableSink: "arch"}},
		Stream:  stream,
		Durable: durable,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))
	if Phase(err) != PhaseStreamDispatch {
		t.Fatalf("expected stream dispatch error, got %v", err)
	}
	if len(durable.calls) != 1 {
		t.Errorf("durable sink must still be attempted, got %d calls", len(durable.calls))
	}
}

func TestDispatch_DurableFailure(t *testing.T) {
	stream := &mockStream{}
	durable := &mockDurable{responses: map[string]*sink.Response{"arch": {StatusCode: 503}}}
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "A", Stream: "s", DurableSink: "arch"},
			{Name: "B", Stream: "s-b"},
		},
		Stream:  stream,
		Durable: durable,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))
	var de *DurableDispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DurableDispatchError, got %T: %v", err, err)
	}
	if de.Channel != "arch" || de.Response.StatusCode != 503 {
		t.Errorf("unexpected error details: %+v", de)
	}
	if len(stream.calls) != 1 {
		t.Errorf("pipeline B must not be dispatched, got %d stream calls", len(stream.calls))
	}
}

func TestDispatch_TransportErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	p := newProcessor(t, Config{
		Outputs: []Output{{Name: "A", Stream: "s"}},
		Stream:  &mockStream{err: cause},
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))
	if !errors.Is(err, cause) {
		t.Errorf("expected transport error in chain, got %v", err)
	}
	if errors.Is(err, ErrNonSuccess) {
		t.Error("transport errors are not non-success responses")
	}
}

func TestDispatch_PartitionKey(t *testing.T) {
	stream := &mockStream{}
	p := newProcessor(t, Config{
		Outputs: []Output{
			{Name: "by-user", Stream: "s", PartitionKey: "$.user"},
			{Name: "literal", Stream: "s2", PartitionKey: "fixed"},
		},
		Stream: stream,
	})

	if err := p.Process(context.Background(), makeBatch(t, map[string]any{"user": "u1"}, map[string]any{"user": "u2"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k := stream.calls[0].keys; k[0] != "u1" || k[1] != "u2" {
		t.Errorf("unexpected keys %v", k)
	}
	if k := stream.calls[1].keys; k[0] != "fixed" || k[1] != "fixed" {
		t.Errorf("unexpected keys %v", k)
	}
}

// --- Input side ---

func TestInput_RawTapReceivesUnfilteredEvents(t *testing.T) {
	order := []string{}
	durable := &mockDurable{log: &order}
	stream := &mockStream{log: &order}
	p := newProcessor(t, Config{
		Input: Input{
			Predicate:   matchField("keep", true),
			Transform:   setField("mapped", true),
			DurableSink: "raw",
		},
		Outputs: []Output{{Name: "A", Stream: "s"}},
		Stream:  stream,
		Durable: durable,
	})

	err := p.Process(context.Background(), makeBatch(t,
		map[string]any{"id": "1", "keep": true},
		map[string]any{"id": "2", "keep": false},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "durable:raw" || order[1] != "stream:s" {
		t.Fatalf("unexpected call order %v", order)
	}
	raw := durable.calls[0].events
	if len(raw) != 2 {
		t.Fatalf("tap must see every decoded event, got %d", len(raw))
	}
	if _, ok := raw[0]["mapped"]; ok {
		t.Error("tap must see events before the input transform")
	}
	out := stream.calls[0].events
	if len(out) != 1 || out[0]["id"] != "1" || out[0]["mapped"] != true {
		t.Errorf("unexpected output events %v", out)
	}
}

func TestInput_RawTapFailureAborts(t *testing.T) {
	stream := &mockStream{}
	durable := &mockDurable{errs: map[string]error{"raw": errors.New("unavailable")}}
	p := newProcessor(t, Config{
		Input:   Input{DurableSink: "raw"},
		Outputs: []Output{{Name: "A", Stream: "s"}},
		Stream:  stream,
		Durable: durable,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))
	var de *DurableDispatchError
	if !errors.As(err, &de) || de.Pipeline != InputPipeline {
		t.Fatalf("expected input DurableDispatchError, got %v", err)
	}
	if len(stream.calls) != 0 {
		t.Error("outputs must not be dispatched after a failed tap")
	}
}

func TestInput_FilterAndMapFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		input Input
		phase string
	}{
		{"filter", Input{Predicate: transform.PredicateFunc(func(context.Context, event.Event, event.ProcessingContext) (bool, error) {
			return false, boom
		})}, PhaseInputFilter},
		{"map", Input{Transform: failingTransform(boom)}, PhaseInputMap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := &mockStream{}
			p := newProcessor(t, Config{Input: tt.input, Outputs: []Output{{Name: "A", Stream: "s"}}, Stream: stream})

			err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"}))
			var ule *UserLogicError
			if !errors.As(err, &ule) {
				t.Fatalf("expected UserLogicError, got %v", err)
			}
			if ule.Phase != tt.phase || ule.Pipeline != InputPipeline {
				t.Errorf("unexpected error details: %+v", ule)
			}
			if !errors.Is(err, boom) {
				t.Error("expected user error in chain")
			}
			if len(stream.calls) != 0 {
				t.Error("no dispatch expected")
			}
		})
	}
}

func TestInput_ProcessingContext(t *testing.T) {
	var got event.ProcessingContext
	p := newProcessor(t, Config{
		Environment: "prod",
		Layer:       "enrich",
		Stage:       "live",
		Input: Input{Predicate: transform.PredicateFunc(func(_ context.Context, _ event.Event, pc event.ProcessingContext) (bool, error) {
			got = pc
			return false, nil
		})},
	})

	if err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := event.ProcessingContext{Environment: "prod", Layer: "enrich", Stage: "live", ShardID: "shardId-000000000001"}
	if got != want {
		t.Errorf("processing context = %+v, want %+v", got, want)
	}
}

func TestProcess_EmptyBatch(t *testing.T) {
	stream := &mockStream{}
	durable := &mockDurable{}
	p := newProcessor(t, Config{
		Input:   Input{DurableSink: "raw"},
		Outputs: []Output{{Name: "A", Stream: "s"}},
		Stream:  stream,
		Durable: durable,
	})

	if err := p.Process(context.Background(), batch.Batch{ShardID: "s"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stream.calls) != 0 || len(durable.calls) != 0 {
		t.Error("empty batches make no sink calls")
	}
}

func TestProcess_CustomDeserializer(t *testing.T) {
	stream := &mockStream{}
	p := newProcessor(t, Config{Outputs: []Output{{Name: "A", Stream: "s"}}, Stream: stream},
		WithDeserializer(func(data []byte) (event.Event, error) {
			return event.Event{"line": string(data)}, nil
		}))

	b := batch.Batch{Encoding: batch.EncodingRaw, Records: []batch.Record{{Data: []byte("hello")}}}
	if err := p.Process(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream.calls[0].events[0]["line"] != "hello" {
		t.Errorf("unexpected event %v", stream.calls[0].events[0])
	}
}

// --- Construction, metrics, lifecycle ---

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"stream without sink", Config{Outputs: []Output{{Name: "a", Stream: "s"}}}},
		{"durable without sink", Config{Outputs: []Output{{Name: "a", DurableSink: "d"}}}},
		{"input tap without sink", Config{Input: Input{DurableSink: "raw"}}},
		{"duplicate names", Config{Outputs: []Output{{Name: "a"}, {Name: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_DefaultOutputNames(t *testing.T) {
	p := newProcessor(t, Config{Outputs: []Output{{}, {}}})
	if p.outputs[0].Name != "output-0" || p.outputs[1].Name != "output-1" {
		t.Errorf("unexpected names %q %q", p.outputs[0].Name, p.outputs[1].Name)
	}
}

func TestProcess_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	stream := &mockStream{responses: map[string]*sink.Response{"bad": {StatusCode: 500}}}
	good := newProcessor(t, Config{Outputs: []Output{{Name: "A", Stream: "s"}}, Stream: stream}, WithMetrics(m))
	bad := newProcessor(t, Config{Outputs: []Output{{Name: "A", Stream: "bad"}}, Stream: stream}, WithMetrics(m))

	b := makeBatch(t, map[string]any{"id": "1"}, map[string]any{"id": "2"})
	_ = good.Process(context.Background(), b)
	_ = bad.Process(context.Background(), b)

	read := func(c prometheus.Counter) float64 {
		var pb dto.Metric
		if err := c.Write(&pb); err != nil {
			t.Fatalf("write: %v", err)
		}
		return pb.GetCounter().GetValue()
	}
	if v := read(m.BatchesTotal.WithLabelValues("test-flow", "success")); v != 1 {
		t.Errorf("success batches = %v", v)
	}
	if v := read(m.BatchesTotal.WithLabelValues("test-flow", "error")); v != 1 {
		t.Errorf("error batches = %v", v)
	}
	if v := read(m.EventsTotal.WithLabelValues("test-flow", "A", observability.StageOut)); v != 2 {
		t.Errorf("out events = %v", v)
	}
	if v := read(m.DispatchErrors.WithLabelValues("test-flow", "stream")); v != 1 {
		t.Errorf("dispatch errors = %v", v)
	}
}

func TestPhase(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&batch.DecodeError{Err: errors.New("x")}, PhaseDecode},
		{&UserLogicError{Phase: PhaseInputMap}, PhaseInputMap},
		{&StreamDispatchError{}, PhaseStreamDispatch},
		{&DurableDispatchError{}, PhaseDurableDispatch},
		{&StateCommitError{Err: errors.New("x")}, PhaseStateCommit},
		{errors.New("other"), PhaseUnknown},
	}
	for _, tt := range tests {
		if got := Phase(tt.err); got != tt.want {
			t.Errorf("Phase(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// --- Shard state ---

func TestProcess_DedupStateSurvivesFailedDispatch(t *testing.T) {
	store := state.NewMemoryStore()
	seen, err := dedup.New(store, "$.id")
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	stream := &mockStream{responses: map[string]*sink.Response{
		"out": {StatusCode: 500, RecordCount: 1, FailedRecordCount: 1},
	}}
	p := newProcessor(t, Config{
		Input:   Input{Predicate: seen},
		Outputs: []Output{{Name: "out", Stream: "out"}},
		Stream:  stream,
	})
	b := makeBatch(t, map[string]any{"id": "x"})

	if err := p.Process(context.Background(), b); !errors.As(err, new(*StreamDispatchError)) {
		t.Fatalf("expected stream dispatch failure, got %v", err)
	}

	delete(stream.responses, "out")
	if err := p.Process(context.Background(), b); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(stream.calls) != 2 || len(stream.calls[1].events) != 1 {
		t.Fatalf("retried batch must be re-sent, got %d calls", len(stream.calls))
	}

	// Once the batch succeeded, the id is recorded and a redelivery is dropped.
	if err := p.Process(context.Background(), b); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(stream.calls) != 2 {
		t.Errorf("redelivered duplicate must not be dispatched, got %d calls", len(stream.calls))
	}
}

type readOnlyStore struct {
	*state.MemoryStore
}

func (readOnlyStore) Set(context.Context, string, []byte) error { return errors.New("read-only") }

func TestProcess_StateCommitFailure(t *testing.T) {
	seen, _ := dedup.New(readOnlyStore{state.NewMemoryStore()}, "$.id")
	stream := &mockStream{}
	p := newProcessor(t, Config{
		Input:   Input{Predicate: seen},
		Outputs: []Output{{Name: "out", Stream: "out"}},
		Stream:  stream,
	})

	err := p.Process(context.Background(), makeBatch(t, map[string]any{"id": "x"}))
	if Phase(err) != PhaseStateCommit {
		t.Fatalf("expected state commit failure, got %v", err)
	}
	if len(stream.calls) != 1 {
		t.Errorf("dispatch happens before the commit, got %d calls", len(stream.calls))
	}
}
