package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/sink"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Now()
	b := New(cfg)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	b.Record(false)
	b.Record(false)
	b.Record(true) // resets the streak
	b.Record(false)
	b.Record(false)
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}

	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 5 * time.Second})
	b.Record(false)

	*now = now.Add(6 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call to be allowed, got %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("only one trial call may be in flight")
	}

	b.Record(true)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected second trial call, got %v", err)
	}
	b.Record(true)
	if b.State() != Closed {
		t.Fatalf("expected closed after %d successes, got %s", 2, b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 5 * time.Second})
	b.Record(false)

	*now = now.Add(6 * time.Second)
	_ = b.Allow()
	b.Record(false)

	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("reset timeout should restart from the failed trial call")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.FailureThreshold != 5 || cfg.SuccessThreshold != 1 || cfg.ResetTimeout != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", HalfOpen: "half-open", Open: "open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d: expected %q, got %q", s, want, s.String())
		}
	}
}

type stubDurable struct {
	resp   *sink.Response
	err    error
	calls  int
	closed bool
}

func (s *stubDurable) PutRecordBatch(context.Context, string, []event.Event) (*sink.Response, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubDurable) Close() error { s.closed = true; return nil }

type stubStream struct {
	resp  *sink.Response
	calls int
}

func (s *stubStream) PutRecords(context.Context, string, []event.Event, sink.PartitionKeyFunc) (*sink.Response, error) {
	s.calls++
	return s.resp, nil
}

func (s *stubStream) Close() error { return nil }

func TestDurable_NonSuccessCountsAsFailure(t *testing.T) {
	next := &stubDurable{resp: &sink.Response{StatusCode: 503, RecordCount: 1, FailedRecordCount: 1}}
	d := NewDurable(next, Config{FailureThreshold: 2, ResetTimeout: time.Hour})
	ctx := context.Background()
	events := []event.Event{{"id": "a"}}

	for i := 0; i < 2; i++ {
		resp, err := d.PutRecordBatch(ctx, "archive", events)
		if err != nil || resp.StatusCode != 503 {
			t.Fatalf("call %d: expected the sink response, got %v %v", i, resp, err)
		}
	}

	if _, err := d.PutRecordBatch(ctx, "archive", events); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if next.calls != 2 {
		t.Errorf("open circuit must not reach the sink, got %d calls", next.calls)
	}
	if d.Breaker().State() != Open {
		t.Errorf("expected open, got %s", d.Breaker().State())
	}

	_ = d.Close()
	if !next.closed {
		t.Error("Close should reach the wrapped sink")
	}
}

func TestDurable_TransportErrorCountsAsFailure(t *testing.T) {
	next := &stubDurable{err: errors.New("connection refused")}
	d := NewDurable(next, Config{FailureThreshold: 1, ResetTimeout: time.Hour})

	if _, err := d.PutRecordBatch(context.Background(), "archive", nil); err == nil {
		t.Fatal("expected transport error")
	}
	if d.Breaker().State() != Open {
		t.Errorf("expected open, got %s", d.Breaker().State())
	}
}

func TestStream_SuccessKeepsClosed(t *testing.T) {
	next := &stubStream{resp: &sink.Response{StatusCode: sink.StatusOK, RecordCount: 1}}
	s := NewStream(next, Config{FailureThreshold: 1})

	for i := 0; i < 3; i++ {
		if _, err := s.PutRecords(context.Background(), "clicks", []event.Event{{}}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if next.calls != 3 || s.Breaker().State() != Closed {
		t.Errorf("expected 3 calls on a closed circuit, got %d (%s)", next.calls, s.Breaker().State())
	}
}
