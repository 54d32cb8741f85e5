// Package breaker guards sinks with a circuit breaker so that a failing
// target fails batches fast instead of holding them through every retry.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/sink"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned instead of calling the sink while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failed calls that opens
	// the circuit.
	FailureThreshold int `yaml:"failureThreshold"`
	// SuccessThreshold is the number of successful trial calls that closes it
	// again.
	SuccessThreshold int           `yaml:"successThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker is a three-state circuit breaker. While half-open a single trial call
// is let through at a time.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
	clock     func() time.Time
}

// New creates a breaker. Zero thresholds take defaults.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), clock: time.Now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.clock().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.state = HalfOpen
		b.successes = 0
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case Closed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		if !ok {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.clock()
	b.successes = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Durable guards a durable sink.
type Durable struct {
	next    sink.DurableSink
	breaker *Breaker
}

// NewDurable wraps next with a breaker built from cfg.
func NewDurable(next sink.DurableSink, cfg Config) *Durable {
	return &Durable{next: next, breaker: New(cfg)}
}

// PutRecordBatch forwards to the wrapped sink unless the circuit is open.
// Transport errors and non-success responses count as failures.
func (d *Durable) PutRecordBatch(ctx context.Context, channel string, events []event.Event) (*sink.Response, error) {
	if err := d.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := d.next.PutRecordBatch(ctx, channel, events)
	d.breaker.Record(err == nil && resp.OK())
	return resp, err
}

// Close closes the wrapped sink.
func (d *Durable) Close() error { return d.next.Close() }

// Breaker returns the breaker guarding the sink.
func (d *Durable) Breaker() *Breaker { return d.breaker }

// Stream guards a stream sink.
type Stream struct {
	next    sink.StreamSink
	breaker *Breaker
}

// NewStream wraps next with a breaker built from cfg.
func NewStream(next sink.StreamSink, cfg Config) *Stream {
	return &Stream{next: next, breaker: New(cfg)}
}

// PutRecords forwards to the wrapped sink unless the circuit is open.
func (s *Stream) PutRecords(ctx context.Context, stream string, events []event.Event, key sink.PartitionKeyFunc) (*sink.Response, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := s.next.PutRecords(ctx, stream, events, key)
	s.breaker.Record(err == nil && resp.OK())
	return resp, err
}

// Close closes the wrapped sink.
func (s *Stream) Close() error { return s.next.Close() }

// Breaker returns the breaker guarding the sink.
func (s *Stream) Breaker() *Breaker { return s.breaker }
