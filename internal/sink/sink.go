// Package sink defines the downstream destinations a processor dispatches
// to: ordered streams and durable delivery channels.
package sink

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/jsonpath"
)

// StatusOK is the only status a sink call may report as success.
const StatusOK = 200

// Response is the raw outcome of a sink call, kept for diagnostics.
type Response struct {
	StatusCode        int    `json:"statusCode"`
	RecordCount       int    `json:"recordCount"`
	FailedRecordCount int    `json:"failedRecordCount,omitempty"`
	Message           string `json:"message,omitempty"`
}

// OK reports whether the call succeeded.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode == StatusOK
}

func (r *Response) String() string {
	if r == nil {
		return "<no response>"
	}
	return fmt.Sprintf("status=%d records=%d failed=%d message=%q",
		r.StatusCode, r.RecordCount, r.FailedRecordCount, r.Message)
}

// PartitionKeyFunc picks the partition key of an event.
type PartitionKeyFunc func(ev event.Event) string

// StreamSink appends batches of events to named low-latency streams.
type StreamSink interface {
	// PutRecords sends events to stream in order. A nil key selects a
	// random partition key per event.
	PutRecords(ctx context.Context, stream string, events []event.Event, key PartitionKeyFunc) (*Response, error)
	Close() error
}

// DurableSink delivers batches of events to named bulk-persistence channels.
type DurableSink interface {
	PutRecordBatch(ctx context.Context, channel string, events []event.Event) (*Response, error)
	Close() error
}

// KeySelector builds a PartitionKeyFunc from a selector expression. "$."
// paths are resolved against each event, other values are used literally,
// and an empty selector (or an unresolvable path) yields a random key.
func KeySelector(selector string) PartitionKeyFunc {
	if selector == "" {
		return RandomKey
	}
	if !jsonpath.IsPath(selector) {
		return func(event.Event) string { return selector }
	}
	return func(ev event.Event) string {
		if key, ok := jsonpath.Lookup(ev, selector); ok && key != "" {
			return key
		}
		return RandomKey(ev)
	}
}

// RandomKey returns a fresh UUID.
func RandomKey(event.Event) string {
	return uuid.NewString()
}
