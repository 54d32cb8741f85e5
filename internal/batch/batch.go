// Package batch holds the per-invocation record batch and the codec that
// turns its encoded records into events.
package batch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lsm/relay/internal/event"
)

// Encoding names the transport encoding applied to record payloads.
type Encoding string

const (
	// EncodingBase64 is used by Kinesis-style envelopes.
	EncodingBase64 Encoding = "base64"
	// EncodingRaw means payload bytes are used as-is (Kafka record values).
	EncodingRaw Encoding = "raw"
)

// Record is one encoded entry of a batch.
type Record struct {
	Data           []byte
	PartitionKey   string
	SequenceNumber string
}

// Batch is the set of records delivered to one invocation.
type Batch struct {
	ShardID      string
	Encoding     Encoding
	Records      []Record
	InvocationID string
}

// Deserializer turns a transport-decoded payload into an event.
type Deserializer func([]byte) (event.Event, error)

// DecodeError reports a record that could not be decoded. The whole batch
// fails with it.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// JSON is the default deserializer. Payloads must be JSON objects.
func JSON(data []byte) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return ev, nil
}

// Codec decodes batches.
type Codec struct {
	deserialize Deserializer
}

// NewCodec creates a codec. A nil deserializer selects JSON.
func NewCodec(fn Deserializer) *Codec {
	if fn == nil {
		fn = JSON
	}
	return &Codec{deserialize: fn}
}

// Decode returns the batch's events in record order together with its shard
// id. Either every record decodes or none are returned.
func (c *Codec) Decode(b Batch) ([]event.Event, string, error) {
	events := make([]event.Event, 0, len(b.Records))
	for i, rec := range b.Records {
		payload, err := transportDecode(b.Encoding, rec.Data)
		if err != nil {
			return nil, "", &DecodeError{Index: i, Err: err}
		}
		ev, err := c.deserialize(payload)
		if err != nil {
			return nil, "", &DecodeError{Index: i, Err: err}
		}
		events = append(events, ev)
	}
	return events, b.ShardID, nil
}

func transportDecode(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return data, nil
	case EncodingBase64, "":
		// Encoders may wrap lines; the std decoder ignores \r and \n.
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(out, bytes.TrimSpace(data))
		if err != nil {
			return nil, fmt.Errorf("base64: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}
