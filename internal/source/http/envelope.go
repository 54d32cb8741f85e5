package http

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lsm/relay/internal/batch"
)

// Envelope is the Kinesis-style batch descriptor accepted by the source.
type Envelope struct {
	Records []EnvelopeRecord `json:"Records"`
}

// EnvelopeRecord is one entry of an Envelope.
type EnvelopeRecord struct {
	EventID string `json:"eventID"`
	Kinesis struct {
		Data           string `json:"data"`
		PartitionKey   string `json:"partitionKey"`
		SequenceNumber string `json:"sequenceNumber"`
	} `json:"kinesis"`
}

// ParseEnvelope builds a base64-encoded batch from an envelope body. The
// shard id is the prefix of the first record's eventID
// ("shardId-000000000000:4954...").
func ParseEnvelope(body []byte) (batch.Batch, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return batch.Batch{}, fmt.Errorf("parse envelope: %w", err)
	}

	b := batch.Batch{
		Encoding: batch.EncodingBase64,
		Records:  make([]batch.Record, 0, len(env.Records)),
	}
	if len(env.Records) > 0 {
		b.ShardID, _, _ = strings.Cut(env.Records[0].EventID, ":")
	}
	for _, r := range env.Records {
		b.Records = append(b.Records, batch.Record{
			Data:           []byte(r.Kinesis.Data),
			PartitionKey:   r.Kinesis.PartitionKey,
			SequenceNumber: r.Kinesis.SequenceNumber,
		})
	}
	return b, nil
}
