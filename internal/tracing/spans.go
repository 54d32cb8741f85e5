// Package tracing wires OpenTelemetry spans around batch processing and
// sink calls.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrFlowName     = "relay.flow.name"
	AttrInvocationID = "relay.invocation_id"
	AttrShardID      = "relay.shard_id"
	AttrBatchSize    = "relay.batch.size"
	AttrPipeline     = "relay.pipeline"
	AttrSinkName     = "relay.sink.name"
	AttrEventCount   = "relay.event.count"
	AttrKafkaTopic   = "messaging.kafka.topic"
	AttrHTTPTarget   = "http.target"
	AttrHTTPStatus   = "http.status_code"
)

// Span names.
const (
	SpanProcessBatch  = "relay.batch.process"
	SpanDispatch      = "relay.dispatch"
	SpanKafkaConsume  = "kafka.consume"
	SpanKafkaProduce  = "kafka.produce"
	SpanHTTPDeliver   = "http.deliver"
	SpanPebbleDeliver = "pebble.deliver"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func FlowAttr(name string) attribute.KeyValue {
	return attribute.String(AttrFlowName, name)
}

func InvocationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrInvocationID, id)
}

func ShardAttr(id string) attribute.KeyValue {
	return attribute.String(AttrShardID, id)
}

func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

func PipelineAttr(name string) attribute.KeyValue {
	return attribute.String(AttrPipeline, name)
}

func SinkAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSinkName, name)
}

func EventCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrEventCount, n)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}
