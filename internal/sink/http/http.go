// Package http implements the durable sink over an HTTP bulk-ingest
// endpoint. Each batch is POSTed as newline-delimited JSON.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/tracing"
)

// ChannelPlaceholder is replaced by the channel name in Config.URL. When the
// URL has no placeholder the channel is appended as a path segment.
const ChannelPlaceholder = "{channel}"

// RetryConfig controls retry behavior for failed deliveries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config holds the configuration for an HTTP sink.
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retry   RetryConfig
	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Sink delivers event batches to an HTTP endpoint.
type Sink struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewSink creates a new HTTP sink.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if _, err := url.Parse(strings.ReplaceAll(cfg.URL, ChannelPlaceholder, "x")); err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}

	s := &Sink{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("http-sink"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetLogger sets the logger for the sink.
func (s *Sink) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// PutRecordBatch sends events to the channel's endpoint. Any 2xx answer is
// reported as sink.StatusOK; other statuses are returned in the response
// once retries are exhausted. Transport failures are returned as errors.
func (s *Sink) PutRecordBatch(ctx context.Context, channel string, events []event.Event) (*sink.Response, error) {
	start := time.Now()
	target := s.channelURL(channel)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanHTTPDeliver,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(target),
			tracing.EventCountAttr(len(events)),
		),
	)
	defer span.End()

	body, err := encodeNDJSON(events)
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}

	var (
		resp    *sink.Response
		lastErr error
	)
	for attempt := 0; attempt < s.config.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt)
			select {
			case <-ctx.Done():
				tracing.SetSpanError(span, ctx.Err())
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, lastErr = s.doRequest(ctx, target, body, len(events))
		if lastErr == nil && resp.OK() {
			span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))
			tracing.SetSpanOK(span)
			s.logger.Info("events delivered",
				"target", target,
				"records", len(events),
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return resp, nil
		}
		if lastErr == nil && isPermanent(resp.StatusCode) {
			break
		}
	}

	if lastErr != nil {
		tracing.SetSpanError(span, lastErr)
		s.logger.Error("delivery failed",
			"target", target,
			"attempts", s.config.Retry.MaxAttempts,
			"error", lastErr,
		)
		return nil, fmt.Errorf("deliver to %s: %w", target, lastErr)
	}

	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))
	tracing.SetSpanError(span, &StatusError{Code: resp.StatusCode})
	s.logger.Error("delivery rejected",
		"target", target,
		"status", resp.StatusCode,
		"message", resp.Message,
	)
	return resp, nil
}

// Close releases resources held by the sink.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Sink) channelURL(channel string) string {
	escaped := url.PathEscape(channel)
	if strings.Contains(s.config.URL, ChannelPlaceholder) {
		return strings.ReplaceAll(s.config.URL, ChannelPlaceholder, escaped)
	}
	return strings.TrimRight(s.config.URL, "/") + "/" + escaped
}

func (s *Sink) doRequest(ctx context.Context, target string, body []byte, count int) (*sink.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	resp := &sink.Response{
		StatusCode:  res.StatusCode,
		RecordCount: count,
		Message:     strings.TrimSpace(string(msg)),
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		resp.StatusCode = sink.StatusOK
		return resp, nil
	}
	resp.FailedRecordCount = count
	return resp, nil
}

func (s *Sink) backoff(attempt int) time.Duration {
	base := float64(s.config.Retry.InitialInterval) * math.Pow(2, float64(attempt-1))
	if base > float64(s.config.Retry.MaxInterval) {
		base = float64(s.config.Retry.MaxInterval)
	}
	// ±20% jitter
	jitter := base * 0.2 * (2*rand.Float64() - 1)
	return time.Duration(base + jitter)
}

func encodeNDJSON(events []event.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("marshal event %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// isPermanent returns true for client errors (4xx) except 429 Too Many Requests.
func isPermanent(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
