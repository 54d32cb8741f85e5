// Package http receives Kinesis-style batch envelopes over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/relay/internal/source"
)

// DefaultMaxBodyBytes bounds a request body.
const DefaultMaxBodyBytes = 6 << 20

// Config holds HTTP source configuration.
type Config struct {
	ListenAddr   string
	Path         string
	MaxBodyBytes int64
}

// Source receives batches via HTTP POST and dispatches them to the handler.
// It answers 200 when the handler accepts the batch and 500 otherwise, so
// callers retry failed batches.
type Source struct {
	server     *http.Server
	logger     *slog.Logger
	addr       string
	path       string
	maxBody    int64
	ListenAddr string
	ready      chan struct{}
}

type response struct {
	Status       string `json:"status"`
	InvocationID string `json:"invocationId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// NewSource creates a new HTTP source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("HTTP listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Source{
		addr:    cfg.ListenAddr,
		path:    path,
		maxBody: maxBody,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Start begins accepting HTTP requests and dispatching batches to the handler.
// Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.batchHandler(handler))

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()

	s.server = &http.Server{Handler: otelhttp.NewHandler(mux, "relay.http.source")}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http source starting", "addr", s.ListenAddr, "path", s.path)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Source) batchHandler(handler source.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Error: "method not allowed"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
		if err != nil {
			code := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				code = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, code, response{Status: "error", Error: "failed to read body: " + err.Error()})
			return
		}

		b, err := ParseEnvelope(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: err.Error()})
			return
		}
		b.InvocationID = r.Header.Get("X-Request-Id")
		if b.InvocationID == "" {
			b.InvocationID = uuid.NewString()
		}

		if err := handler(r.Context(), b); err != nil {
			s.logger.Error("handler error",
				"invocation_id", b.InvocationID,
				"shard_id", b.ShardID,
				"error", err,
			)
			writeJSON(w, http.StatusInternalServerError, response{Status: "error", InvocationID: b.InvocationID, Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, response{Status: "ok", InvocationID: b.InvocationID})
	})
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Close stops the HTTP server.
func (s *Source) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
