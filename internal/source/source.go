// Package source defines how batches reach a flow.
package source

import (
	"context"

	"github.com/lsm/relay/internal/batch"
)

// Handler processes one batch. A nil return acknowledges the batch.
type Handler func(ctx context.Context, b batch.Batch) error

// Source consumes batches from an external system.
type Source interface {
	// Start begins consuming batches. Blocks until ctx is cancelled.
	// Batches are delivered to the handler one at a time.
	Start(ctx context.Context, handler Handler) error

	// Close performs graceful shutdown.
	Close() error
}
