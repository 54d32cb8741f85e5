// Package mapping reshapes events from a declarative field mapping.
package mapping

import (
	"context"
	"fmt"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/jsonpath"
)

// Transformer replaces each event with the result of a mapping definition.
// Values starting with "$." are resolved as paths against the event, nested
// maps produce nested objects and all other values are literals.
type Transformer struct {
	mapping map[string]any
}

// NewTransformer creates a mapping transformer. The mapping must not be empty.
func NewTransformer(mapping map[string]any) (*Transformer, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("mapping cannot be empty")
	}
	return &Transformer{mapping: mapping}, nil
}

// Apply resolves the mapping against ev and swaps its contents for the result.
func (t *Transformer) Apply(ctx context.Context, ev event.Event, _ event.ProcessingContext) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	result, err := jsonpath.ResolveMap(ev, t.mapping)
	if err != nil {
		return fmt.Errorf("mapping transform: %w", err)
	}

	// Two keys may resolve to the same nested value; copy so they stay
	// independent.
	ev.Replace(event.Event(result).Clone())
	return nil
}
