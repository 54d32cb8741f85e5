// Package dedup provides a predicate that drops events already seen on the
// same shard.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/jsonpath"
	"github.com/lsm/relay/internal/state"
)

// Predicate keeps the first event carrying a given id per shard and rejects
// repeats. The id is read from Field; events without it are kept.
type Predicate struct {
	store state.Store
	field string
}

// New creates a dedup predicate reading ids from field (e.g. "$.id").
func New(store state.Store, field string) (*Predicate, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if field == "" {
		return nil, fmt.Errorf("field is required")
	}
	return &Predicate{store: store, field: field}, nil
}

// Match records the event id and reports whether it was new. When ctx
// carries a state.Pending, the id is buffered there and only persisted once
// the invocation commits; otherwise it is written through.
func (p *Predicate) Match(ctx context.Context, ev event.Event, pc event.ProcessingContext) (bool, error) {
	id, ok := jsonpath.Lookup(ev, p.field)
	if !ok {
		return true, nil
	}

	key := pc.StateKey("dedup", id)
	pending := state.PendingFrom(ctx)
	if pending != nil {
		if _, seen := pending.Get(p.store, key); seen {
			return false, nil
		}
	}

	_, err := p.store.Get(ctx, key)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, state.ErrNotFound):
		return false, fmt.Errorf("dedup lookup: %w", err)
	}

	seen := []byte(time.Now().UTC().Format(time.RFC3339))
	if pending != nil {
		pending.Set(p.store, key, seen)
		return true, nil
	}
	if err := p.store.Set(ctx, key, seen); err != nil {
		return false, fmt.Errorf("dedup record: %w", err)
	}
	return true, nil
}
