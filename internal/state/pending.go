package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Pending buffers the state writes of one invocation. Reads see the
// buffered values first; nothing reaches a Store until Commit, so a batch
// that fails and is retried observes the state it saw the first time.
type Pending struct {
	mu     sync.Mutex
	writes []write
	index  map[pendingKey]int
}

type write struct {
	store Store
	key   string
	value []byte
}

// Stores are compared by identity, so implementations must be comparable
// (pointer types in practice).
type pendingKey struct {
	store Store
	key   string
}

type pendingCtxKey struct{}

// WithPending returns a context carrying a fresh Pending.
func WithPending(ctx context.Context) (context.Context, *Pending) {
	p := &Pending{index: make(map[pendingKey]int)}
	return context.WithValue(ctx, pendingCtxKey{}, p), p
}

// PendingFrom returns the Pending carried by ctx, or nil.
func PendingFrom(ctx context.Context) *Pending {
	p, _ := ctx.Value(pendingCtxKey{}).(*Pending)
	return p
}

// Get returns the buffered value of key in store.
func (p *Pending) Get(store Store, key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[pendingKey{store, key}]
	if !ok {
		return nil, false
	}
	return p.writes[i].value, true
}

// Set buffers a write of key to store. A later Set of the same key wins.
func (p *Pending) Set(store Store, key string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pendingKey{store, key}
	if i, ok := p.index[k]; ok {
		p.writes[i].value = value
		return
	}
	p.index[k] = len(p.writes)
	p.writes = append(p.writes, write{store: store, key: key, value: value})
}

// Len returns the number of buffered writes.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

// Commit writes every buffered value in insertion order and clears the
// buffer. All writes are attempted; failures are joined.
func (p *Pending) Commit(ctx context.Context) error {
	p.mu.Lock()
	writes := p.writes
	p.writes = nil
	p.index = make(map[pendingKey]int)
	p.mu.Unlock()

	var errs []error
	for _, w := range writes {
		if err := w.store.Set(ctx, w.key, w.value); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", w.key, err))
		}
	}
	return errors.Join(errs...)
}
