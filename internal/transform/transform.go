// Package transform defines the strategy interfaces used to select and
// reshape events, with function adapters for code-defined logic.
package transform

import (
	"context"

	"github.com/lsm/relay/internal/event"
)

// Predicate decides whether an event is selected.
type Predicate interface {
	// Match reports whether ev should be kept. An error aborts the
	// invocation.
	Match(ctx context.Context, ev event.Event, pc event.ProcessingContext) (bool, error)
}

// Transformer reshapes an event in place.
type Transformer interface {
	// Apply mutates ev. An error aborts the invocation.
	Apply(ctx context.Context, ev event.Event, pc event.ProcessingContext) error
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(ctx context.Context, ev event.Event, pc event.ProcessingContext) (bool, error)

// Match calls f.
func (f PredicateFunc) Match(ctx context.Context, ev event.Event, pc event.ProcessingContext) (bool, error) {
	return f(ctx, ev, pc)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, ev event.Event, pc event.ProcessingContext) error

// Apply calls f.
func (f TransformFunc) Apply(ctx context.Context, ev event.Event, pc event.ProcessingContext) error {
	return f(ctx, ev, pc)
}

// All selects every event.
var All Predicate = PredicateFunc(func(context.Context, event.Event, event.ProcessingContext) (bool, error) {
	return true, nil
})

// None rejects every event.
var None Predicate = PredicateFunc(func(context.Context, event.Event, event.ProcessingContext) (bool, error) {
	return false, nil
})

// Identity leaves events unchanged.
var Identity Transformer = TransformFunc(func(context.Context, event.Event, event.ProcessingContext) error {
	return nil
})

// Chain applies transformers in order, stopping at the first error.
type Chain []Transformer

// Apply runs every transformer of the chain.
func (c Chain) Apply(ctx context.Context, ev event.Event, pc event.ProcessingContext) error {
	for _, t := range c {
		if err := t.Apply(ctx, ev, pc); err != nil {
			return err
		}
	}
	return nil
}

// And selects events matched by every predicate. Evaluation stops at the
// first rejection.
type And []Predicate

// Match evaluates the predicates in order.
func (a And) Match(ctx context.Context, ev event.Event, pc event.ProcessingContext) (bool, error) {
	for _, p := range a {
		ok, err := p.Match(ctx, ev, pc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
