// Package cel implements predicates and transformers backed by CEL
// expressions. Expressions see the event as `event` and the processing
// context as `ctx` (environment, layer, stage, shard_id).
package cel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/lsm/relay/internal/event"
)

const (
	defaultTimeout         = 5 * time.Second
	interruptCheckInterval = 100
)

// Option configures a compiled expression.
type Option func(*program)

// WithTimeout sets the maximum evaluation time for a single event.
func WithTimeout(d time.Duration) Option {
	return func(p *program) {
		p.timeout = d
	}
}

type program struct {
	prg     cel.Program
	timeout time.Duration
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return env, nil
}

func compile(expression string, opts []Option) (*program, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(interruptCheckInterval))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	p := &program{prg: prg, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *program) eval(ctx context.Context, ev event.Event, pc event.ProcessingContext) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	activation := map[string]any{
		"event": map[string]any(ev),
		"ctx": map[string]string{
			"environment": pc.Environment,
			"layer":       pc.Layer,
			"stage":       pc.Stage,
			"shard_id":    pc.ShardID,
		},
	}

	out, _, err := p.prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, fmt.Errorf("cel eval: %w", err)
	}
	return toNative(out), nil
}

// Predicate selects events for which the expression evaluates to true.
type Predicate struct {
	program *program
}

// NewPredicate compiles a boolean CEL expression, e.g.
// `event.type == "click" && ctx.stage == "live"`.
func NewPredicate(expression string, opts ...Option) (*Predicate, error) {
	p, err := compile(expression, opts)
	if err != nil {
		return nil, err
	}
	return &Predicate{program: p}, nil
}

// Match evaluates the expression against ev.
func (p *Predicate) Match(ctx context.Context, ev event.Event, pc event.ProcessingContext) (bool, error) {
	out, err := p.program.eval(ctx, ev, pc)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter must evaluate to bool, got %T", out)
	}
	return b, nil
}

// Transformer replaces each event with the map the expression produces.
type Transformer struct {
	program *program
}

// NewTransformer compiles a CEL expression that yields a map, e.g.
// `{"id": event.id, "shard": ctx.shard_id}`.
func NewTransformer(expression string, opts ...Option) (*Transformer, error) {
	p, err := compile(expression, opts)
	if err != nil {
		return nil, err
	}
	return &Transformer{program: p}, nil
}

// Apply evaluates the expression and swaps the event's contents for the
// result.
func (t *Transformer) Apply(ctx context.Context, ev event.Event, pc event.ProcessingContext) error {
	out, err := t.program.eval(ctx, ev, pc)
	if err != nil {
		return err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("transform must evaluate to a map, got %T", out)
	}
	ev.Replace(m)
	return nil
}

// toNative recursively converts CEL ref.Val types to native Go types.
func toNative(val any) any {
	if _, ok := val.(types.Null); ok {
		return nil
	}

	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		list := []any{}
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	}
	if rv, ok := val.(interface{ Value() any }); ok {
		return rv.Value()
	}
	return val
}
