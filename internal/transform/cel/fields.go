package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lsm/relay/internal/event"
)

// Fields sets or overwrites individual event fields from CEL expressions,
// leaving the rest of the event untouched. All fields are compiled into a
// single program.
type Fields struct {
	program *program
}

// NewFields creates a Fields transformer from a map of field name to CEL
// expression, e.g. {"full_name": "event.first + ' ' + event.last"}.
func NewFields(fields map[string]string, opts ...Option) (*Fields, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("fields cannot be empty")
	}
	p, err := compile(buildObjectExpression(fields), opts)
	if err != nil {
		return nil, err
	}
	return &Fields{program: p}, nil
}

// Apply evaluates every field against the event as it was before the call
// and merges the results into ev.
func (f *Fields) Apply(ctx context.Context, ev event.Event, pc event.ProcessingContext) error {
	out, err := f.program.eval(ctx, ev, pc)
	if err != nil {
		return err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("fields must evaluate to a map, got %T", out)
	}
	for k, v := range m {
		ev[k] = v
	}
	return nil
}

// buildObjectExpression turns {"a": "event.x", "b": "42"} into
// {"a": event.x, "b": 42}.
func buildObjectExpression(fields map[string]string) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for key, expr := range fields {
		if !first {
			b.WriteByte(',')
		}
		first = false
		jsonKey, _ := json.Marshal(key)
		b.Write(jsonKey)
		b.WriteByte(':')
		b.WriteString(expr)
	}
	b.WriteByte('}')
	return b.String()
}
