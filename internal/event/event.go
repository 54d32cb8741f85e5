// Package event defines the structured event and the per-invocation
// processing context handed to user predicates and transforms.
package event

import "strings"

// Event is a decoded record: a mapping from string keys to JSON-compatible
// values. Transforms may mutate it in place.
type Event map[string]any

// Clone returns a deep copy of the event. Nested objects and arrays are
// copied so that mutations on the clone never reach the original.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

// Replace swaps the contents of e for those of src, keeping the map identity.
func (e Event) Replace(src map[string]any) {
	clear(e)
	for k, v := range src {
		e[k] = v
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Event:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// CloneAll deep-copies every event in order.
func CloneAll(events []Event) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}

// ProcessingContext identifies the deployment and shard an invocation runs
// for. It is passed by value to all user logic.
type ProcessingContext struct {
	Environment string
	Layer       string
	Stage       string
	ShardID     string
}

// StateKey builds a key namespaced by environment, layer, stage and shard.
// User logic uses it to look up or persist auxiliary state.
func (pc ProcessingContext) StateKey(parts ...string) string {
	elems := append([]string{pc.Environment, pc.Layer, pc.Stage, pc.ShardID}, parts...)
	return strings.Join(elems, "/")
}

// Map exposes the context as a plain map, as seen by expression languages.
func (pc ProcessingContext) Map() map[string]any {
	return map[string]any{
		"environment": pc.Environment,
		"layer":       pc.Layer,
		"stage":       pc.Stage,
		"shard_id":    pc.ShardID,
	}
}
