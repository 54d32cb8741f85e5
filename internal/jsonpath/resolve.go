// Package jsonpath resolves dot-notation paths ("$.user.id", "items.0.sku")
// against decoded JSON events.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix marks an expression as a path rather than a literal.
const Prefix = "$."

// IsPath reports whether expr is a "$."-prefixed path.
func IsPath(expr string) bool {
	return strings.HasPrefix(expr, Prefix)
}

// Resolve walks path through nested objects and arrays. The path may carry
// the "$." prefix. Numeric segments index into arrays.
func Resolve(data map[string]any, path string) (any, error) {
	path = strings.TrimPrefix(path, Prefix)
	if path == "" {
		return data, nil
	}

	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("path %q: field %q not found", path, part)
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("path %q: invalid index %q", path, part)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("path %q: cannot traverse into %T at %q", path, current, part)
		}
	}
	return current, nil
}

// Lookup resolves a path and formats the value as a string. ok is false when
// the path does not resolve or resolves to null.
func Lookup(data map[string]any, path string) (string, bool) {
	val, err := Resolve(data, path)
	if err != nil || val == nil {
		return "", false
	}
	if s, isStr := val.(string); isStr {
		return s, true
	}
	if f, isFloat := val.(float64); isFloat {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return fmt.Sprintf("%v", val), true
}

// ResolveString resolves "$." expressions and returns anything else as a
// literal. Unresolvable paths fall back to the raw expression.
func ResolveString(data map[string]any, expr string) string {
	if !IsPath(expr) {
		return expr
	}
	if s, ok := Lookup(data, expr); ok {
		return s
	}
	return expr
}

// ResolveValue resolves one entry of a mapping definition: "$." strings are
// paths, nested maps recurse, everything else is a literal.
func ResolveValue(input map[string]any, value any) (any, error) {
	switch v := value.(type) {
	case string:
		if IsPath(v) {
			return Resolve(input, v)
		}
		return v, nil
	case map[string]any:
		return ResolveMap(input, v)
	default:
		return v, nil
	}
}

// ResolveMap resolves all values in a mapping definition against input.
func ResolveMap(input map[string]any, mapping map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(mapping))
	for key, value := range mapping {
		resolved, err := ResolveValue(input, value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		result[key] = resolved
	}
	return result, nil
}
