// Package schema validates decoded events against a minimal JSON Schema
// (required fields and top-level property types).
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/event"
)

// Validator checks events against a parsed JSON Schema document.
type Validator struct {
	required   []string
	properties map[string]string
}

// NewValidator parses a JSON Schema string.
func NewValidator(schemaStr string) (*Validator, error) {
	var doc struct {
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(schemaStr), &doc); err != nil {
		return nil, fmt.Errorf("parse JSON schema: %w", err)
	}

	v := &Validator{
		required:   doc.Required,
		properties: make(map[string]string, len(doc.Properties)),
	}
	for name, prop := range doc.Properties {
		if prop.Type != "" {
			v.properties[name] = prop.Type
		}
	}
	return v, nil
}

// Validate checks required fields and declared property types.
func (v *Validator) Validate(ev event.Event) error {
	for _, field := range v.required {
		if _, ok := ev[field]; !ok {
			return fmt.Errorf("missing required field: %s", field)
		}
	}
	for key, val := range ev {
		expected, ok := v.properties[key]
		if !ok {
			continue
		}
		if err := checkType(expected, val); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

// Deserializer wraps next so that every decoded event is validated. A nil
// next selects batch.JSON.
func (v *Validator) Deserializer(next batch.Deserializer) batch.Deserializer {
	if next == nil {
		next = batch.JSON
	}
	return func(data []byte) (event.Event, error) {
		ev, err := next(data)
		if err != nil {
			return nil, err
		}
		if err := v.Validate(ev); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		return ev, nil
	}
}

func checkType(expected string, val any) error {
	switch expected {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case "number":
		if _, ok := val.(float64); !ok {
			return fmt.Errorf("expected number, got %T", val)
		}
	case "integer":
		f, ok := val.(float64)
		if !ok {
			return fmt.Errorf("expected integer, got %T", val)
		}
		if f != float64(int64(f)) {
			return fmt.Errorf("expected integer, got float")
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", val)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("expected array, got %T", val)
		}
	case "null":
		if val != nil {
			return fmt.Errorf("expected null, got %T", val)
		}
	}
	return nil
}
