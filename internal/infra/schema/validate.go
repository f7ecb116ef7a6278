package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compile compiles an inline schema document identified by id.
func Compile(id string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	if id == "" {
		id = "schema"
	}
	url := "inmemory://" + id
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks value against schema. An empty schema accepts everything.
func Validate(id string, schema map[string]any, value any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := Compile(id, schema)
	if err != nil {
		return err
	}
	payload, err := normalize(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalize round-trips through JSON so Go-typed values match the decoder's
// representation (float64 numbers, []any arrays).
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
