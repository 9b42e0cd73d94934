// Package schemavalidation checks JSON documents against the embedded
// event and result schemas.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

// Embedded schema files.
const (
	EventSchema  = "schema/event-v1.schema.json"
	ResultSchema = "schema/result-v1.schema.json"
)

// Validator validates documents against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Validator{}
)

// Load returns the compiled validator for an embedded schema file.
// Compiled schemas are cached and safe for concurrent use.
func Load(name string) (*Validator, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if v, ok := cache[name]; ok {
		return v, nil
	}

	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	v := &Validator{name: name, schema: schema}
	cache[name] = v
	return v, nil
}

// Events returns the validator for normalized log events.
func Events() (*Validator, error) { return Load(EventSchema) }

// Results returns the validator for analysis results.
func Results() (*Validator, error) { return Load(ResultSchema) }

// Validate checks a decoded JSON value (maps, slices and primitives).
func (v *Validator) Validate(instance any) error {
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}
	return nil
}

// ValidateJSON decodes data and validates it.
func (v *Validator) ValidateJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode instance: %w", err)
	}
	return v.Validate(instance)
}

// ValidateValue marshals value to JSON and validates the encoding.
func (v *Validator) ValidateValue(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	return v.ValidateJSON(data)
}
