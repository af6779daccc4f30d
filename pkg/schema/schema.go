// Package schema validates plugin configuration and flow documents
// against JSON Schemas before anything reaches the execution engine.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed flow_schema.json
var flowSchema string

// ValidationError aggregates the individual field problems found during a
// schema check.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s", strings.Join(e.Problems, "; "))
}

// ConfigSchema is a JSON Schema document carried as a string, typically a
// package-level constant next to the component it configures. The empty
// schema accepts anything.
type ConfigSchema string

// Validate checks doc against the schema. An empty schema is a no-op.
func (s ConfigSchema) Validate(doc interface{}) error {
	if s == "" {
		return nil
	}
	return Validate(string(s), doc)
}

// Validate checks doc against the given JSON Schema. A nil return means
// the document conforms.
func Validate(schemaJSON string, doc interface{}) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return verr
}

// ValidateRaw checks a raw JSON document against the given schema.
func ValidateRaw(schemaJSON string, doc json.RawMessage) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	docLoader := gojsonschema.NewBytesLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return verr
}

// ValidateFlowDocument checks the structural shape of a flow document.
// Semantic checks (jump targets, cycles, nesting depth) are done by the
// flow package after parsing.
func ValidateFlowDocument(doc json.RawMessage) error {
	return ValidateRaw(flowSchema, doc)
}
