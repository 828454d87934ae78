package vaultsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator holds compiled JSON schemas keyed by entity type. Entity
// types without a registered schema pass validation unchanged, so validation
// is strictly opt-in per vault deployment.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
}

// RegisterSchema compiles schemaJSON and binds it to entityType, replacing
// any previous binding.
func (v *PayloadValidator) RegisterSchema(entityType, schemaJSON string) error {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", entityType, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := entityType + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", entityType, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", entityType, err)
	}
	v.mu.Lock()
	v.schemas[entityType] = schema
	v.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for entityType, if
// any. A nil validator accepts everything.
func (v *PayloadValidator) Validate(entityType string, payload json.RawMessage) error {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	schema, ok := v.schemas[entityType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload required for %s", entityType)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return err
	}
	return nil
}
