package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compileErr  error
	compiled    map[string]*jsonschema.Schema
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	names := []string{
		SchemaIncidentEvent,
		SchemaPacket,
		SchemaActionPlan,
		SchemaPRReviewEvent,
		SchemaPRFixPlan,
	}
	compiled = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			compileErr = fmt.Errorf("contracts: read schema %s: %w", name, err)
			return
		}
		url := "https://schemas.opsrunbook.dev/" + name + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			compileErr = fmt.Errorf("contracts: add schema %s: %w", name, err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			compileErr = fmt.Errorf("contracts: compile schema %s: %w", name, err)
			return
		}
		compiled[name] = s
	}
}

// ValidateAgainstSchema checks doc (a JSON document as bytes) against the
// embedded JSON Schema registered under schemaVersion. Used at wire
// boundaries, where struct-level Validate methods cannot see extra or
// mistyped fields.
func ValidateAgainstSchema(schemaVersion string, doc []byte) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	s, ok := compiled[schemaVersion]
	if !ok {
		return fmt.Errorf("contracts: no schema registered for %q", schemaVersion)
	}
	var decoded any
	if err := json.Unmarshal(doc, &decoded); err != nil {
		return fmt.Errorf("contracts: invalid JSON: %w", err)
	}
	if err := s.Validate(decoded); err != nil {
		return fmt.Errorf("contracts: %s validation failed: %w", schemaVersion, err)
	}
	return nil
}
