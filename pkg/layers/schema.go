package layers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// layerSpecSchema is the boundary contract for caller-supplied layer specs.
// Validated before any store write so a malformed spec rejects the whole
// batch.
const layerSpecSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title"],
	"properties": {
		"index":       {"type": "integer", "minimum": 0},
		"title":       {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"wu_cost":     {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

var (
	specSchemaOnce sync.Once
	specSchema     *jsonschema.Schema
	specSchemaErr  error
)

func compiledSpecSchema() (*jsonschema.Schema, error) {
	specSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://keel.schemas.local/layer_spec.schema.json"
		if err := c.AddResource(url, strings.NewReader(layerSpecSchema)); err != nil {
			specSchemaErr = fmt.Errorf("layer spec schema load failed: %w", err)
			return
		}
		specSchema, specSchemaErr = c.Compile(url)
	})
	return specSchema, specSchemaErr
}

// ValidateSpec checks a single layer spec against the boundary schema.
func ValidateSpec(spec contracts.LayerSpec) error {
	schema, err := compiledSpecSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
