package bundle

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// manifestSchemaDoc is the JSON Schema for manifest.json.
const manifestSchemaDoc = `{
 "$schema": "http://json-schema.org/draft-07/schema#",
 "type": "object",
 "required": ["version", "createdAt", "files"],
 "properties": {
 "version": {"type": "string"},
 "createdAt": {"type": "string"},
 "description": {"type": "string"},
 "metadata": {"type": "object"},
 "files": {
 "type": "object",
 "required": ["env", "clock", "network", "fsDiff", "logs", "prompts", "intents"],
 "properties": {
 "env": {"type": "string", "minLength": 1},
 "clock": {"type": "string", "minLength": 1},
 "network": {"type": "string", "minLength": 1},
 "fsDiff": {"type": "string", "minLength": 1},
 "logs": {"type": "string", "minLength": 1},
 "prompts": {"type": "string", "minLength": 1},
 "intents": {"type": "string", "minLength": 1}
 }
 },
 "hashes": {
 "type": "object",
 "additionalProperties": {"type": "string"}
 }
 }
}`

const manifestSchemaURL = "mem://manifest-schema.json"

var (
	manifestSchema *jsonschema.Schema
	manifestSchemaOnce sync.Once
	manifestSchemaErr error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(manifestSchemaURL, bytes.NewReader([]byte(manifestSchemaDoc))); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = compiler.Compile(manifestSchemaURL)
	})
	return manifestSchema, manifestSchemaErr
}

// validateSchema validates raw manifest bytes (as a generic JSON document)
// against the manifest schema, surfacing SchemaViolation with the
// validator's detail string on failure.
func validateSchema(raw []byte) error {
	schema, err := compiledManifestSchema()
	if err != nil {
		return gateerr.Wrap(gateerr.CodeSchemaViolation, "compile manifest schema", err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return gateerr.Wrap(gateerr.CodeManifestMalformed, "decode manifest for schema check", err)
	}

	if err := schema.Validate(doc); err != nil {
		return gateerr.Wrap(gateerr.CodeSchemaViolation, "manifest failed schema validation", err)
	}
	return nil
}
