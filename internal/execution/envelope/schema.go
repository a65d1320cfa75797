package envelope

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const inputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["envelope_version", "run_correlation_id", "callback_id", "step_id", "signals", "storage_input_ref", "storage_output_ref", "deadline"],
  "properties": {
    "envelope_version": {"const": "veriflow.envelope.v1"},
    "run_correlation_id": {"type": "string", "minLength": 1},
    "callback_id": {"type": "string", "minLength": 1},
    "step_id": {"type": "string", "minLength": 1},
    "signals": {"type": "object"},
    "storage_input_ref": {"type": "string"},
    "storage_output_ref": {"type": "string"},
    "deadline": {"type": "string", "format": "date-time"}
  }
}`

const outputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["envelope_version", "callback_id", "status"],
  "properties": {
    "envelope_version": {"const": "veriflow.envelope.v1"},
    "callback_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["SUCCESS", "ERROR"]},
    "error_category": {"type": "string"},
    "output_signals": {"type": "object"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "message"],
        "properties": {
          "severity": {"enum": ["ERROR", "WARNING", "INFO", "error", "warning", "info"]},
          "message": {"type": "string", "minLength": 1},
          "path": {"type": "string"}
        }
      }
    }
  }
}`

var (
	inputSchema  = mustCompileSchema("input.schema.json", inputSchemaJSON)
	outputSchema = mustCompileSchema("output.schema.json", outputSchemaJSON)
)

func mustCompileSchema(name, source string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://veriflow.schemas.local/envelope/%s", name)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		panic(fmt.Sprintf("envelope schema %s: %v", name, err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("envelope schema %s: %v", name, err))
	}
	return schema
}
