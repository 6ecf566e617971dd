package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const taskRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["email", "secret", "task", "round", "nonce", "brief", "evaluation_url"],
  "properties": {
    "email": {"type": "string", "pattern": ".+@.+"},
    "secret": {"type": "string", "minLength": 1},
    "task": {"type": "string", "minLength": 1},
    "round": {"type": "integer", "minimum": 1},
    "nonce": {"type": "string", "minLength": 1},
    "brief": {"type": "string", "minLength": 1},
    "checks": {
      "type": "array",
      "items": {"type": "string"}
    },
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "url": {"type": "string", "minLength": 1}
        }
      }
    },
    "evaluation_url": {"type": "string", "pattern": "^https?://"}
  }
}`

var taskRequestSchema = mustCompileTaskSchema()

func mustCompileTaskSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskRequestSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse task request schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task-request.json", doc); err != nil {
		panic(fmt.Sprintf("add task request schema: %v", err))
	}
	return compiler.MustCompile("task-request.json")
}

// validateTaskRequest checks the raw body against the request schema before
// any fields are trusted.
func validateTaskRequest(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON body")
	}
	if err := taskRequestSchema.Validate(inst); err != nil {
		return err
	}
	return nil
}
