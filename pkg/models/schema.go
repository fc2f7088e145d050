package models

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema is the JSON Schema a workflow definition document must
// satisfy before graph invariants are checked.
const definitionSchema = `{
	"type": "object",
	"required": ["id", "name", "nodes", "edges"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 3},
		"description": {"type": "string"},
		"version": {"type": "integer"},
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"enum": ["start", "end", "form", "condition", "action", "wait", "approval"]},
					"name": {"type": "string"},
					"config": {"type": "object"},
					"position_x": {"type": "integer"},
					"position_y": {"type": "integer"}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "from", "to"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"label": {"type": "string"},
					"conditions": {"type": "array"},
					"condition_op": {"enum": ["and", "or"]}
				}
			}
		},
		"variables": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"enum": ["string", "number", "boolean", "date", "array"]},
					"default": {}
				}
			}
		},
		"config": {
			"type": "object",
			"properties": {
				"error_handling": {"enum": ["stop", "continue", "rollback"]}
			}
		}
	}
}`

// ValidateDefinitionDocument checks a raw definition document against the
// JSON Schema. Graph invariants still need WorkflowDefinition.Validate.
func ValidateDefinitionDocument(document []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(definitionSchema)
	documentLoader := gojsonschema.NewBytesLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return NewValidationError("definition", err.Error())
	}

	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}

	return NewValidationError("definition", fmt.Sprintf("schema violations: %s", strings.Join(messages, "; ")))
}
