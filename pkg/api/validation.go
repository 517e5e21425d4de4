package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// submitTaskSchema validates the POST /api/v1/tasks payload before it is
// decoded into SubmitTaskRequest.
const submitTaskSchema = `{
	"type": "object",
	"properties": {
		"type": {
			"type": "string",
			"minLength": 1
		},
		"name": {
			"type": "string",
			"minLength": 1
		},
		"priority": {
			"type": "string",
			"enum": ["low", "normal", "high", "urgent"]
		},
		"config": {
			"type": "object"
		}
	},
	"required": ["type", "name"],
	"additionalProperties": false
}`

// validateSubmitPayload checks the raw request body against the submission
// schema and reports every violation in one error.
func validateSubmitPayload(body []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(submitTaskSchema)
	documentLoader := gojsonschema.NewBytesLoader(body)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}
