package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedResponse marks an upstream body whose shape does not match the
// contract. It is a distinct, testable failure rather than a decode panic.
var ErrMalformedResponse = errors.New("malformed upstream response")

const classifySchema = `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["label", "confidence"],
				"properties": {
					"label": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"image_path": {"type": ["string", "null"]}
				}
			}
		}
	}
}`

const qaSchema = `{
	"type": "object",
	"required": ["answer"],
	"properties": {
		"answer": {"type": "string"},
		"session_id": {"type": ["string", "null"]}
	}
}`

const plantsSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"additionalProperties": {"type": "string"}
	}
}`

var (
	classifyValidator = jsonschema.MustCompileString("classify.json", classifySchema)
	qaValidator       = jsonschema.MustCompileString("qa.json", qaSchema)
	plantsValidator   = jsonschema.MustCompileString("plants.json", plantsSchema)
)

// decodeValidated checks body against schema, then unmarshals it into out.
// Any schema or decode failure is reported as ErrMalformedResponse.
func decodeValidated(schema *jsonschema.Schema, body []byte, out any) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
