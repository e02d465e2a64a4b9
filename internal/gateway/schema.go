package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const turnRequestSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string", "minLength": 1}
	},
	"required": ["text"],
	"additionalProperties": false
}`

var errBodyTooLarge = errors.New("request body too large")

// bodyValidator checks request bodies against a compiled JSON Schema.
type bodyValidator struct {
	schema *jsonschema.Schema
}

func newBodyValidator(name, schemaJSON string) (*bodyValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &bodyValidator{schema: schema}, nil
}

// decode parses r and validates it. The returned document is the parsed JSON
// value as produced by jsonschema.UnmarshalJSON.
func (v *bodyValidator) decode(r io.Reader) (any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return doc, nil
}
