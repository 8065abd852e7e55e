// schema.go synthesizes a JSON Schema from a webhook entry's field specs
// and validates incoming payloads against it.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// maxProperties caps payload width regardless of the field specs.
const maxProperties = 20

// defaultMaxLength applies to string fields without an explicit limit.
const defaultMaxLength = 500

// buildSchema compiles the validation schema for one webhook entry.
func buildSchema(w *schedule.Webhook) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(w.Fields))
	var required []string

	for name, spec := range w.Fields {
		prop := map[string]any{}
		switch spec.Type {
		case "", "string":
			prop["type"] = "string"
			maxLen := spec.MaxLength
			if maxLen <= 0 {
				maxLen = defaultMaxLength
			}
			prop["maxLength"] = maxLen
		case "number", "integer", "boolean":
			prop["type"] = spec.Type
		default:
			return nil, fmt.Errorf("field %s: unsupported type %q", name, spec.Type)
		}
		if len(spec.Enum) > 0 {
			enum := make([]any, len(spec.Enum))
			for i, v := range spec.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
		"maxProperties":        maxProperties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("webhook.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validatePayload decodes and validates a request body. The returned map
// holds the decoded fields on success.
func validatePayload(w *schedule.Webhook, body []byte) (map[string]any, error) {
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	if len(obj) > maxProperties {
		return nil, fmt.Errorf("too many properties: %d > %d", len(obj), maxProperties)
	}

	sch, err := buildSchema(w)
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(decoded); err != nil {
		return nil, fmt.Errorf("payload rejected: %w", err)
	}
	return obj, nil
}
