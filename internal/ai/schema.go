package ai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AnalysisJSONSchema is the response shape requested from providers and
// validated locally before a Result is accepted.
func AnalysisJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"summary": map[string]any{"type": "string", "minLength": 1},
			"recommendations": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
			"metadata": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"summary", "recommendations"},
	}
}

// ValidateJSONAgainstSchema validates data against schemaMap.
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// DecodeResult validates raw against AnalysisJSONSchema, retrying once on
// a sanitized copy, and decodes it.
func DecodeResult(raw []byte) (Result, []string, error) {
	schema := AnalysisJSONSchema()
	var dropped []string
	if err := ValidateJSONAgainstSchema(schema, raw); err != nil {
		cleaned, d, sErr := SanitizeAnalysis(raw)
		if sErr != nil {
			return Result{}, nil, fmt.Errorf("sanitize failed: %w", sErr)
		}
		if vErr := ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			return Result{}, nil, fmt.Errorf("schema validation failed: %w", vErr)
		}
		raw, dropped = cleaned, d
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return out, dropped, nil
}
