package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// modelOutput is the document the model is asked to produce.
type modelOutput struct {
	Events     []modelEvent `json:"events"`
	Confidence float64      `json:"confidence"`
}

type modelEvent struct {
	Summary     string  `json:"summary"`
	Location    *string `json:"location"`
	Description *string `json:"description"`
	Timezone    *string `json:"timezone"`
	URL         *string `json:"url"`
	StartDate   string  `json:"startDate"`
	StartTime   *string `json:"startTime"`
	EndDate     *string `json:"endDate"`
	EndTime     *string `json:"endTime"`
}

// buildOutputSchema returns the JSON Schema for modelOutput as a generic map.
func buildOutputSchema() map[string]any {
	optString := func(pattern string) map[string]any {
		p := map[string]any{"type": []string{"string", "null"}}
		if pattern != "" {
			p["pattern"] = pattern
		}
		return p
	}
	event := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary":     map[string]any{"type": "string", "minLength": 1},
			"location":    optString(""),
			"description": optString(""),
			"timezone":    optString(""),
			"url":         optString(""),
			"startDate":   map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
			"startTime":   optString(`^(\d{2}:\d{2})?$`),
			"endDate":     optString(`^(\d{4}-\d{2}-\d{2})?$`),
			"endTime":     optString(`^(\d{2}:\d{2})?$`),
		},
		"required": []string{"summary", "startDate"},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"events":     map[string]any{"type": "array", "minItems": 1, "items": event},
			"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
		},
		"required": []string{"events", "confidence"},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func outputSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(buildOutputSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("events.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("events.json")
	})
	return compiledSchema, schemaErr
}

// parseOutput strips code fences, validates the document against the schema and
// decodes it.
func parseOutput(raw string) (modelOutput, error) {
	body := stripCodeFences(raw)
	if body == "" {
		return modelOutput{}, fmt.Errorf("model returned empty output")
	}
	schema, err := outputSchema()
	if err != nil {
		return modelOutput{}, err
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return modelOutput{}, fmt.Errorf("model output is not JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return modelOutput{}, fmt.Errorf("model output does not match schema: %w", err)
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return modelOutput{}, fmt.Errorf("decode model output: %w", err)
	}
	return out, nil
}

// stripCodeFences removes a surrounding ``` or ```json fence if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
