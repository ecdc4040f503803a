package inference

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Fields is the raw, unvalidated-by-meaning output of the model. Dates are kept
// as strings and the notice period as whatever JSON value the model produced;
// interpretation belongs to the normalizer.
type Fields struct {
	VendorName       *string             `json:"vendor_name"`
	StartDate        *string             `json:"start_date"`
	EndDate          *string             `json:"end_date"`
	RenewalDate      *string             `json:"renewal_date"`
	RenewalTerm      *string             `json:"renewal_term"`
	TermLength       *string             `json:"term_length"`
	NoticePeriodDays any                 `json:"notice_period_days"`
	Confidence       *float64            `json:"confidence"`
	Notes            *string             `json:"extraction_notes"`
	UncertainFields  []string            `json:"uncertain_fields"`
	CandidateDates   map[string][]string `json:"candidate_dates"`
}

func nullable(t string, extra map[string]any) map[string]any {
	m := map[string]any{"type": []string{t, "null"}}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// BuildSchema returns the JSON-Schema (draft 2020-12 subset) the model reply must satisfy.
// Extra keys are tolerated so a chatty model does not fail an otherwise good reply.
func BuildSchema() map[string]any {
	props := map[string]any{
		"vendor_name":        nullable("string", nil),
		"start_date":         nullable("string", nil),
		"end_date":           nullable("string", nil),
		"renewal_date":       nullable("string", nil),
		"renewal_term":       nullable("string", nil),
		"term_length":        nullable("string", nil),
		"notice_period_days": map[string]any{"type": []string{"integer", "number", "string", "null"}},
		"confidence":         nullable("number", map[string]any{"minimum": 0.0, "maximum": 1.0}),
		"extraction_notes":   nullable("string", nil),
		"uncertain_fields": map[string]any{
			"type":  []string{"array", "null"},
			"items": map[string]any{"type": "string"},
		},
		"candidate_dates": map[string]any{
			"type": []string{"object", "null"},
			"additionalProperties": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}
	required := []string{
		"vendor_name", "start_date", "end_date", "renewal_date",
		"renewal_term", "notice_period_days", "confidence", "extraction_notes",
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var compiledSchema = mustCompile(BuildSchema())

func mustCompile(schemaMap map[string]any) *jsonschema.Schema {
	s, err := compileSchema(schemaMap)
	if err != nil {
		panic(err)
	}
	return s
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("schema.json")
}

// ParseFields validates a model reply against the schema and decodes it.
func ParseFields(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Fields{}, fmt.Errorf("reply is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return Fields{}, fmt.Errorf("json does not match schema: %w", err)
	}

	var out Fields
	dec = json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return Fields{}, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}
