package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// JSONDocumentValidator checks well-formedness and, when the validator
// config carries a "schema" entry, validates the payload against that JSON
// Schema. Schema violations are findings, not execution errors.
type JSONDocumentValidator struct{}

func (v *JSONDocumentValidator) Kind() domain.ValidatorKind { return domain.ValidatorJSONDocument }

func (v *JSONDocumentValidator) Execute(_ context.Context, req Request) (Result, error) {
	var doc any
	if err := json.Unmarshal(req.Submission.Payload, &doc); err != nil {
		return Result{
			OutputSignals: map[string]any{"well_formed": false, "finding_count": 1.0},
			Findings: []domain.Finding{{
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("payload is not well-formed JSON: %v", err),
			}},
		}, nil
	}

	result := Result{OutputSignals: map[string]any{"well_formed": true}}

	schemaSource, ok := schemaFromConfig(req.Config)
	if ok {
		schema, err := compileConfigSchema(schemaSource)
		if err != nil {
			return Result{ErrorCategory: domain.ErrorCategoryValidationException},
				fmt.Errorf("compile configured schema: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			result.Findings = append(result.Findings, schemaFindings(err)...)
		}
		result.OutputSignals["schema_valid"] = len(result.Findings) == 0
	}

	result.OutputSignals["finding_count"] = float64(len(result.Findings))
	return result, nil
}

func schemaFromConfig(config domain.Metadata) (string, bool) {
	if config == nil {
		return "", false
	}
	switch v := config["schema"].(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	default:
		return "", false
	}
}

func compileConfigSchema(source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://veriflow.schemas.local/validators/document.schema.json"
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// schemaFindings flattens a validation error into one finding per leaf
// cause, keeping the instance location as the finding path.
func schemaFindings(err error) []domain.Finding {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []domain.Finding{{Severity: domain.SeverityError, Message: err.Error()}}
	}
	leaves := leafCauses(ve)
	out := make([]domain.Finding, 0, len(leaves))
	for _, leaf := range leaves {
		out = append(out, domain.Finding{
			Severity: domain.SeverityError,
			Message:  leaf.Message,
			Path:     leaf.InstanceLocation,
		})
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, leafCauses(cause)...)
	}
	return out
}
