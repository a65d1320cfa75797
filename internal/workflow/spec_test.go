package workflow

import (
	"strings"
	"testing"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

const validSpec = `
schema: veriflow.workflow.v1
slug: eui-compliance
validators:
  - slug: model-check
    kind: json_document
    signals:
      - slug: site_eui
        stage: input
        data_path: building.site_eui_kwh_m2
        type: number
        required: true
      - slug: target_eui
        stage: input
        data_path: building.target_eui_kwh_m2
        type: number
    default_assertions:
      - stage: input
        target: site_eui
        operator: gt
        parameters:
          value: 0
  - slug: annual-sim
    kind: energy_model
    config:
      engine: energyplus
    signals:
      - slug: annual_kwh
        stage: output
        type: number
        required: true
steps:
  - index: 0
    validator: model-check
    assertions:
      - stage: input
        expression: site_eui < target_eui
        blocking: false
  - index: 10
    validator: annual-sim
    deadline_seconds: 900
    assertions:
      - stage: output
        target: annual_kwh
        operator: lt
        parameters:
          value: 500000
`

func TestParseSpec(t *testing.T) {
	wf, err := ParseSpec([]byte(validSpec))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	if wf.Slug != "eui-compliance" {
		t.Fatalf("Slug=%q", wf.Slug)
	}
	if len(wf.Validators) != 2 || len(wf.Steps) != 2 {
		t.Fatalf("validators=%d steps=%d, want 2 and 2", len(wf.Validators), len(wf.Steps))
	}

	check, ok := wf.ValidatorBySlug("model-check")
	if !ok {
		t.Fatalf("validator model-check not found")
	}
	if check.Kind != domain.ValidatorJSONDocument || check.Kind.Dispatched() {
		t.Fatalf("Kind=%q Dispatched=%v", check.Kind, check.Kind.Dispatched())
	}
	if len(check.DefaultAssertions) != 1 || check.DefaultAssertions[0].Kind != domain.AssertionDefault {
		t.Fatalf("DefaultAssertions=%+v", check.DefaultAssertions)
	}
	if !check.DefaultAssertions[0].Blocking {
		t.Fatalf("omitted blocking must default to true")
	}

	sim, _ := wf.ValidatorBySlug("annual-sim")
	if !sim.Kind.Dispatched() {
		t.Fatalf("energy_model must dispatch externally")
	}

	step, ok := wf.StepByIndex(10)
	if !ok || step.DeadlineSeconds != 900 {
		t.Fatalf("step 10: %+v ok=%v", step, ok)
	}
	first, _ := wf.StepByIndex(0)
	if len(first.Assertions) != 1 || first.Assertions[0].Blocking {
		t.Fatalf("explicit blocking false must survive: %+v", first.Assertions)
	}
	if first.Assertions[0].Kind != domain.AssertionStep {
		t.Fatalf("step assertion kind=%q", first.Assertions[0].Kind)
	}
}

func TestParseSpecRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"wrong schema", func(s string) string {
			return strings.Replace(s, "veriflow.workflow.v1", "veriflow.workflow.v2", 1)
		}, "spec.schema"},
		{"unknown validator ref", func(s string) string {
			return strings.Replace(s, "validator: annual-sim", "validator: missing", 1)
		}, "unknown validator"},
		{"non-ascending index", func(s string) string {
			return strings.Replace(s, "index: 10", "index: 0", 1)
		}, "ascend"},
		{"unsupported kind", func(s string) string {
			return strings.Replace(s, "kind: energy_model", "kind: spreadsheet", 1)
		}, "unsupported kind"},
		{"operator without target", func(s string) string {
			return strings.Replace(s, "        target: annual_kwh\n", "", 1)
		}, "target"},
	}

	for _, tc := range tests {
		_, err := ParseSpec([]byte(tc.mutate(validSpec)))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%v, want substring %q", tc.name, err, tc.wantErr)
		}
	}
}
