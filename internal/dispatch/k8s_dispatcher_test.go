package dispatch

import (
	"strings"
	"testing"

	"github.com/veriflow-labs/veriflow-go/internal/platform/k8s"
)

func TestJobNameFor(t *testing.T) {
	req := Request{
		RunID:      "Run_42",
		StepIndex:  10,
		CallbackID: "9f1c2d3e-aaaa-bbbb-cccc-000000000000",
	}
	name := jobNameFor(req)
	if name != "veriflow-run-42-10-9f1c2d3e" {
		t.Fatalf("jobNameFor=%q", name)
	}
	if len(name) > 63 {
		t.Fatalf("job name too long: %d", len(name))
	}

	req.RunID = strings.Repeat("x", 80)
	if got := jobNameFor(req); len(got) > 63 {
		t.Fatalf("long run id must truncate, got %d chars", len(got))
	}
}

func TestApplyResourceHints(t *testing.T) {
	c := k8s.Container{Name: "validator"}
	applyResourceHints(&c, map[string]any{
		"cpu":            "500m",
		"memory":         "2Gi",
		"nvidia.com/gpu": "1",
		"ignored":        42,
	})
	if c.Resources.Requests["cpu"] != "500m" || c.Resources.Requests["memory"] != "2Gi" {
		t.Fatalf("requests=%v", c.Resources.Requests)
	}
	if c.Resources.Limits["nvidia.com/gpu"] != "1" {
		t.Fatalf("limits=%v", c.Resources.Limits)
	}
	if _, ok := c.Resources.Limits["ignored"]; ok {
		t.Fatalf("non-string hints must be ignored")
	}
}
