package objectstore

import "testing"

func TestRunScopedKeys(t *testing.T) {
	if got := InputKey("run-1", "10", "payload.json"); got != "runs/run-1/input/10/payload.json" {
		t.Fatalf("InputKey=%q", got)
	}
	if got := OutputPrefix("run-1", "10"); got != "runs/run-1/output/10/" {
		t.Fatalf("OutputPrefix=%q", got)
	}
}
