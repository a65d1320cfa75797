package requestid

import (
	"encoding/hex"
	"testing"
)

func TestNewShape(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		t.Fatalf("New()=%q is not hex: %v", id, err)
	}
	if len(raw) != 16 {
		t.Fatalf("New() decodes to %d bytes, want 16", len(raw))
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("New() err=%v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("New() repeated id %q", id)
		}
		seen[id] = struct{}{}
	}
}
