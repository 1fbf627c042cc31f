package idgen

import (
	"strings"
	"testing"
)

func TestNewActionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewActionID()
		if err != nil {
			t.Fatalf("NewActionID: %v", err)
		}
		if !strings.HasPrefix(id, ActionPrefix) {
			t.Fatalf("expected prefix %q, got %q", ActionPrefix, id)
		}
		if len(id) != len(ActionPrefix)+length {
			t.Fatalf("unexpected length for %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	if !strings.HasPrefix(a, "req-") || a == b {
		t.Fatalf("unexpected request ids %q %q", a, b)
	}
}
