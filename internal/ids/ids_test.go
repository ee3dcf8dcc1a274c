package ids

import "testing"

func TestNewProducesUniqueTokens(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 32 {
			t.Fatalf("expected 32-char id, got %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewUUIDShape(t *testing.T) {
	id := NewUUID()
	if len(id) != 36 {
		t.Fatalf("expected canonical uuid, got %q", id)
	}
}
