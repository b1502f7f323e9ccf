package session

import "testing"

func TestRegistry_InsertAndGet(t *testing.T) {
	r := NewRegistry()
	s := &Session{}

	if err := r.Insert("CA1", s); err != nil {
		t.Fatalf("Expected insert to succeed, got %v", err)
	}

	got, ok := r.Get("CA1")
	if !ok || got != s {
		t.Error("Expected to get back the inserted session")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 active session, got %d", r.Len())
	}
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	first := &Session{}

	if err := r.Insert("CA1", first); err != nil {
		t.Fatalf("Expected first insert to succeed, got %v", err)
	}
	if err := r.Insert("CA1", &Session{}); err == nil {
		t.Error("Expected duplicate insert to be rejected")
	}

	got, _ := r.Get("CA1")
	if got != first {
		t.Error("Expected original session to remain registered")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Insert("CA1", &Session{})

	r.Remove("CA1")

	if _, ok := r.Get("CA1"); ok {
		t.Error("Expected session gone after remove")
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}

	// Removing a missing entry is a no-op.
	r.Remove("CA1")
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry()
	r.Insert("CA1", &Session{})
	r.Insert("CA2", &Session{})

	if got := len(r.All()); got != 2 {
		t.Errorf("Expected 2 sessions, got %d", got)
	}
}
