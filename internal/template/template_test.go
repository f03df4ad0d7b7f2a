package template

import "testing"

func TestRenderBasic(t *testing.T) {
	s := NewScope()
	s.Set("greeting", "Hi")
	s.Set("nodename", "alpha")

	got, errs := Render("{{greeting}} {{nodename}}", s)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got != "Hi alpha" {
		t.Fatalf("got %q, want %q", got, "Hi alpha")
	}
}

func TestRenderInnerWins(t *testing.T) {
	outer := NewScope()
	outer.Set("user", "root")
	inner := outer.Child()
	inner.Set("user", "alice")

	got, errs := Render("{{user}}", inner)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got != "alice" {
		t.Fatalf("got %q, want alice", got)
	}
}

func TestRenderUndefinedCollected(t *testing.T) {
	s := NewScope()
	got, errs := Render("{{missing}} trailing", s)
	if len(errs) != 1 {
		t.Fatalf("want 1 error, got %d: %v", len(errs), errs)
	}
	if got != " trailing" {
		t.Fatalf("got %q, want empty substitution", got)
	}
}

func TestRenderCollectsMultipleUndefined(t *testing.T) {
	s := NewScope()
	_, errs := Render("{{a}} {{b}} {{c}}", s)
	if len(errs) != 3 {
		t.Fatalf("want 3 errors, got %d", len(errs))
	}
}

func TestExportIgnoresEmpty(t *testing.T) {
	s := NewScope()
	s.Export("x", "")
	if _, ok := s.Lookup("x"); ok {
		t.Fatal("expected empty export to be ignored")
	}
	s.Export("y", "v")
	if v, ok := s.Lookup("y"); !ok || v != "v" {
		t.Fatalf("expected y=v, got %q ok=%v", v, ok)
	}
}

func TestHasTags(t *testing.T) {
	if HasTags("plain text") {
		t.Fatal("plain text should not have tags")
	}
	if !HasTags("{{x}}") {
		t.Fatal("expected tags to be detected")
	}
}
