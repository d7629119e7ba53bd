package main

import "testing"

func TestResolveTaskIDFromArgs(t *testing.T) {
	id, err := resolveTaskID([]string{"42"})
	if err != nil {
		t.Fatalf("resolveTaskID() error = %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
}

func TestResolveTaskIDFromSessionEnv(t *testing.T) {
	t.Setenv(ambientTaskEnv, "7")

	id, err := resolveTaskID(nil)
	if err != nil {
		t.Fatalf("resolveTaskID() error = %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
}

func TestResolveTaskIDRejectsGarbage(t *testing.T) {
	t.Setenv(ambientTaskEnv, "")

	if _, err := resolveTaskID(nil); err == nil {
		t.Error("expected error with no id anywhere")
	}
	if _, err := resolveTaskID([]string{"zero"}); err == nil {
		t.Error("expected error for non-numeric id")
	}
	if _, err := resolveTaskID([]string{"-3"}); err == nil {
		t.Error("expected error for negative id")
	}
}
