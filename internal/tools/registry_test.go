package tools

import (
	"encoding/json"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(NewReadFile(ReadFileLimits{})); err != nil {
		t.Fatalf("Register read_file: %v", err)
	}
	if err := r.Register(NewRunShell()); err != nil {
		t.Fatalf("Register run_shell: %v", err)
	}
	return r
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	if err := r.Register(NewReadFile(ReadFileLimits{})); err == nil {
		t.Fatalf("Register accepted duplicate tool")
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	exec, err := r.Lookup("read_file")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if exec.Name() != "read_file" {
		t.Fatalf("Name = %q", exec.Name())
	}
	if _, err := r.Lookup("nope"); err == nil {
		t.Fatalf("Lookup accepted unknown tool")
	}
}

func TestRegistryValidateArgs(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	if err := r.ValidateArgs("read_file", json.RawMessage(`{"path":"a.txt"}`)); err != nil {
		t.Fatalf("ValidateArgs valid: %v", err)
	}
	if err := r.ValidateArgs("read_file", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("ValidateArgs accepted missing required field")
	}
	if err := r.ValidateArgs("read_file", json.RawMessage(`{"path":5}`)); err == nil {
		t.Fatalf("ValidateArgs accepted wrong type")
	}
	if err := r.ValidateArgs("nope", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("ValidateArgs accepted unknown tool")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len = %d, want 2", len(defs))
	}
	if defs[0].Name != "read_file" || defs[1].Name != "run_shell" {
		t.Fatalf("order = %q, %q", defs[0].Name, defs[1].Name)
	}
	if defs[0].Description == "" || len(defs[0].Schema) == 0 {
		t.Fatalf("definition incomplete: %+v", defs[0])
	}
}
