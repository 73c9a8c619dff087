package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// Definition is the provider-facing description of a registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Registry holds the registered executors. Schemas are resolved once at
// registration so a malformed schema fails at startup, not mid-batch.
type Registry struct {
	executors map[string]Executor
	schemas   map[string]*jsonschema.Resolved
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		schemas:   make(map[string]*jsonschema.Resolved),
	}
}

func (r *Registry) Register(exec Executor) error {
	name := exec.Name()
	if _, ok := r.executors[name]; ok {
		return fmt.Errorf("duplicate tool: %s", name)
	}

	var schema *jsonschema.Schema
	if err := json.Unmarshal(exec.Schema(), &schema); err != nil {
		return fmt.Errorf("tool %s: parse schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}

	r.executors[name] = exec
	r.schemas[name] = resolved
	return nil
}

// Lookup returns the executor for name. The error text is user-facing.
func (r *Registry) Lookup(name string) (Executor, error) {
	exec, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", name)
	}
	return exec, nil
}

// ValidateArgs checks args against the tool's declared schema. The error
// text is user-facing.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	resolved, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("Unknown tool: %s", name)
	}

	instance := any(map[string]any{})
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("Bad args: %v", err)
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("Bad args: %v", err)
	}
	return nil
}

// Definitions lists all registered tools, sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.executors))
	for _, exec := range r.executors {
		defs = append(defs, Definition{
			Name:        exec.Name(),
			Description: exec.Description(),
			Schema:      exec.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Empty() bool { return len(r.executors) == 0 }
