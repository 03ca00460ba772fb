package validation

import "github.com/rendis/taskflow/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// registered, and run variables against a definition's input schema.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// CapabilityLookup reports whether a capability is registered.
// Satisfied by *capability.Registry.
type CapabilityLookup interface {
	Has(name string) bool
}
