package validation

import (
	"encoding/json"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (capabilities, references, triggers, expressions)
// 3. DAG (cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	caps       CapabilityLookup
	guard      *expressions.Guard
	mapper     *expressions.Mapper
}

// NewWorkflowValidator creates a WorkflowValidator.
// caps may be nil to skip capability existence checks.
func NewWorkflowValidator(caps CapabilityLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	guard, err := expressions.NewGuard()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		caps:       caps,
		guard:      guard,
		mapper:     expressions.NewMapper(),
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result, _ := wv.validate(def)
	return result
}

func (wv *WorkflowValidator) validate(def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r, nil
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result, nil
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, wv.caps, wv.guard, wv.mapper))
	result.Merge(wv.validateInputSchema(def))

	// Stage 3: DAG (skip if semantic errors, the graph may be invalid).
	var cycle error
	if result.Valid() {
		dagResult, err := validateDAG(def)
		result.Merge(dagResult)
		cycle = err
	}

	return result, cycle
}

// ValidateDefinition satisfies the Validator interface. A dependency cycle
// is returned as the engine's DEPENDENCY_CYCLE error naming the steps
// involved; any other rejection is the result's error, reported under
// SCHEDULING_ERROR or VALIDATION_ERROR with every issue in its details.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	result, cycle := wv.validate(def)
	if cycle != nil {
		return cycle
	}
	return result.ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateVariables checks run variables against def's input schema, if any.
func (wv *WorkflowValidator) ValidateVariables(def *schema.WorkflowDefinition, vars map[string]any) error {
	if def == nil || len(def.InputSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return wv.jsonSchema.ValidateInput(vars, raw)
}

// validateInputSchema checks that a declared input schema compiles.
func (wv *WorkflowValidator) validateInputSchema(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.InputSchema) == 0 {
		return result
	}
	raw, err := json.Marshal(def.InputSchema)
	if err == nil {
		_, err = wv.jsonSchema.getOrCompile(raw)
	}
	if err != nil {
		result.AddError("input_schema", schema.ErrCodeValidation, "input schema does not compile: "+err.Error())
	}
	return result
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	te, ok := err.(*schema.TaskflowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if te.Details != nil {
		if violations, ok := te.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, te.Message)
	return result
}
