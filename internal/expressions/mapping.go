package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/taskflow/pkg/schema"
)

// Mapper applies a step's declarative input and output mappings.
type Mapper struct {
	jq *GoJQEngine
}

// NewMapper creates a Mapper backed by a fresh jq engine.
func NewMapper() *Mapper {
	return &Mapper{jq: NewGoJQEngine()}
}

// Check compiles every mapping path of step.
func (m *Mapper) Check(step *schema.Step) error {
	for _, key := range sortedKeys(step.InputMapping) {
		if err := m.jq.Check(step.InputMapping[key]); err != nil {
			return schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(step.ID)
		}
	}
	for _, key := range sortedKeys(step.OutputMapping) {
		if err := m.jq.Check(step.OutputMapping[key]); err != nil {
			return schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(step.ID)
		}
	}
	return nil
}

// BuildInput returns the concrete capability input for step: a copy of its
// static input with every input mapping evaluated against scope. Dotted
// target keys create nested objects.
func (m *Mapper) BuildInput(ctx context.Context, step *schema.Step, scope map[string]any) (map[string]any, error) {
	input, err := NormalizeMap(step.Input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "step input is not JSON-compatible: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	for _, key := range sortedKeys(step.InputMapping) {
		path := step.InputMapping[key]
		v, err := m.jq.Evaluate(ctx, path, scope)
		if err != nil {
			return nil, schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(step.ID)
		}
		setPath(input, key, v)
	}
	return input, nil
}

// ApplyOutput evaluates every output mapping against the step's output and
// returns the variable bindings to merge into the run.
func (m *Mapper) ApplyOutput(ctx context.Context, step *schema.Step, output map[string]any) (map[string]any, error) {
	if len(step.OutputMapping) == 0 {
		return nil, nil
	}
	data, err := NormalizeMap(output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "step output is not JSON-compatible: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	bindings := make(map[string]any, len(step.OutputMapping))
	for _, name := range sortedKeys(step.OutputMapping) {
		v, err := m.jq.Evaluate(ctx, step.OutputMapping[name], data)
		if err != nil {
			return nil, schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(step.ID)
		}
		bindings[name] = v
	}
	return bindings, nil
}

func setPath(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
