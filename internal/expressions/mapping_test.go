package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func TestMapper_BuildInput(t *testing.T) {
	m := NewMapper()
	scope := newScope(t)

	step := &schema.Step{
		ID:    "deploy",
		Input: map[string]any{"target": "cluster-a", "opts": map[string]any{"dry_run": false}},
		InputMapping: map[string]string{
			"artifact":    "steps.build.output.artifact",
			"opts.env":    ".variables.env",
			"lint_status": "steps.lint.status",
		},
	}

	input, err := m.BuildInput(context.Background(), step, scope)
	require.NoError(t, err)
	assert.Equal(t, "cluster-a", input["target"])
	assert.Equal(t, "app.tar", input["artifact"])
	assert.Equal(t, "failed", input["lint_status"])
	opts := input["opts"].(map[string]any)
	assert.Equal(t, false, opts["dry_run"])
	assert.Equal(t, "prod", opts["env"])

	assert.NotContains(t, step.Input, "artifact", "static input is not mutated")
}

func TestMapper_BuildInputError(t *testing.T) {
	m := NewMapper()
	step := &schema.Step{ID: "x", InputMapping: map[string]string{"a": ".variables | error(\"bad\")"}}

	_, err := m.BuildInput(context.Background(), step, newScope(t))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMapping))
}

func TestMapper_ApplyOutput(t *testing.T) {
	m := NewMapper()
	step := &schema.Step{
		ID: "fetch",
		OutputMapping: map[string]string{
			"first_id": "items[0].id",
			"count":    ".items | length",
			"whole":    ".",
		},
	}
	output := map[string]any{"items": []map[string]any{{"id": "a"}, {"id": "b"}}}

	bindings, err := m.ApplyOutput(context.Background(), step, output)
	require.NoError(t, err)
	assert.Equal(t, "a", bindings["first_id"])
	assert.Equal(t, 2, bindings["count"])
	assert.Contains(t, bindings["whole"], "items")

	none, err := m.ApplyOutput(context.Background(), &schema.Step{ID: "quiet"}, output)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMapper_Check(t *testing.T) {
	m := NewMapper()
	assert.NoError(t, m.Check(&schema.Step{ID: "a", InputMapping: map[string]string{"x": "variables.x"}}))

	err := m.Check(&schema.Step{ID: "b", OutputMapping: map[string]string{"x": ".items["}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step b")
}
