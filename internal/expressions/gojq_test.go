package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{
					"items": []any{map[string]any{"id": "x"}, map[string]any{"id": "y"}},
				},
			},
		},
	}

	out, err := e.Evaluate(context.Background(), ".steps.fetch.output.items[0].id", data)
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	out, err = e.Evaluate(context.Background(), "steps.fetch.output.items | length", data)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Evaluate(context.Background(), ".steps.fetch.output.items[].id", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	out, err = e.Evaluate(context.Background(), ".steps.missing", data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".a[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMapping))

	_, err = e.Evaluate(context.Background(), `.a | error("boom")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMapping))

	out, err := e.Evaluate(context.Background(), "$ENV.HOME", nil)
	require.NoError(t, err)
	assert.Nil(t, out, "environment is not exposed")
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, ".variables.x", NormalizePath("variables.x"))
	assert.Equal(t, ".steps.a.output.items[0]", NormalizePath("steps.a.output.items[0]"))
	assert.Equal(t, ".x", NormalizePath(" .x "))
	assert.Equal(t, ".", NormalizePath("."))
	assert.Equal(t, "$__loc__", NormalizePath("$__loc__"))
}
