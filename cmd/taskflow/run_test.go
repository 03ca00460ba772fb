package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TASKFLOW_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"env=prod", "replicas=3", "dry=true", `tags=["a"]`, "empty="})
	require.NoError(t, err)
	assert.Equal(t, "prod", vars["env"])
	assert.Equal(t, float64(3), vars["replicas"])
	assert.Equal(t, true, vars["dry"])
	assert.Equal(t, []any{"a"}, vars["tags"])
	assert.Equal(t, "", vars["empty"])

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseVars([]string{"=x"})
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.yaml", echoYAML)

	out, err := execute(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, schema.EventExecutionStarted)
	assert.Contains(t, out, `"status": "completed"`)
	assert.Contains(t, out, `"greeting": "hi"`)
}

func TestRunCommandFailure(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fail.yaml", `
name: fail
trigger: {kind: manual}
steps:
  - id: boom
    capability: fail
    input: {message: broken}
`)
	out, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, `"failed_step_id": "boom"`)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", echoYAML)
	bad := writeFile(t, dir, "bad.yaml", `
name: bad
trigger: {kind: manual}
steps:
  - id: a
    capability: teleport
`)

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ok"))

	out, err = execute(t, "validate", good, bad, filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3")
	assert.Contains(t, out, schema.ErrCodeCapabilityNotFound)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}
