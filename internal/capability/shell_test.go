package capability

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func callShell(t *testing.T, input map[string]any) (map[string]any, error) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell.exec tests need a POSIX shell")
	}
	return ShellExec(ShellConfig{}).Execute(context.Background(), input, CallContext{})
}

func TestShellExec_Echo(t *testing.T) {
	out, err := callShell(t, map[string]any{"command": "echo", "args": []any{"hello", "world"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out["stdout"])
	assert.Equal(t, 0, out["exit_code"])
}

func TestShellExec_JSONStdout(t *testing.T) {
	out, err := callShell(t, map[string]any{"command": `printf '{"n": 3}'`, "shell": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(3)}, out["stdout"])
	assert.Equal(t, `{"n": 3}`, out["stdout_raw"])
}

func TestShellExec_EnvStdinCwd(t *testing.T) {
	dir := t.TempDir()
	out, err := callShell(t, map[string]any{
		"command": `read line; echo "$GREETING $line $(pwd)"`,
		"shell":   true,
		"env":     map[string]any{"GREETING": "hi"},
		"stdin":   "there\n",
		"cwd":     dir,
	})
	require.NoError(t, err)
	assert.Contains(t, out["stdout"], "hi there")
	assert.Contains(t, out["stdout"], dir)
}

func TestShellExec_NonZeroExit(t *testing.T) {
	_, err := callShell(t, map[string]any{"command": "echo broken >&2; exit 3", "shell": true})
	var se *schema.StepExecutionError
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Retryable)
	assert.Contains(t, se.Message, "status 3")
	assert.Contains(t, se.Message, "broken")

	out, err := callShell(t, map[string]any{"command": "exit 3", "shell": true, "allow_failure": true})
	require.NoError(t, err)
	assert.Equal(t, 3, out["exit_code"])
}

func TestShellExec_Timeout(t *testing.T) {
	_, err := callShell(t, map[string]any{"command": "sleep", "args": []any{"5"}, "timeout": "50ms"})
	var se *schema.StepExecutionError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Retryable)
}

func TestShellExec_InvalidInput(t *testing.T) {
	var se *schema.StepExecutionError

	_, err := callShell(t, map[string]any{})
	require.True(t, errors.As(err, &se))

	_, err = callShell(t, map[string]any{"command": "definitely-not-a-real-binary-xyz"})
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Retryable)
}

func TestLimitedWriter(t *testing.T) {
	var sink strings.Builder
	lw := &limitedWriter{w: &sink, limit: 5}
	n, err := lw.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "hello", sink.String())
}
