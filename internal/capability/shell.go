package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024
	stderrTail           = 512
)

// ShellConfig configures the shell.exec capability.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// ShellExec returns the "shell.exec" capability.
//
// Input: command, args, env, cwd, stdin, timeout, shell (run through
// /bin/sh -c), allow_failure. A non-zero exit fails the step unless
// allow_failure is set; a timeout kill is retryable.
// Output: stdout (decoded when JSON), stdout_raw, stderr, exit_code,
// duration_ms.
func ShellExec(cfg ShellConfig) *Func {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Func{
		ID:   "shell.exec",
		Desc: "Runs a command and returns its exit code and captured output.",
		Fn: func(ctx context.Context, input map[string]any, _ CallContext) (map[string]any, error) {
			return runShell(ctx, cfg, input)
		},
	}
}

func runShell(ctx context.Context, cfg ShellConfig, in map[string]any) (map[string]any, error) {
	const name = "shell.exec"

	command := stringParam(in, "command", "")
	if command == "" {
		return nil, schema.NewStepExecutionError(name, "command is required", false)
	}
	timeout, err := durationParam(name, in, "timeout", cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := stringSliceParam(in, "args")
	var cmd *exec.Cmd
	if boolParam(in, "shell", false) {
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", strings.Join(append([]string{command}, args...), " "))
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}
	cmd.Dir = stringParam(in, "cwd", "")
	if env := stringMapParam(in, "env"); env != nil {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin := stringParam(in, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewStepExecutionError(name, fmt.Sprintf("killed after %s", timeout), true)
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			se := schema.NewStepExecutionError(name, runErr.Error(), false)
			se.Cause = runErr
			return nil, se
		}
		exitCode = exitErr.ExitCode()
	}

	raw := stdout.String()
	var decoded any = raw
	if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
		var v any
		if json.Unmarshal(stdout.Bytes(), &v) == nil {
			decoded = v
		}
	}

	if exitCode != 0 && !boolParam(in, "allow_failure", false) {
		msg := fmt.Sprintf("%s exited with status %d", command, exitCode)
		if tail := lastBytes(strings.TrimSpace(stderr.String()), stderrTail); tail != "" {
			msg += ": " + tail
		}
		return nil, schema.NewStepExecutionError(name, msg, false)
	}

	return map[string]any{
		"stdout":      decoded,
		"stdout_raw":  raw,
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}, nil
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// limitedWriter discards bytes beyond limit but reports them consumed, so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
