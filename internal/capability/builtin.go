package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// Builtins returns the capabilities every session ships with: four inert
// ones for wiring, dry runs and smoke tests, plus http.request and
// shell.exec with default limits.
func Builtins() []Capability {
	return []Capability{
		&Func{ID: "noop", Desc: "Does nothing and returns an empty output.", Fn: noop},
		&Func{ID: "echo", Desc: "Returns its input unchanged.", Fn: echo},
		&Func{ID: "sleep", Desc: "Waits for input.duration, honoring cancellation.", Fn: sleep},
		&Func{ID: "fail", Desc: "Fails with input.message; input.retryable marks the failure transient.", Fn: fail},
		HTTPRequest(HTTPConfig{}),
		ShellExec(ShellConfig{}),
	}
}

// RegisterBuiltins registers all built-in capabilities in reg.
func RegisterBuiltins(reg *Registry) error {
	for _, c := range Builtins() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func noop(_ context.Context, _ map[string]any, _ CallContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func echo(_ context.Context, input map[string]any, _ CallContext) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out, nil
}

func sleep(ctx context.Context, input map[string]any, _ CallContext) (map[string]any, error) {
	raw, _ := input["duration"].(string)
	d, err := schema.ParseDuration(raw)
	if err != nil {
		return nil, schema.NewStepExecutionError("sleep", fmt.Sprintf("invalid duration %q", raw), false)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	}
}

func fail(_ context.Context, input map[string]any, _ CallContext) (map[string]any, error) {
	msg, _ := input["message"].(string)
	if msg == "" {
		msg = "failed on purpose"
	}
	retryable, _ := input["retryable"].(bool)
	return nil, schema.NewStepExecutionError("fail", msg, retryable)
}
