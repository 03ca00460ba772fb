package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/session"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/pkg/schema"
)

func newRunCmd(opts *options) *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "run <definition-file>",
		Short: "Run a workflow definition file once and print its progress",
		Long: `run validates a definition file and executes it against an in-memory
store, printing step events as they happen and the final execution as JSON.`,
		Example: `  taskflow run deploy.yaml --var env=staging --var replicas=3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}
			return runFile(cmd.Context(), opts, args[0], variables, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "initial variable as key=value; JSON values are decoded (repeatable)")
	return cmd
}

// parseVars turns key=value pairs into variables. Values that parse as
// JSON keep their type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}

func runFile(ctx context.Context, opts *options, path string, vars map[string]any, out io.Writer) error {
	def, err := loadDefinitionFile(path)
	if err != nil {
		return err
	}
	sess, closeSess, err := ephemeralSession(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSess()

	exec, err := runDefinition(ctx, sess, def, vars, out)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exec); err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s", exec.Status)
	}
	return nil
}

// ephemeralSession builds a started session over an in-memory store with the
// configured plugins loaded.
func ephemeralSession(ctx context.Context, opts *options) (*session.Session, func(), error) {
	cfg, logger, err := setup(opts, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	sess, err := newSession(cfg, store.NewMemoryStore(), logger)
	if err != nil {
		return nil, nil, err
	}
	if err := sess.Start(ctx); err != nil {
		_ = sess.Close(ctx)
		return nil, nil, err
	}
	return sess, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = sess.Close(closeCtx)
	}, nil
}

// runDefinition starts def, streams its events to out and returns the
// terminal execution.
func runDefinition(ctx context.Context, sess *session.Session, def *schema.WorkflowDefinition, vars map[string]any, out io.Writer) (*schema.WorkflowExecution, error) {
	def, err := def.Clone()
	if err != nil {
		return nil, err
	}
	registry.ApplyDefaults(def)

	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	events, _, err := sess.Subscribe(subCtx, streaming.EventFilter{WorkflowID: def.ID})
	if err != nil {
		return nil, err
	}

	id, err := sess.RunDefinition(ctx, def, vars)
	if err != nil {
		return nil, err
	}

	type waitResult struct {
		exec *schema.WorkflowExecution
		err  error
	}
	done := make(chan waitResult, 1)
	go func() {
		exec, err := sess.WaitExecution(ctx, id)
		done <- waitResult{exec, err}
	}()

	for {
		select {
		case ev := <-events:
			printEvent(out, ev)
		case res := <-done:
			// Events are queued before the run ends; flush what is left.
			for {
				select {
				case ev := <-events:
					printEvent(out, ev)
				default:
					return res.exec, res.err
				}
			}
		}
	}
}

func printEvent(w io.Writer, ev streaming.StreamEvent) {
	ts := ev.Timestamp.Format(time.TimeOnly)
	if ev.StepID != "" {
		fmt.Fprintf(w, "%s  %-20s %s\n", ts, ev.EventType, ev.StepID)
		return
	}
	fmt.Fprintf(w, "%s  %s\n", ts, ev.EventType)
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>...",
		Short: "Validate workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, closeSess, err := ephemeralSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeSess()
			return validateFiles(sess, args, cmd.OutOrStdout())
		},
	}
}

// validateFiles reports every file as ok or with its issues and fails when
// any file is invalid.
func validateFiles(sess *session.Session, paths []string, out io.Writer) error {
	invalid := 0
	for _, path := range paths {
		def, err := loadDefinitionFile(path)
		if err == nil {
			registry.ApplyDefaults(def)
			err = sess.Validator().ValidateDefinition(def)
		}
		if err == nil {
			fmt.Fprintf(out, "ok      %s\n", path)
			continue
		}
		invalid++
		fmt.Fprintf(out, "invalid %s: %v\n", path, err)
		te := schema.AsTaskflowError(err, schema.ErrCodeValidation)
		for _, key := range []string{"errors", "warnings"} {
			if issues, ok := te.Details[key]; ok {
				raw, _ := json.Marshal(issues)
				fmt.Fprintf(out, "  %s: %s\n", key, raw)
			}
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d definitions invalid", invalid, len(paths))
	}
	return nil
}
