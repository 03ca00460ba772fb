package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/taskflow/internal/session"
	"github.com/rendis/taskflow/pkg/schema"
)

// loadDefinitionFile reads a workflow definition from a .json, .yaml or
// .yml file.
func loadDefinitionFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &def)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	default:
		return nil, fmt.Errorf("%s: unsupported definition format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// loadDefinitionsDir registers every definition file directly under dir,
// replacing definitions that already exist. A bad file is logged and
// skipped; the count of registered definitions is returned.
func loadDefinitionsDir(ctx context.Context, sess *session.Session, dir string, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := loadDefinitionFile(path)
		if err != nil {
			logger.Warn("skipping definition file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if err := register(ctx, sess, def); err != nil {
			logger.Warn("skipping definition file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		loaded++
	}
	return loaded, nil
}

// register creates def, or updates it when its id is already registered.
func register(ctx context.Context, sess *session.Session, def *schema.WorkflowDefinition) error {
	if def.ID != "" {
		if _, err := sess.GetWorkflow(ctx, def.ID); err == nil {
			_, err = sess.UpdateWorkflow(ctx, def)
			return err
		}
	}
	_, err := sess.CreateWorkflow(ctx, def)
	return err
}
