package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, 16, cfg.MaxConcurrency)
	assert.Equal(t, 4, cfg.MaxStepsPerExecution)
	assert.Equal(t, 30*time.Minute, cfg.DefaultRunTimeout)
	assert.Equal(t, time.Hour, cfg.Scheduler.CatchUpWindow)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
db_path: ":memory:"
log_level: debug
max_concurrency: 8
default_run_timeout: 10m
scheduler:
  poll_interval: 5s
watch:
  paths: [src, docs]
plugins:
  - name: git
    command: git-mcp
    args: ["--stdio"]
`)

	cfg, err := loadConfig(path, env(map[string]string{
		"TASKFLOW_MAX_CONCURRENCY":         "32",
		"TASKFLOW_SCHEDULER_POLL_INTERVAL": "1s",
		"TASKFLOW_LOG_FORMAT":              "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, memoryDB, cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 32, cfg.MaxConcurrency, "env wins over file")
	assert.Equal(t, 10*time.Minute, cfg.DefaultRunTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.CatchUpWindow, "unset keys keep defaults")
	assert.Equal(t, []string{"src", "docs"}, cfg.Watch.Paths)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "git-mcp", cfg.Plugins[0].Command)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"bad yaml", "max_concurrency: [", nil},
		{"bad level", "log_level: loud", nil},
		{"bad format", "log_format: xml", nil},
		{"zero concurrency", "max_concurrency: 0", nil},
		{"negative timeout", "default_run_timeout: -1s", nil},
		{"plugin without command", "plugins: [{name: x}]", nil},
		{"bad int env", "", map[string]string{"TASKFLOW_MAX_CONCURRENCY": "many"}},
		{"bad duration env", "", map[string]string{"TASKFLOW_WATCH_DEBOUNCE": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.file), env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), env(nil))
	assert.Error(t, err)
}

func TestLoadConfig_WatchPathsEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig("", env(map[string]string{"TASKFLOW_WATCH_PATHS": " src , ,docs"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "docs"}, cfg.Watch.Paths)
}

func TestDiffConfigs(t *testing.T) {
	base := defaultConfig()
	assert.Empty(t, diffConfigs(base, base))

	changed := base
	changed.LogLevel = "debug"
	changed.Scheduler.PollInterval = time.Second
	changed.Watch.Paths = []string{"src"}
	assert.Equal(t, []string{"log_level", "scheduler.poll_interval", "watch.paths"}, diffConfigs(base, changed))
}
