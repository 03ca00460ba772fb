package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/internal/logging"
)

// memoryDB selects the in-memory store.
const memoryDB = ":memory:"

// Config holds all taskflow configuration.
// Priority: TASKFLOW_* env vars > config.yaml > defaults.
type Config struct {
	DBPath               string                       `yaml:"db_path"`
	LogLevel             string                       `yaml:"log_level"`
	LogFormat            string                       `yaml:"log_format"`
	MaxConcurrency       int                          `yaml:"max_concurrency"`
	MaxStepsPerExecution int                          `yaml:"max_steps_per_execution"`
	DefaultRunTimeout    time.Duration                `yaml:"default_run_timeout"`
	Scheduler            SchedulerConfig              `yaml:"scheduler"`
	DefinitionsDir       string                       `yaml:"definitions_dir"`
	Watch                WatchConfig                  `yaml:"watch"`
	Plugins              []capability.MCPServerConfig `yaml:"plugins"`
}

// SchedulerConfig tunes the cron loop.
type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	CatchUpWindow time.Duration `yaml:"catch_up_window"`
}

// WatchConfig enables the filesystem event source when Paths is set.
type WatchConfig struct {
	Paths    []string      `yaml:"paths"`
	Debounce time.Duration `yaml:"debounce"`
}

func defaultConfig() Config {
	return Config{
		DBPath:               filepath.Join(taskflowDir(), "taskflow.db"),
		LogLevel:             "info",
		LogFormat:            "text",
		MaxConcurrency:       16,
		MaxStepsPerExecution: 4,
		DefaultRunTimeout:    30 * time.Minute,
		Scheduler: SchedulerConfig{
			PollInterval:  30 * time.Second,
			CatchUpWindow: time.Hour,
		},
		Watch: WatchConfig{Debounce: 500 * time.Millisecond},
	}
}

func taskflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskflow"
	}
	return filepath.Join(home, ".taskflow")
}

func defaultConfigPath() string {
	return filepath.Join(taskflowDir(), "config.yaml")
}

// loadConfig layers the file at path and the environment over the
// defaults. An empty path reads the default location, which may be absent.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("TASKFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("TASKFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("TASKFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("TASKFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := getenv("TASKFLOW_WATCH_PATHS"); v != "" {
		cfg.Watch.Paths = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TASKFLOW_MAX_CONCURRENCY", &cfg.MaxConcurrency},
		{"TASKFLOW_MAX_STEPS_PER_EXECUTION", &cfg.MaxStepsPerExecution},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", e.key, v)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TASKFLOW_DEFAULT_RUN_TIMEOUT", &cfg.DefaultRunTimeout},
		{"TASKFLOW_SCHEDULER_POLL_INTERVAL", &cfg.Scheduler.PollInterval},
		{"TASKFLOW_SCHEDULER_CATCH_UP_WINDOW", &cfg.Scheduler.CatchUpWindow},
		{"TASKFLOW_WATCH_DEBOUNCE", &cfg.Watch.Debounce},
	}
	for _, e := range durations {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a duration", e.key, v)
		}
		*e.dst = d
	}
	return nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.MaxConcurrency <= 0 {
		return errors.New("max_concurrency must be positive")
	}
	if c.MaxStepsPerExecution <= 0 {
		return errors.New("max_steps_per_execution must be positive")
	}
	if c.DefaultRunTimeout < 0 {
		return errors.New("default_run_timeout must not be negative")
	}
	for i, p := range c.Plugins {
		if p.Name == "" || p.Command == "" {
			return fmt.Errorf("plugins[%d]: name and command are required", i)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// diffConfigs lists the keys whose values differ between old and new, by
// yaml name (nested keys dotted).
func diffConfigs(old, new Config) []string {
	var changed []string
	diffStruct("", reflect.ValueOf(old), reflect.ValueOf(new), &changed)
	return changed
}

func diffStruct(prefix string, a, b reflect.Value, out *[]string) {
	t := a.Type()
	for i := range t.NumField() {
		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if prefix != "" {
			name = prefix + "." + name
		}
		fa, fb := a.Field(i), b.Field(i)
		if fa.Kind() == reflect.Struct {
			diffStruct(name, fa, fb, out)
			continue
		}
		if !reflect.DeepEqual(fa.Interface(), fb.Interface()) {
			*out = append(*out, name)
		}
	}
}
