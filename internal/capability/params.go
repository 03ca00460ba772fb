package capability

import (
	"fmt"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

func stringParam(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

func boolParam(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

func intParam(m map[string]any, key string, def int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// durationParam parses m[key], falling back to def when absent.
func durationParam(name string, m map[string]any, key string, def time.Duration) (time.Duration, error) {
	raw := stringParam(m, key, "")
	if raw == "" {
		return def, nil
	}
	d, err := schema.ParseDuration(raw)
	if err != nil {
		return 0, schema.NewStepExecutionError(name, fmt.Sprintf("invalid %s %q", key, raw), false)
	}
	return d, nil
}
