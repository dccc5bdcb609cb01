package handlers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

func stringParam(params map[string]interface{}, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	return s, nil
}

// argName rejects names a command line tool would read as an option.
func argName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty", kind)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("%s name %q must not start with '-'", kind, name)
	}
	return nil
}

func boolParam(params map[string]interface{}, key string) (value, set bool, err error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, false, fmt.Errorf("parameter %q must be a bool, got %T", key, v)
	}
	return b, true, nil
}

// durationParam accepts a Go duration string or a number of seconds.
func durationParam(params map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}

	var d time.Duration
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		d = parsed
	case int:
		d = time.Duration(val) * time.Second
	case int64:
		d = time.Duration(val) * time.Second
	case float64:
		d = time.Duration(val * float64(time.Second))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		d = time.Duration(f * float64(time.Second))
	default:
		return 0, fmt.Errorf("parameter %q must be a duration, got %T", key, v)
	}

	if d <= 0 {
		return 0, fmt.Errorf("parameter %q must be positive", key)
	}
	return d, nil
}

// envParam returns KEY=VALUE pairs sorted by key.
func envParam(params map[string]interface{}, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a map, got %T", key, v)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		s, ok := m[k].(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q: value of %s must be a string", key, k)
		}
		env = append(env, k+"="+s)
	}
	return env, nil
}

func mapParam(params map[string]interface{}, key string) (map[string]interface{}, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a map, got %T", key, v)
	}
	return m, nil
}
