package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Values is a section -> key -> value map for settings that executors read
// on their own terms. Every accessor takes a fallback returned when the key
// is missing or cannot be converted.
type Values map[string]map[string]any

func (v Values) lookup(section, key string) (any, bool) {
	if v == nil {
		return nil, false
	}
	sec, ok := v[section]
	if !ok || sec == nil {
		return nil, false
	}
	raw, ok := sec[key]
	if !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

func (v Values) String(section, key, fallback string) string {
	raw, ok := v.lookup(section, key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(fmt.Sprint(raw))
}

func (v Values) Bool(section, key string, fallback bool) bool {
	raw, ok := v.lookup(section, key)
	if !ok {
		return fallback
	}
	switch x := raw.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return fallback
		}
		return b
	case float64:
		return x != 0
	default:
		return fallback
	}
}

func (v Values) Float(section, key string, fallback float64) float64 {
	raw, ok := v.lookup(section, key)
	if !ok {
		return fallback
	}
	switch x := raw.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

func (v Values) Int(section, key string, fallback int) int {
	raw, ok := v.lookup(section, key)
	if !ok {
		return fallback
	}
	switch x := raw.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

// Duration accepts Go duration strings or a number of seconds.
func (v Values) Duration(section, key string, fallback time.Duration) time.Duration {
	raw, ok := v.lookup(section, key)
	if !ok {
		return fallback
	}
	switch x := raw.(type) {
	case float64:
		return time.Duration(x * float64(time.Second))
	case string:
		d, err := parseDuration(x)
		if err != nil {
			return fallback
		}
		return d
	default:
		return fallback
	}
}

// List accepts a JSON array or a comma separated string.
func (v Values) List(section, key string, fallback []string) []string {
	raw, ok := v.lookup(section, key)
	if !ok {
		return fallback
	}
	var out []string
	switch x := raw.(type) {
	case []any:
		for _, it := range x {
			s := strings.TrimSpace(fmt.Sprint(it))
			if s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		return fallback
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
