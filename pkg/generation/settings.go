package generation

import (
	"strconv"
)

// String returns the named setting as a string, or def when unset.
func (s Settings) String(name, def string) string {
	v, ok := s[name]
	if !ok || v == nil {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return def
}

// Int returns the named setting as an int, or def when unset or unparseable.
// JSON decoding yields float64 for numbers, so both forms are accepted.
func (s Settings) Int(name string, def int) int {
	switch v := s[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float returns the named setting as a float64, or def when unset or
// unparseable.
func (s Settings) Float(name string, def float64) float64 {
	switch v := s[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the named setting as a bool, or def when unset or unparseable.
func (s Settings) Bool(name string, def bool) bool {
	switch v := s[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
