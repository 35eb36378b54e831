// Package mapsafe reads typed values out of loosely typed option maps decoded from YAML, JSON or
// TOML, where the same number can arrive as int, int64 or float64.
package mapsafe

// Get retrieves a typed value from a map[string]any.
// If the key is missing or the type cannot be converted, it returns the default value.
func Get[T any](m map[string]any, key string, defaultValue T) T {
	if v, ok := Lookup[T](m, key); ok {
		return v
	}

	return defaultValue
}

// Lookup is Get without a default: ok is false when the key is absent or not convertible.
func Lookup[T any](m map[string]any, key string) (T, bool) {
	var zero T

	val, ok := m[key]
	if !ok {
		return zero, false
	}

	switch any(zero).(type) {
	case int:
		n, ok := toInt(val)
		return any(n).(T), ok
	case float64:
		f, ok := toFloat(val)
		return any(f).(T), ok
	case []string:
		s, ok := toStrings(val)
		return any(s).(T), ok
	}

	v, ok := val.(T)
	return v, ok
}

func toInt(val any) (int, bool) {
	switch x := val.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	}

	return 0, false
}

func toFloat(val any) (float64, bool) {
	switch x := val.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}

	return 0, false
}

func toStrings(val any) ([]string, bool) {
	switch x := val.(type) {
	case []string:
		return x, true
	case string:
		return []string{x}, true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}

	return nil, false
}
