package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Merge overlays overrides onto defaults, and returns the merged document.
// Neither input is modified.
//
// If a key exists in both, the override wins. Objects are merged recursively.
// Keys that exist only in overrides are carried over into the result, but each one
// produces a warning, because it is most likely a typo.
func Merge(defaults, overrides map[string]any) (map[string]any, []string) {
	warnings := []string{}
	merged := merge(defaults, overrides, &warnings)
	return merged, warnings
}

func merge(lhs, rhs map[string]any, warnings *[]string) map[string]any {
	out := make(map[string]any, len(lhs))
	for k, v := range lhs {
		out[k] = deepCopy(v)
	}

	// Sorted, so that the warnings are deterministic
	for _, key := range slices.Sorted(maps.Keys(rhs)) {
		value := rhs[key]
		if obj, ok := value.(map[string]any); ok {
			if existing, ok := lhs[key].(map[string]any); ok {
				out[key] = merge(existing, obj, warnings)
			} else {
				*warnings = append(*warnings, fmt.Sprintf("The object \"%s\" seems to be unknown: %s", key, dump(rhs)))
				out[key] = deepCopy(obj)
			}
		} else {
			if _, exists := lhs[key]; !exists {
				*warnings = append(*warnings, fmt.Sprintf("The key \"%s\" seems to be unknown: %s", key, dump(rhs)))
			}
			out[key] = deepCopy(value)
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, e := range t {
			c[k] = deepCopy(e)
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = deepCopy(e)
		}
		return c
	default:
		return v
	}
}

func dump(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
