package loader

// Merge returns base overlaid with over. Nested mappings merge
// recursively; every other value in over replaces the one in base.
// Neither input is modified.
func Merge(base, over map[string]any) map[string]any {
	out := CloneMap(base)
	if out == nil {
		out = make(map[string]any, len(over))
	}
	for k, v := range over {
		if om, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bm, om)
				continue
			}
		}
		out[k] = CloneValue(v)
	}
	return out
}

// CloneMap deep-copies a mapping. A nil mapping stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies the mappings and sequences of a decoded value.
// Scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
