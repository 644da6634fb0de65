package flow

import "strconv"

// Lookup walks path through nested maps and slices. Slice elements are
// addressed by decimal index.
func Lookup(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch x := cur.(type) {
		case map[string]any:
			v, ok := x[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, ok := sliceIndex(seg, len(x))
			if !ok {
				return nil, false
			}
			cur = x[i]
		case []map[string]any:
			i, ok := sliceIndex(seg, len(x))
			if !ok {
				return nil, false
			}
			cur = x[i]
		case []string:
			i, ok := sliceIndex(seg, len(x))
			if !ok {
				return nil, false
			}
			cur = x[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func sliceIndex(seg string, n int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

// CloneMap deep-copies maps and slices so stored records never alias caller data.
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

func CloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = CloneValue(vv)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = CloneMap(vv)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return v
	}
}
