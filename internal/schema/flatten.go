package schema

import (
	"regexp"
	"sort"
	"strconv"
)

// Flatten collapses a nested JSON-like value into dotted paths. Array
// elements get indexed segments ("enrichments[1].data.total"). Empty
// arrays are preserved under their own path so no key silently vanishes.
func Flatten(v any) map[string]any {
	out := make(map[string]any)
	flattenInto(v, "", out)
	return out
}

func flattenInto(v any, prefix string, out map[string]any) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 && prefix != "" {
			out[prefix] = val
			return
		}
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(child, key, out)
		}
	case []any:
		if len(val) == 0 {
			if prefix != "" {
				out[prefix] = val
			}
			return
		}
		for i, child := range val {
			flattenInto(child, prefix+"["+strconv.Itoa(i)+"]", out)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

// segRe splits a path segment into its key and optional array index.
var segRe = regexp.MustCompile(`^([^.\[]+)(?:\[(\d*)\])?$`)

// Unflatten rebuilds the nested object form from dotted paths, the
// inverse of Flatten. An empty index ("tags[]") addresses element zero.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)

	// Deterministic order so array growth is stable for repeated runs.
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		assignPath(root, splitPath(path), flat[path])
	}
	return root
}

type pathSeg struct {
	key   string
	index int // -1 when not an array segment
}

func splitPath(path string) []pathSeg {
	var segs []pathSeg
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			raw := path[start:i]
			start = i + 1
			if raw == "" {
				continue
			}
			m := segRe.FindStringSubmatch(raw)
			if m == nil {
				segs = append(segs, pathSeg{key: raw, index: -1})
				continue
			}
			seg := pathSeg{key: m[1], index: -1}
			if m[2] != "" {
				if n, err := strconv.Atoi(m[2]); err == nil {
					seg.index = n
				}
			} else if len(m[0]) > len(m[1]) {
				// trailing "[]" addresses element zero
				seg.index = 0
			}
			segs = append(segs, seg)
		}
	}
	return segs
}

func assignPath(root map[string]any, segs []pathSeg, value any) {
	cur := any(root)
	for i, seg := range segs {
		last := i == len(segs)-1

		m, ok := cur.(map[string]any)
		if !ok {
			return
		}

		if seg.index < 0 {
			if last {
				m[seg.key] = value
				return
			}
			child, ok := m[seg.key].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[seg.key] = child
			}
			cur = child
			continue
		}

		arr, _ := m[seg.key].([]any)
		for len(arr) <= seg.index {
			arr = append(arr, map[string]any{})
		}
		if last {
			arr[seg.index] = value
			m[seg.key] = arr
			return
		}
		child, ok := arr[seg.index].(map[string]any)
		if !ok {
			child = make(map[string]any)
			arr[seg.index] = child
		}
		m[seg.key] = arr
		cur = child
	}
}
