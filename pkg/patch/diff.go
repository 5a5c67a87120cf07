package patch

import (
	"prefabcore/pkg/dom"
)

// Diff returns the operations that transform before into after.
//
// Objects are compared member by member in sorted key order. Arrays are
// compared index by index; surplus elements are appended in ascending index
// order or removed from the tail in descending order. A change of kind, or
// a differing scalar, is a single replace at that location.
func Diff(before, after dom.Value) Patch {
	var out Patch
	diffValue(dom.Pointer{}, before, after, &out)
	return out
}

func diffValue(path dom.Pointer, before, after dom.Value, out *Patch) {
	if dom.Equal(before, after) {
		return
	}
	switch b := before.(type) {
	case map[string]any:
		if a, ok := after.(map[string]any); ok {
			diffObject(path, b, a, out)
			return
		}
	case []any:
		if a, ok := after.([]any); ok {
			diffArray(path, b, a, out)
			return
		}
	}
	*out = append(*out, Replace(path, dom.Clone(after)))
}

func diffObject(path dom.Pointer, before, after map[string]any, out *Patch) {
	for _, k := range dom.SortedKeys(before) {
		if _, ok := after[k]; !ok {
			*out = append(*out, Remove(path.Append(k)))
		}
	}
	for _, k := range dom.SortedKeys(after) {
		bv, ok := before[k]
		if !ok {
			*out = append(*out, Add(path.Append(k), dom.Clone(after[k])))
			continue
		}
		diffValue(path.Append(k), bv, after[k], out)
	}
}

func diffArray(path dom.Pointer, before, after []any, out *Patch) {
	common := min(len(before), len(after))
	for i := 0; i < common; i++ {
		diffValue(path.AppendIndex(i), before[i], after[i], out)
	}
	for i := common; i < len(after); i++ {
		*out = append(*out, Add(path.AppendIndex(i), dom.Clone(after[i])))
	}
	for i := len(before) - 1; i >= common; i-- {
		*out = append(*out, Remove(path.AppendIndex(i)))
	}
}
