package patch

import (
	"fmt"

	"prefabcore/pkg/dom"
)

// OpError describes the operation that stopped a patch application.
type OpError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("patch failed at op %d (%s %s): %v", e.Index, e.Op.Op, e.Op.Path, e.Err)
}

// Unwrap exposes both ErrFailed and the underlying cause.
func (e *OpError) Unwrap() []error { return []error{ErrFailed, e.Err} }

// Apply applies p to doc strictly in order and returns the resulting
// document. Containers inside doc are mutated in place; after a failure the
// state of doc is undefined, so callers that must keep the original apply to
// a clone (see ApplyCopy).
func Apply(doc dom.Value, p Patch) (dom.Value, error) {
	for i, op := range p {
		next, err := applyOperation(doc, op)
		if err != nil {
			return doc, &OpError{Index: i, Op: op, Err: err}
		}
		doc = next
	}
	return doc, nil
}

// ApplyCopy applies p to a deep copy of doc, leaving doc untouched.
func ApplyCopy(doc dom.Value, p Patch) (dom.Value, error) {
	return Apply(dom.Clone(doc), p)
}

func applyOperation(doc dom.Value, op Operation) (dom.Value, error) {
	if !op.Op.Valid() {
		return doc, fmt.Errorf("unsupported op %q", op.Op)
	}
	if op.Path.IsRoot() {
		if op.Op == OpRemove {
			return doc, fmt.Errorf("cannot remove document root")
		}
		return dom.Clone(op.Value), nil
	}

	parentPath, last := op.Path.Parent()
	parent, err := parentPath.Get(doc)
	if err != nil {
		return doc, err
	}

	switch container := parent.(type) {
	case map[string]any:
		_, exists := container[last]
		switch op.Op {
		case OpAdd:
			container[last] = dom.Clone(op.Value)
		case OpReplace:
			if !exists {
				return doc, fmt.Errorf("%w: %s", dom.ErrPathNotFound, op.Path)
			}
			container[last] = dom.Clone(op.Value)
		case OpRemove:
			if !exists {
				return doc, fmt.Errorf("%w: %s", dom.ErrPathNotFound, op.Path)
			}
			delete(container, last)
		}
		return doc, nil
	case []any:
		updated, err := applyToArray(container, last, op)
		if err != nil {
			return doc, err
		}
		return replaceAt(doc, parentPath, updated)
	default:
		return doc, fmt.Errorf("%w: parent of %s is %s", dom.ErrPathNotFound, op.Path, dom.KindOf(parent))
	}
}

func applyToArray(arr []any, tok string, op Operation) ([]any, error) {
	if op.Op == OpAdd && tok == "-" {
		return append(arr, dom.Clone(op.Value)), nil
	}
	idx, err := dom.ArrayIndex(tok, len(arr))
	if err != nil {
		return nil, err
	}
	switch op.Op {
	case OpAdd:
		out := make([]any, 0, len(arr)+1)
		out = append(out, arr[:idx]...)
		out = append(out, dom.Clone(op.Value))
		return append(out, arr[idx:]...), nil
	case OpReplace:
		if idx >= len(arr) {
			return nil, fmt.Errorf("%w: index %d", dom.ErrPathNotFound, idx)
		}
		arr[idx] = dom.Clone(op.Value)
		return arr, nil
	default:
		if idx >= len(arr) {
			return nil, fmt.Errorf("%w: index %d", dom.ErrPathNotFound, idx)
		}
		out := make([]any, 0, len(arr)-1)
		out = append(out, arr[:idx]...)
		return append(out, arr[idx+1:]...), nil
	}
}

// replaceAt stores value at path, which must already resolve in doc.
func replaceAt(doc dom.Value, path dom.Pointer, value dom.Value) (dom.Value, error) {
	if path.IsRoot() {
		return value, nil
	}
	parentPath, last := path.Parent()
	parent, err := parentPath.Get(doc)
	if err != nil {
		return doc, err
	}
	switch container := parent.(type) {
	case map[string]any:
		container[last] = value
	case []any:
		idx, err := dom.ArrayIndex(last, len(container))
		if err != nil || idx >= len(container) {
			return doc, fmt.Errorf("%w: %s", dom.ErrPathNotFound, path)
		}
		container[idx] = value
	default:
		return doc, fmt.Errorf("%w: %s", dom.ErrPathNotFound, path)
	}
	return doc, nil
}
