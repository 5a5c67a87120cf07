// Package patch computes and applies ordered document patches (RFC 6902
// add/remove/replace subset) over dom documents.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"

	"prefabcore/pkg/dom"
)

// ErrFailed is returned when an operation cannot be applied to a document.
var ErrFailed = errors.New("patch failed")

// Op is the kind of a patch operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

// Valid reports whether op is a supported operation kind.
func (op Op) Valid() bool {
	switch op {
	case OpAdd, OpRemove, OpReplace:
		return true
	}
	return false
}

// Operation is one step of a patch. Value is ignored for removals.
type Operation struct {
	Op    Op
	Path  dom.Pointer
	Value dom.Value
}

// Patch is an ordered sequence of operations. Operations do not commute.
type Patch []Operation

// Add builds an add operation.
func Add(path dom.Pointer, value dom.Value) Operation {
	return Operation{Op: OpAdd, Path: path, Value: value}
}

// Remove builds a remove operation.
func Remove(path dom.Pointer) Operation {
	return Operation{Op: OpRemove, Path: path}
}

// Replace builds a replace operation.
func Replace(path dom.Pointer, value dom.Value) Operation {
	return Operation{Op: OpReplace, Path: path, Value: value}
}

// Clone deep-copies the patch including operation values.
func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for i, op := range p {
		out[i] = Operation{Op: op.Op, Path: dom.NewPointer(op.Path...), Value: dom.Clone(op.Value)}
	}
	return out
}

// Equal reports whether two patches contain the same operations in order.
func (p Patch) Equal(other Patch) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		a, b := p[i], other[i]
		if a.Op != b.Op || !a.Path.Equal(b.Path) {
			return false
		}
		if a.Op != OpRemove && !dom.Equal(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the patch has no operations.
func (p Patch) IsEmpty() bool { return len(p) == 0 }

// Paths returns the target pointer of every operation.
func (p Patch) Paths() []dom.Pointer {
	out := make([]dom.Pointer, len(p))
	for i, op := range p {
		out[i] = op.Path
	}
	return out
}

type wireOperation struct {
	Op    Op               `json:"op"`
	Path  string           `json:"path"`
	Value *json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON renders the RFC 6902 form. Value is present for add and
// replace even when it is null.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Op: o.Op, Path: o.Path.String()}
	if o.Op != OpRemove {
		raw, err := dom.Serialize(o.Value)
		if err != nil {
			return nil, err
		}
		msg := json.RawMessage(raw)
		w.Value = &msg
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the RFC 6902 form.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Op.Valid() {
		return fmt.Errorf("unsupported patch op %q", w.Op)
	}
	path, err := dom.ParsePointer(w.Path)
	if err != nil {
		return err
	}
	o.Op = w.Op
	o.Path = path
	o.Value = nil
	if w.Op != OpRemove {
		if w.Value == nil {
			return fmt.Errorf("%s %s: missing value", w.Op, w.Path)
		}
		v, err := dom.Parse(*w.Value)
		if err != nil {
			return err
		}
		o.Value = v
	}
	return nil
}

// Parse decodes a patch from its JSON array form.
func Parse(data []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	return p, nil
}

// FromValue decodes a patch held as a document value (as stored under a
// nested instance's "Patches" member).
func FromValue(v dom.Value) (Patch, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := dom.Serialize(v)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// ToValue encodes the patch as a document array.
func (p Patch) ToValue() (dom.Value, error) {
	if p == nil {
		return []any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return dom.Parse(raw)
}
