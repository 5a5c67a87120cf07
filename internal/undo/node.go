// Package undo implements the editing commands of the prefab system. Each
// node captures literal before and after states of a link or template and
// swaps between them. Nodes only mark templates dirty; callers drain the
// propagation queue to see the effect on live instances.
package undo

import (
	"context"
	"errors"
	"fmt"

	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

var (
	// ErrNotCaptured is returned when Redo or Undo runs before Capture.
	ErrNotCaptured = errors.New("undo node not captured")
	// ErrNothingToUndo is returned by Stack.Undo at the bottom of the stack.
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrNothingToRedo is returned by Stack.Redo at the top of the stack.
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Node is a reversible command. Redo and Undo are idempotent.
type Node interface {
	Name() string
	Redo(ctx context.Context) error
	Undo(ctx context.Context) error
}

// Propagator receives the dirty notifications produced by nodes.
type Propagator interface {
	MarkDirty(ctx context.Context, id domain.TemplateID) error
	RecordEdit(id domain.TemplateID, p patch.Patch)
}

// Batch groups nodes into one command. Redo runs them in order, Undo in
// reverse order. Execution stops at the first failing node.
type Batch struct {
	name  string
	nodes []Node
}

// NewBatch returns a batch of nodes.
func NewBatch(name string, nodes ...Node) *Batch {
	return &Batch{name: name, nodes: append([]Node(nil), nodes...)}
}

// Add appends a node.
func (b *Batch) Add(n Node) { b.nodes = append(b.nodes, n) }

// Len returns the number of grouped nodes.
func (b *Batch) Len() int { return len(b.nodes) }

// Name returns the batch label.
func (b *Batch) Name() string { return b.name }

// Redo redoes every node in order.
func (b *Batch) Redo(ctx context.Context) error {
	for _, n := range b.nodes {
		if err := n.Redo(ctx); err != nil {
			return fmt.Errorf("%s: redo %s: %w", b.name, n.Name(), err)
		}
	}
	return nil
}

// Undo undoes every node in reverse order.
func (b *Batch) Undo(ctx context.Context) error {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		if err := b.nodes[i].Undo(ctx); err != nil {
			return fmt.Errorf("%s: undo %s: %w", b.name, b.nodes[i].Name(), err)
		}
	}
	return nil
}

// Stack is a linear undo history with a cursor. Recording a node after an
// undo discards the redo branch.
type Stack struct {
	nodes  []Node
	cursor int
	limit  int
}

// NewStack returns a stack keeping at most limit nodes; limit <= 0 keeps
// everything.
func NewStack(limit int) *Stack {
	return &Stack{limit: limit}
}

// Do redoes n and records it on success.
func (s *Stack) Do(ctx context.Context, n Node) error {
	if err := n.Redo(ctx); err != nil {
		return err
	}
	s.Record(n)
	return nil
}

// Record pushes an already applied node.
func (s *Stack) Record(n Node) {
	s.nodes = append(s.nodes[:s.cursor], n)
	if s.limit > 0 && len(s.nodes) > s.limit {
		s.nodes = append([]Node(nil), s.nodes[len(s.nodes)-s.limit:]...)
	}
	s.cursor = len(s.nodes)
}

// Undo reverts the node below the cursor.
func (s *Stack) Undo(ctx context.Context) error {
	if s.cursor == 0 {
		return ErrNothingToUndo
	}
	if err := s.nodes[s.cursor-1].Undo(ctx); err != nil {
		return err
	}
	s.cursor--
	return nil
}

// Redo reapplies the node above the cursor.
func (s *Stack) Redo(ctx context.Context) error {
	if s.cursor == len(s.nodes) {
		return ErrNothingToRedo
	}
	if err := s.nodes[s.cursor].Redo(ctx); err != nil {
		return err
	}
	s.cursor++
	return nil
}

// CanUndo reports whether a node sits below the cursor.
func (s *Stack) CanUndo() bool { return s.cursor > 0 }

// CanRedo reports whether a node sits above the cursor.
func (s *Stack) CanRedo() bool { return s.cursor < len(s.nodes) }

// Len returns the number of recorded nodes, undone ones included.
func (s *Stack) Len() int { return len(s.nodes) }

// Names lists the recorded node names, oldest first.
func (s *Stack) Names() []string {
	out := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Name()
	}
	return out
}

// Clear drops the whole history.
func (s *Stack) Clear() {
	s.nodes = nil
	s.cursor = 0
}
