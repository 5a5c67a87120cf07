package undo

import (
	"context"
	"errors"
	"fmt"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

// TemplateEdit records a wholesale change of a template document.
type TemplateEdit struct {
	name     string
	store    domain.PersistentStore
	prop     Propagator
	template domain.TemplateID
	before   dom.Value
	after    dom.Value
	result   domain.Result
}

// NewTemplateEdit returns an empty template edit node.
func NewTemplateEdit(name string, store domain.PersistentStore, prop Propagator) *TemplateEdit {
	return &TemplateEdit{name: name, store: store, prop: prop}
}

// Name returns the node label.
func (n *TemplateEdit) Name() string { return n.name }

// Template returns the captured template.
func (n *TemplateEdit) Template() domain.TemplateID { return n.template }

// Result returns the rule evaluation of the last Redo or Undo.
func (n *TemplateEdit) Result() domain.Result { return n.result }

// Capture snapshots the template's current document and after as its
// replacement.
func (n *TemplateEdit) Capture(ctx context.Context, id domain.TemplateID, after dom.Value) error {
	norm, err := dom.Normalize(after)
	if err != nil {
		return err
	}
	return n.store.View(ctx, func(view domain.TransactionView) error {
		t, ok := view.FindTemplate(id)
		if !ok {
			return domain.TemplateNotFound(id)
		}
		n.template = id
		n.before = dom.Clone(t.DOM)
		n.after = norm
		return nil
	})
}

// CapturePatch snapshots the template's current document and the result of
// applying p to it. A patch that does not apply fails the capture and
// leaves the node empty.
func (n *TemplateEdit) CapturePatch(ctx context.Context, id domain.TemplateID, p patch.Patch) error {
	return n.store.View(ctx, func(view domain.TransactionView) error {
		t, ok := view.FindTemplate(id)
		if !ok {
			return domain.TemplateNotFound(id)
		}
		after, err := patch.ApplyCopy(t.DOM, p)
		if err != nil {
			return err
		}
		n.template = id
		n.before = dom.Clone(t.DOM)
		n.after = after
		return nil
	})
}

// Redo stores the captured after document and marks the template dirty.
func (n *TemplateEdit) Redo(ctx context.Context) error { return n.set(ctx, n.before, n.after) }

// Undo restores the captured before document and marks the template dirty.
func (n *TemplateEdit) Undo(ctx context.Context) error { return n.set(ctx, n.after, n.before) }

func (n *TemplateEdit) set(ctx context.Context, from, to dom.Value) error {
	if !n.template.Valid() {
		return ErrNotCaptured
	}
	write := func(doc dom.Value) (domain.Result, error) {
		return n.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.ReplaceTemplateDOM(n.template, dom.Clone(doc))
			return err
		})
	}
	res, err := write(to)
	if err != nil {
		return err
	}
	if err := n.prop.MarkDirty(ctx, n.template); err != nil {
		if _, rerr := write(from); rerr != nil {
			return errors.Join(err, fmt.Errorf("revert template %s: %w", n.template, rerr))
		}
		return err
	}
	n.result = res
	n.prop.RecordEdit(n.template, patch.Diff(from, to))
	return nil
}
