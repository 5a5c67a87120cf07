package undo

import (
	"context"
	"errors"
	"fmt"

	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

// InstanceLink records the creation, patching or removal of the link that
// nests one template inside another.
type InstanceLink struct {
	name   string
	store  domain.PersistentStore
	prop   Propagator
	source domain.TemplateID
	alias  domain.InstanceAlias
	linkID domain.LinkID
	before *domain.Link
	after  *domain.Link
	// applied is true while the after state is live.
	applied  bool
	captured bool
	result   domain.Result
}

// NewInstanceLink returns an empty link node.
func NewInstanceLink(name string, store domain.PersistentStore, prop Propagator) *InstanceLink {
	return &InstanceLink{name: name, store: store, prop: prop}
}

// Name returns the node label.
func (n *InstanceLink) Name() string { return n.name }

// LinkID returns the link handle. It is valid once the link has existed.
func (n *InstanceLink) LinkID() domain.LinkID { return n.linkID }

// Result returns the rule evaluation of the last Redo or Undo.
func (n *InstanceLink) Result() domain.Result { return n.result }

// Alias returns the nested instance alias the node operates on.
func (n *InstanceLink) Alias() domain.InstanceAlias { return n.alias }

// Capture records the creation of a link without a patch.
func (n *InstanceLink) Capture(ctx context.Context, source, target domain.TemplateID, alias domain.InstanceAlias) error {
	return n.CaptureWithPatch(ctx, source, target, alias, nil, domain.InvalidLinkID)
}

// CaptureWithPatch records the creation of a link carrying p, or, when
// existing is valid, the replacement of that link's patch with p.
func (n *InstanceLink) CaptureWithPatch(ctx context.Context, source, target domain.TemplateID, alias domain.InstanceAlias, p patch.Patch, existing domain.LinkID) error {
	return n.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindTemplate(source); !ok {
			return domain.TemplateNotFound(source)
		}
		if _, ok := view.FindTemplate(target); !ok {
			return domain.TemplateNotFound(target)
		}
		after := domain.Link{Source: source, Target: target, Alias: alias, Patch: p.Clone()}
		n.before = nil
		if existing.Valid() {
			current, ok := view.FindLink(existing)
			if !ok {
				return domain.LinkNotFound(existing)
			}
			if current.Source != source || current.Target != target {
				return fmt.Errorf("%w: link %s joins %s to %s", domain.ErrInvalidID, existing, current.Source, current.Target)
			}
			after.ID = existing
			after.Alias = current.Alias
			n.before = &current
		}
		n.source = source
		n.alias = after.Alias
		n.linkID = existing
		n.after = &after
		n.applied = false
		n.captured = true
		return nil
	})
}

// CaptureRemoval records the removal of an existing link.
func (n *InstanceLink) CaptureRemoval(ctx context.Context, id domain.LinkID) error {
	return n.store.View(ctx, func(view domain.TransactionView) error {
		current, ok := view.FindLink(id)
		if !ok {
			return domain.LinkNotFound(id)
		}
		n.source = current.Source
		n.alias = current.Alias
		n.linkID = id
		n.before = &current
		n.after = nil
		n.applied = false
		n.captured = true
		return nil
	})
}

// Redo moves the link to its captured after state and marks the owning
// template dirty.
func (n *InstanceLink) Redo(ctx context.Context) error {
	if !n.captured {
		return ErrNotCaptured
	}
	if n.applied {
		return nil
	}
	if err := n.transition(ctx, n.before, n.after); err != nil {
		return err
	}
	n.applied = true
	return nil
}

// Undo restores the link state seen at capture time and marks the owning
// template dirty.
func (n *InstanceLink) Undo(ctx context.Context) error {
	if !n.captured {
		return ErrNotCaptured
	}
	if !n.applied {
		return nil
	}
	if err := n.transition(ctx, n.after, n.before); err != nil {
		return err
	}
	n.applied = false
	return nil
}

// transition writes to, then marks the source dirty. A failed mark writes
// from back so the store is left as it was.
func (n *InstanceLink) transition(ctx context.Context, from, to *domain.Link) error {
	res, err := n.write(ctx, from, to)
	if err != nil {
		return err
	}
	if err := n.prop.MarkDirty(ctx, n.source); err != nil {
		if _, rerr := n.write(ctx, to, from); rerr != nil {
			return errors.Join(err, fmt.Errorf("revert link %q: %w", n.alias, rerr))
		}
		return err
	}
	n.result = res
	if to != nil {
		n.prop.RecordEdit(n.source, patch.AppendAliasPrefix(to.Patch, n.alias))
	}
	return nil
}

func (n *InstanceLink) write(ctx context.Context, from, to *domain.Link) (domain.Result, error) {
	return n.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		switch {
		case from == nil && to != nil:
			link := to.Clone()
			link.ID = n.linkID
			created, err := tx.CreateLink(link)
			if err != nil {
				return err
			}
			n.linkID = created.ID
			n.alias = created.Alias
		case from != nil && to == nil:
			return tx.DeleteLink(n.linkID)
		case from != nil && to != nil:
			_, err := tx.UpdateLinkPatch(n.linkID, to.Patch)
			return err
		}
		return nil
	})
}

// LinkUpdate records the replacement of an existing link's patch.
type LinkUpdate struct {
	name   string
	store  domain.PersistentStore
	prop   Propagator
	linkID domain.LinkID
	source domain.TemplateID
	alias  domain.InstanceAlias
	before patch.Patch
	after  patch.Patch
	result domain.Result
}

// NewLinkUpdate returns an empty link update node.
func NewLinkUpdate(name string, store domain.PersistentStore, prop Propagator) *LinkUpdate {
	return &LinkUpdate{name: name, store: store, prop: prop}
}

// Name returns the node label.
func (n *LinkUpdate) Name() string { return n.name }

// LinkID returns the captured link.
func (n *LinkUpdate) LinkID() domain.LinkID { return n.linkID }

// Result returns the rule evaluation of the last Redo or Undo.
func (n *LinkUpdate) Result() domain.Result { return n.result }

// Capture records the link's current patch and p as its replacement.
func (n *LinkUpdate) Capture(ctx context.Context, p patch.Patch, id domain.LinkID) error {
	return n.store.View(ctx, func(view domain.TransactionView) error {
		current, ok := view.FindLink(id)
		if !ok {
			return domain.LinkNotFound(id)
		}
		n.linkID = id
		n.source = current.Source
		n.alias = current.Alias
		n.before = current.Patch.Clone()
		n.after = p.Clone()
		return nil
	})
}

// Redo stores the new patch and marks the owning template dirty.
func (n *LinkUpdate) Redo(ctx context.Context) error { return n.set(ctx, n.before, n.after) }

// Undo stores the previous patch and marks the owning template dirty.
func (n *LinkUpdate) Undo(ctx context.Context) error { return n.set(ctx, n.after, n.before) }

func (n *LinkUpdate) set(ctx context.Context, from, p patch.Patch) error {
	if !n.linkID.Valid() {
		return ErrNotCaptured
	}
	write := func(p patch.Patch) (domain.Result, error) {
		return n.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.UpdateLinkPatch(n.linkID, p)
			return err
		})
	}
	res, err := write(p)
	if err != nil {
		return err
	}
	if err := n.prop.MarkDirty(ctx, n.source); err != nil {
		if _, rerr := write(from); rerr != nil {
			return errors.Join(err, fmt.Errorf("revert link %s: %w", n.linkID, rerr))
		}
		return err
	}
	n.result = res
	n.prop.RecordEdit(n.source, patch.AppendAliasPrefix(p, n.alias))
	return nil
}
