package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

// LoadTemplate reads the template file at path from fsys and registers it
// together with every template it nests. On disk a nested instance is
// stored as {"Source": <path>, "Patches": [...]}; each becomes a link whose
// region is derived from the nested template. Templates already registered
// under a path are reused. Nothing is registered when any file fails to
// load or the files nest each other in a cycle.
func (s *Service) LoadTemplate(ctx context.Context, fsys fs.FS, path string) (Template, error) {
	var loaded Template
	err := s.run(ctx, "load_template", func(ctx context.Context) (string, error) {
		var id TemplateID
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			id, err = s.loadInto(tx, fsys, domain.NormalizePath(path), nil)
			return err
		})
		s.logViolations("load_template", res)
		if err != nil {
			return path, err
		}
		loaded, err = s.FindTemplate(id)
		return id.String(), err
	})
	return loaded, err
}

func (s *Service) loadInto(tx Transaction, fsys fs.FS, path string, chain []string) (TemplateID, error) {
	if path == "" || !fs.ValidPath(path) {
		return domain.InvalidTemplateID, fmt.Errorf("%w: invalid source path %q", domain.ErrInvalidDocument, path)
	}
	if slices.Contains(chain, path) {
		return domain.InvalidTemplateID, fmt.Errorf("%w: %q nests itself through %v", domain.ErrCycle, path, chain)
	}
	if existing, ok := tx.FindTemplateByPath(path); ok {
		return existing.ID, nil
	}

	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.InvalidTemplateID, fmt.Errorf("%w: %w", domain.NotFoundError{Entity: EntityTemplate, ID: path}, err)
		}
		return domain.InvalidTemplateID, fmt.Errorf("read template %q: %w", path, err)
	}
	parsed, err := dom.Parse(data)
	if err != nil {
		return domain.InvalidTemplateID, fmt.Errorf("%w: %q: %v", domain.ErrInvalidDocument, path, err)
	}
	doc, ok := dom.AsObject(parsed)
	if !ok {
		return domain.InvalidTemplateID, fmt.Errorf("%w: %q is %s, not an object", domain.ErrInvalidDocument, path, dom.KindOf(parsed))
	}

	nested, err := onDiskInstances(path, doc)
	if err != nil {
		return domain.InvalidTemplateID, err
	}
	doc[domain.MemberInstances] = map[string]any{}
	if domain.TemplateSource(doc) == "" {
		doc[domain.MemberSource] = path
	}
	created, err := tx.CreateTemplate(path, doc)
	if err != nil {
		return domain.InvalidTemplateID, err
	}

	next := append(slices.Clone(chain), path)
	for _, entry := range nested {
		target, err := s.loadInto(tx, fsys, entry.source, next)
		if err != nil {
			return domain.InvalidTemplateID, err
		}
		if _, err := tx.CreateLink(Link{Source: created.ID, Target: target, Alias: entry.alias, Patch: entry.patches}); err != nil {
			return domain.InvalidTemplateID, fmt.Errorf("%q instance %q: %w", path, entry.alias, err)
		}
	}
	s.logger.Debug("loaded template", "path", path, "template", created.ID, "instances", len(nested))
	return created.ID, nil
}

type onDiskInstance struct {
	alias   InstanceAlias
	source  string
	patches patch.Patch
}

func onDiskInstances(path string, doc map[string]any) ([]onDiskInstance, error) {
	regions, ok := dom.AsObject(doc[domain.MemberInstances])
	if !ok {
		if doc[domain.MemberInstances] != nil {
			return nil, fmt.Errorf("%w: %q Instances is %s", domain.ErrInvalidDocument, path, dom.KindOf(doc[domain.MemberInstances]))
		}
		return nil, nil
	}
	out := make([]onDiskInstance, 0, len(regions))
	for _, alias := range dom.SortedKeys(regions) {
		entry, ok := dom.AsObject(regions[alias])
		if !ok {
			return nil, fmt.Errorf("%w: %q instance %q is not an object", domain.ErrInvalidDocument, path, alias)
		}
		source, _ := entry[domain.MemberSource].(string)
		if source == "" {
			return nil, fmt.Errorf("%w: %q instance %q has no Source", domain.ErrInvalidDocument, path, alias)
		}
		p, err := patch.FromValue(entry[domain.MemberPatches])
		if err != nil {
			return nil, fmt.Errorf("%w: %q instance %q: %v", domain.ErrInvalidDocument, path, alias, err)
		}
		out = append(out, onDiskInstance{alias: alias, source: domain.NormalizePath(source), patches: p})
	}
	return out, nil
}

// ExportTemplate returns the on-disk form of a template: its document with
// every nested region collapsed back to the nested template's source path
// and the link patch.
func (s *Service) ExportTemplate(ctx context.Context, id TemplateID) (dom.Value, error) {
	var out dom.Value
	err := s.store.View(ctx, func(view TransactionView) error {
		t, ok := view.FindTemplate(id)
		if !ok {
			return domain.TemplateNotFound(id)
		}
		doc := dom.Clone(t.DOM)
		obj, ok := dom.AsObject(doc)
		if !ok {
			return fmt.Errorf("%w: template %s is %s", domain.ErrInvalidDocument, id, dom.KindOf(doc))
		}
		instances := map[string]any{}
		for _, l := range view.LinksFrom(id) {
			target, ok := view.FindTemplate(l.Target)
			if !ok {
				return domain.TemplateNotFound(l.Target)
			}
			source := target.Path
			if source == "" {
				source = domain.TemplateSource(target.DOM)
			}
			patches, err := l.Patch.ToValue()
			if err != nil {
				return fmt.Errorf("link %s: %w", l.ID, err)
			}
			instances[l.Alias] = map[string]any{
				domain.MemberSource:  source,
				domain.MemberPatches: patches,
			}
		}
		for _, alias := range domain.InstanceRegionAliases(doc) {
			if _, ok := instances[alias]; !ok {
				s.logger.Warn("dropping nested region without a link on export", "template", id, "alias", alias)
			}
		}
		obj[domain.MemberInstances] = instances
		out = doc
		return nil
	})
	return out, err
}
