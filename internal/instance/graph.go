package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"prefabcore/internal/entity"
	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
)

// Logger is the subset of structured logging used by the graph.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// TemplateReader is the read side of the template store the graph
// instantiates from.
type TemplateReader interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the graph logger.
func WithLogger(logger Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Graph owns every live root instance and the entities they materialize.
type Graph struct {
	mu      sync.Mutex
	store   TemplateReader
	runtime entity.Runtime
	logger  Logger
	roots   []*Instance
}

// NewGraph returns an empty graph reading templates from store and creating
// entities through runtime.
func NewGraph(store TemplateReader, runtime entity.Runtime, opts ...Option) *Graph {
	g := &Graph{store: store, runtime: runtime, logger: noopLogger{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Runtime returns the entity runtime the graph materializes into.
func (g *Graph) Runtime() entity.Runtime { return g.runtime }

// InstantiateTemplate materializes the template and every nested instance
// region into a new root instance. Nothing stays materialized on failure.
func (g *Graph) InstantiateTemplate(ctx context.Context, id domain.TemplateID) (*Instance, error) {
	var inst *Instance
	err := g.store.View(ctx, func(view domain.TransactionView) error {
		tpl, ok := view.FindTemplate(id)
		if !ok {
			return domain.TemplateNotFound(id)
		}
		var err error
		inst, err = g.build(view, tpl.ID, tpl.DOM, "", domain.InvalidLinkID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.roots = append(g.roots, inst)
	g.mu.Unlock()
	g.logger.Debug("instantiated template", "template", id, "entities", len(inst.entityIDs()))
	return inst, nil
}

func (g *Graph) build(view domain.TransactionView, templateID domain.TemplateID, doc dom.Value, alias domain.InstanceAlias, linkID domain.LinkID, parent *Instance) (inst *Instance, err error) {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return nil, fmt.Errorf("%w: template %s document is %s", domain.ErrInstantiationFailed, templateID, dom.KindOf(doc))
	}
	inst = &Instance{
		graph:      g,
		templateID: templateID,
		alias:      alias,
		linkID:     linkID,
		parent:     parent,
		source:     domain.TemplateSource(doc),
		entities:   make(map[string]entity.ID),
		nested:     make(map[domain.InstanceAlias]*Instance),
	}
	defer func() {
		if err != nil {
			g.runtime.Teardown(inst.entityIDs()...)
			inst.markDestroyed()
			inst = nil
		}
	}()

	containerDoc := obj[domain.MemberContainerEntity]
	if containerDoc == nil {
		containerDoc = map[string]any{domain.EntityMemberID: domain.MemberContainerEntity}
	}
	if inst.container, err = g.runtime.Materialize(domain.MemberContainerEntity, containerDoc); err != nil {
		return nil, err
	}

	entities, err := objectMember(obj, domain.MemberEntities, templateID)
	if err != nil {
		return nil, err
	}
	for _, entityAlias := range dom.SortedKeys(entities) {
		id, err := g.runtime.Materialize(entityAlias, entities[entityAlias])
		if err != nil {
			return nil, err
		}
		inst.entities[entityAlias] = id
	}

	regions, err := objectMember(obj, domain.MemberInstances, templateID)
	if err != nil {
		return nil, err
	}
	for _, nestedAlias := range dom.SortedKeys(regions) {
		link, ok := view.FindLinkByAlias(templateID, nestedAlias)
		if !ok {
			g.logger.Warn("skipping nested instance region without link", "template", templateID, "alias", nestedAlias)
			continue
		}
		child, err := g.build(view, link.Target, regions[nestedAlias], nestedAlias, link.ID, inst)
		if err != nil {
			return nil, fmt.Errorf("nested instance %q of template %s: %w", nestedAlias, templateID, err)
		}
		inst.nested[nestedAlias] = child
	}
	return inst, nil
}

func objectMember(obj map[string]any, member string, templateID domain.TemplateID) (map[string]any, error) {
	raw, present := obj[member]
	if !present || raw == nil {
		return nil, nil
	}
	out, ok := dom.AsObject(raw)
	if !ok {
		return nil, fmt.Errorf("%w: template %s member %s is %s", domain.ErrInstantiationFailed, templateID, member, dom.KindOf(raw))
	}
	return out, nil
}

// Rebuild discards the instance's materialized subtree and re-derives it in
// place from the current template state, keeping its alias and owner. On
// failure the previous subtree is left untouched.
func (g *Graph) Rebuild(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.destroyed {
		return fmt.Errorf("%w: instance destroyed", domain.ErrNotFound)
	}
	var fresh *Instance
	err := g.store.View(ctx, func(view domain.TransactionView) error {
		doc, err := g.documentFor(view, inst)
		if err != nil {
			return err
		}
		fresh, err = g.build(view, inst.templateID, doc, inst.alias, inst.linkID, inst.parent)
		return err
	})
	if err != nil {
		return err
	}
	g.runtime.Teardown(inst.entityIDs()...)
	for _, child := range inst.nested {
		child.markDestroyed()
	}
	inst.source = fresh.source
	inst.container = fresh.container
	inst.entities = fresh.entities
	inst.nested = fresh.nested
	for _, child := range inst.nested {
		child.parent = inst
	}
	return nil
}

// documentFor resolves the document an instance derives from: the template
// document for roots and for ad hoc nested instances, the owner's region for
// link-driven nested instances.
func (g *Graph) documentFor(view domain.TransactionView, inst *Instance) (dom.Value, error) {
	if inst.parent != nil && inst.linkID.Valid() {
		link, ok := view.FindLink(inst.linkID)
		if !ok {
			return nil, domain.LinkNotFound(inst.linkID)
		}
		owner, ok := view.FindTemplate(link.Source)
		if !ok {
			return nil, domain.TemplateNotFound(link.Source)
		}
		if region, ok := domain.InstanceRegion(owner.DOM, link.Alias); ok {
			return region, nil
		}
	}
	tpl, ok := view.FindTemplate(inst.templateID)
	if !ok {
		return nil, domain.TemplateNotFound(inst.templateID)
	}
	return tpl.DOM, nil
}

// AddInstance transfers ownership of the root instance child into parent at
// alias, generating the smallest free alias when alias is empty. linkID
// records the link backing the nesting, if any.
func (g *Graph) AddInstance(parent, child *Instance, alias domain.InstanceAlias, linkID domain.LinkID) (domain.InstanceAlias, error) {
	if parent == nil || child == nil || parent.destroyed || child.destroyed {
		return "", fmt.Errorf("%w: instance destroyed", domain.ErrNotFound)
	}
	if child.parent != nil {
		return "", fmt.Errorf("%w: instance already owned by %q", domain.ErrAliasCollision, child.parent.AliasPath())
	}
	if parent.Root() == child {
		return "", fmt.Errorf("%w: instance cannot own its own ancestor", domain.ErrCycle)
	}
	if alias == "" {
		alias = domain.GenerateAlias(func(a domain.InstanceAlias) bool {
			_, taken := parent.nested[a]
			return taken
		})
	}
	if _, taken := parent.nested[alias]; taken {
		return "", domain.AliasCollisionError{Owner: "instance of template " + parent.templateID.String(), Alias: alias}
	}
	g.unregister(child)
	child.parent = parent
	child.alias = alias
	child.linkID = linkID
	parent.nested[alias] = child
	return alias, nil
}

// Destroy tears down the instance and all of its descendants and detaches
// it from its owner or from the root registry.
func (g *Graph) Destroy(inst *Instance) {
	if inst == nil || inst.destroyed {
		return
	}
	g.runtime.Teardown(inst.entityIDs()...)
	if inst.parent != nil {
		delete(inst.parent.nested, inst.alias)
	} else {
		g.unregister(inst)
	}
	inst.markDestroyed()
}

// DestroyAll tears down every live root instance.
func (g *Graph) DestroyAll() {
	for _, root := range g.Roots() {
		g.Destroy(root)
	}
}

func (g *Graph) unregister(inst *Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.roots {
		if r == inst {
			g.roots = append(g.roots[:i], g.roots[i+1:]...)
			return
		}
	}
}

// Roots returns the live root instances in instantiation order.
func (g *Graph) Roots() []*Instance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Instance(nil), g.roots...)
}

// InstancesOf returns the live root instances bound to id.
func (g *Graph) InstancesOf(id domain.TemplateID) []*Instance {
	var out []*Instance
	for _, r := range g.Roots() {
		if r.templateID == id {
			out = append(out, r)
		}
	}
	return out
}

// HasInstancesOf reports whether any live instance, root or nested, is bound
// to id.
func (g *Graph) HasInstancesOf(id domain.TemplateID) bool {
	for _, r := range g.Roots() {
		if r.templateID == id || len(r.NestedInstances(id)) > 0 {
			return true
		}
	}
	return false
}

// IsInstantiationFailure reports whether err came from entity materialization.
func IsInstantiationFailure(err error) bool {
	return errors.Is(err, domain.ErrInstantiationFailed)
}
