// Package instance holds the live instance graph: trees of instances derived
// from templates, each materialized into runtime entities.
package instance

import (
	"sort"
	"strings"

	"prefabcore/internal/entity"
	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
)

// Instance is a live, materialized derivation of a template. It has no
// identity of its own beyond its position in the graph (owner plus alias)
// and its container entity. An owner exclusively owns its nested instances.
// Instances are not safe for concurrent mutation.
type Instance struct {
	graph      *Graph
	templateID domain.TemplateID
	alias      domain.InstanceAlias
	linkID     domain.LinkID
	parent     *Instance
	source     string
	container  entity.ID
	entities   map[string]entity.ID
	nested     map[domain.InstanceAlias]*Instance
	destroyed  bool
}

// TemplateID returns the template the instance is bound to.
func (i *Instance) TemplateID() domain.TemplateID { return i.templateID }

// Alias returns the instance's alias within its owner; roots have none.
func (i *Instance) Alias() domain.InstanceAlias { return i.alias }

// LinkID returns the link that produced a nested instance.
func (i *Instance) LinkID() domain.LinkID { return i.linkID }

// Parent returns the owning instance, or nil for roots.
func (i *Instance) Parent() *Instance { return i.parent }

// Source returns the source path recorded in the instantiated document.
func (i *Instance) Source() string { return i.source }

// ContainerEntityID returns the entity representing the instance as a whole.
func (i *Instance) ContainerEntityID() entity.ID { return i.container }

// Destroyed reports whether the instance has been torn down.
func (i *Instance) Destroyed() bool { return i.destroyed }

// EntityID returns the live entity materialized for an entity alias.
func (i *Instance) EntityID(alias string) (entity.ID, bool) {
	id, ok := i.entities[alias]
	return id, ok
}

// EntityAliases lists the entity aliases of this instance, sorted. The
// container entity is not included.
func (i *Instance) EntityAliases() []string {
	out := make([]string, 0, len(i.entities))
	for alias := range i.entities {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// NestedAliases lists the aliases of direct nested instances, sorted.
func (i *Instance) NestedAliases() []domain.InstanceAlias {
	out := make([]domain.InstanceAlias, 0, len(i.nested))
	for alias := range i.nested {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// FindNestedInstance returns the direct nested instance at alias. Absence is
// not an error.
func (i *Instance) FindNestedInstance(alias domain.InstanceAlias) (*Instance, bool) {
	child, ok := i.nested[alias]
	return child, ok
}

// GetNestedInstanceAliases returns the aliases of every instance in this
// instance's subtree bound to templateID, in depth-first alias order.
func (i *Instance) GetNestedInstanceAliases(templateID domain.TemplateID) []domain.InstanceAlias {
	var out []domain.InstanceAlias
	i.walkNested(func(n *Instance) {
		if n.templateID == templateID {
			out = append(out, n.alias)
		}
	})
	return out
}

// NestedInstances returns every instance of the subtree below i bound to
// templateID, in depth-first alias order.
func (i *Instance) NestedInstances(templateID domain.TemplateID) []*Instance {
	var out []*Instance
	i.walkNested(func(n *Instance) {
		if n.templateID == templateID {
			out = append(out, n)
		}
	})
	return out
}

func (i *Instance) walkNested(fn func(*Instance)) {
	for _, alias := range i.NestedAliases() {
		child := i.nested[alias]
		fn(child)
		child.walkNested(fn)
	}
}

// AliasPath joins the aliases from the root down to i with "/". Roots
// return the empty string.
func (i *Instance) AliasPath() string {
	var parts []string
	for n := i; n != nil && n.parent != nil; n = n.parent {
		parts = append(parts, n.alias)
	}
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	return strings.Join(parts, "/")
}

// Root returns the top of the tree containing i.
func (i *Instance) Root() *Instance {
	n := i
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// Document regenerates the template document from the live entities. It
// reflects runtime edits that have not been written back to the template.
func (i *Instance) Document() dom.Value {
	doc := map[string]any{
		domain.MemberSource: i.source,
	}
	if e, ok := i.graph.runtime.Entity(i.container); ok {
		doc[domain.MemberContainerEntity] = e.Document()
	}
	entities := map[string]any{}
	for alias, id := range i.entities {
		if e, ok := i.graph.runtime.Entity(id); ok {
			entities[alias] = e.Document()
		}
	}
	doc[domain.MemberEntities] = entities
	nested := map[string]any{}
	for alias, child := range i.nested {
		nested[alias] = child.Document()
	}
	doc[domain.MemberInstances] = nested
	return doc
}

// EntityDocument renders one live entity of this instance (container
// included) in template document form.
func (i *Instance) EntityDocument(id entity.ID) (dom.Value, bool) {
	if _, ok := i.EntityPath(id); !ok {
		return nil, false
	}
	e, ok := i.graph.runtime.Entity(id)
	if !ok {
		return nil, false
	}
	return e.Document(), true
}

// EntityPath returns where an entity of this instance lives in the template
// document: /ContainerEntity or /Entities/<alias>.
func (i *Instance) EntityPath(id entity.ID) (dom.Pointer, bool) {
	if id == i.container {
		return dom.NewPointer(domain.MemberContainerEntity), true
	}
	for alias, eid := range i.entities {
		if eid == id {
			return dom.NewPointer(domain.MemberEntities, alias), true
		}
	}
	return nil, false
}

// entityIDs collects every live entity of the subtree, container first.
func (i *Instance) entityIDs() []entity.ID {
	var out []entity.ID
	if i.container != "" {
		out = append(out, i.container)
	}
	for _, alias := range i.EntityAliases() {
		out = append(out, i.entities[alias])
	}
	for _, alias := range i.NestedAliases() {
		out = append(out, i.nested[alias].entityIDs()...)
	}
	return out
}

func (i *Instance) markDestroyed() {
	i.destroyed = true
	for _, child := range i.nested {
		child.markDestroyed()
	}
}
