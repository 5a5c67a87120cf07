// Package entity is the boundary to the entity/component runtime. The
// instance graph only materializes entity documents into live entities and
// tears them down again; component behaviour lives elsewhere.
package entity

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
)

// ID identifies a live entity.
type ID string

// Entity is a live entity materialized from an entity document.
type Entity struct {
	ID         ID
	Alias      string
	Name       string
	Components map[string]any
}

// Document renders the entity in template document form. Runtime IDs are
// not part of the document; Id carries the entity alias.
func (e Entity) Document() map[string]any {
	components := map[string]any{}
	for k, v := range e.Components {
		components[k] = dom.Clone(v)
	}
	return map[string]any{
		domain.EntityMemberID:         e.Alias,
		domain.EntityMemberName:       e.Name,
		domain.EntityMemberComponents: components,
	}
}

// Runtime materializes and tears down entities.
type Runtime interface {
	Materialize(alias string, doc dom.Value) (ID, error)
	Teardown(ids ...ID)
	Entity(id ID) (Entity, bool)
}

// MaterializeHook lets tests veto the creation of specific entities. It runs
// without the runtime lock held and may call back into the runtime.
type MaterializeHook func(alias string, doc map[string]any) error

// MemoryRuntime keeps live entities in a map. It is safe for concurrent use.
type MemoryRuntime struct {
	mu       sync.RWMutex
	entities map[ID]Entity
	hook     MaterializeHook
}

var _ Runtime = (*MemoryRuntime)(nil)

// NewMemoryRuntime returns an empty runtime.
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{entities: make(map[ID]Entity)}
}

// SetMaterializeHook installs hook; nil removes it.
func (r *MemoryRuntime) SetMaterializeHook(hook MaterializeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Materialize creates a live entity from an entity document of the form
// {"Id","Name","Components":{...}}. Missing members default to empty.
func (r *MemoryRuntime) Materialize(alias string, doc dom.Value) (ID, error) {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return "", fmt.Errorf("%w: entity %q is %s, not an object", domain.ErrInstantiationFailed, alias, dom.KindOf(doc))
	}
	name := alias
	if raw, present := obj[domain.EntityMemberName]; present && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: entity %q name is %s", domain.ErrInstantiationFailed, alias, dom.KindOf(raw))
		}
		name = s
	}
	components := map[string]any{}
	if raw, present := obj[domain.EntityMemberComponents]; present && raw != nil {
		comps, ok := dom.AsObject(raw)
		if !ok {
			return "", fmt.Errorf("%w: entity %q components are %s", domain.ErrInstantiationFailed, alias, dom.KindOf(raw))
		}
		for k, v := range comps {
			components[k] = dom.Clone(v)
		}
	}

	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()
	if hook != nil {
		if err := hook(alias, obj); err != nil {
			return "", fmt.Errorf("%w: entity %q: %v", domain.ErrInstantiationFailed, alias, err)
		}
	}

	id := ID(uuid.NewString())
	r.mu.Lock()
	r.entities[id] = Entity{ID: id, Alias: alias, Name: name, Components: components}
	r.mu.Unlock()
	return id, nil
}

// Teardown destroys the given entities. Unknown IDs are ignored.
func (r *MemoryRuntime) Teardown(ids ...ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.entities, id)
	}
}

// Entity returns a copy of a live entity.
func (r *MemoryRuntime) Entity(id ID) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return Entity{}, false
	}
	cp := e
	cp.Components = make(map[string]any, len(e.Components))
	for k, v := range e.Components {
		cp.Components[k] = dom.Clone(v)
	}
	return cp, true
}

// SetComponent overwrites one component of a live entity, standing in for an
// editor edit.
func (r *MemoryRuntime) SetComponent(id ID, component string, value dom.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return domain.NotFoundError{Entity: "entity", ID: string(id)}
	}
	norm, err := dom.Normalize(value)
	if err != nil {
		return err
	}
	e.Components[component] = norm
	r.entities[id] = e
	return nil
}

// Count returns the number of live entities.
func (r *MemoryRuntime) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// IDs returns every live entity ID, sorted.
func (r *MemoryRuntime) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.entities))
	for id := range r.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
