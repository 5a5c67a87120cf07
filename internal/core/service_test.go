package core

import (
	"errors"
	"reflect"
	"testing"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

var propPath = dom.MustParsePointer("/Entities/Entity_1/Components/Props/p")

func TestServiceAddInstanceUndoRedo(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	child := f.template("Child.prefab", childDoc)

	rootInst := f.instantiate(root)
	childInst := f.instantiate(child)
	alias, _, err := f.svc.AddInstance(f.ctx, rootInst, childInst, "")
	if err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if alias != "a0" {
		t.Fatalf("expected alias a0, got %q", alias)
	}
	want := []InstanceAlias{"a0"}
	if got := rootInst.GetNestedInstanceAliases(child); !reflect.DeepEqual(got, want) {
		t.Fatalf("aliases after add: %v", got)
	}
	f.drain()
	if got := rootInst.GetNestedInstanceAliases(child); !reflect.DeepEqual(got, want) {
		t.Fatalf("aliases after drain: %v", got)
	}

	if err := f.svc.Undo(f.ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	f.drain()
	if got := rootInst.GetNestedInstanceAliases(child); len(got) != 0 {
		t.Fatalf("expected no aliases after undo, got %v", got)
	}
	if got := f.instantiate(root).GetNestedInstanceAliases(child); len(got) != 0 {
		t.Fatalf("fresh instance after undo: %v", got)
	}

	if err := f.svc.Redo(f.ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	f.drain()
	if got := rootInst.GetNestedInstanceAliases(child); !reflect.DeepEqual(got, want) {
		t.Fatalf("aliases after redo: %v", got)
	}
	if got := f.instantiate(root).GetNestedInstanceAliases(child); !reflect.DeepEqual(got, want) {
		t.Fatalf("fresh instance after redo: %v", got)
	}
}

func TestServiceAddInstanceRejections(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	child := f.template("Child.prefab", childDoc)
	rootInst := f.instantiate(root)

	first := f.instantiate(child)
	if _, _, err := f.svc.AddInstance(f.ctx, rootInst, first, "slot"); err != nil {
		t.Fatalf("add: %v", err)
	}

	second := f.instantiate(child)
	if _, _, err := f.svc.AddInstance(f.ctx, rootInst, second, "slot"); !errors.Is(err, domain.ErrAliasCollision) {
		t.Fatalf("expected alias collision, got %v", err)
	}
	if _, _, err := f.svc.AddInstance(f.ctx, second, first, ""); !errors.Is(err, domain.ErrAliasCollision) {
		t.Fatalf("expected owned child to be rejected, got %v", err)
	}
	if _, _, err := f.svc.AddInstance(f.ctx, rootInst, rootInst, ""); !errors.Is(err, domain.ErrCycle) {
		t.Fatalf("expected cycle, got %v", err)
	}
	if n := len(f.svc.ListLinks()); n != 1 {
		t.Fatalf("rejected adds must not leave links, have %d", n)
	}
	if n := f.svc.History().Len(); n != 1 {
		t.Fatalf("rejected adds must not be recorded, history has %d", n)
	}
	if second.Parent() != nil {
		t.Fatalf("rejected child should stay a root")
	}
}

func TestServiceLinkCycleBlocked(t *testing.T) {
	f := newFixture(t)
	a := f.template("A.prefab", "")
	b := f.template("B.prefab", "")
	c := f.template("C.prefab", "")

	if _, _, err := f.svc.CreateLink(f.ctx, a, b, "", nil); err != nil {
		t.Fatalf("link a->b: %v", err)
	}
	if _, _, err := f.svc.CreateLink(f.ctx, b, c, "", nil); err != nil {
		t.Fatalf("link b->c: %v", err)
	}
	_, _, err := f.svc.CreateLink(f.ctx, c, a, "", nil)
	if !errors.Is(err, domain.ErrCycle) {
		t.Fatalf("expected cycle, got %v", err)
	}
	if _, _, err := f.svc.CreateLink(f.ctx, a, a, "", nil); !errors.Is(err, domain.ErrCycle) {
		t.Fatalf("expected self nesting to fail, got %v", err)
	}
	if n := len(f.svc.ListLinks()); n != 2 {
		t.Fatalf("expected 2 links, got %d", n)
	}
	if n := f.svc.History().Len(); n != 2 {
		t.Fatalf("expected 2 recorded edits, got %d", n)
	}
}

func TestServicePatchTemplateFanOut(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	child := f.template("Child.prefab", childDoc)
	for i := 0; i < 2; i++ {
		if _, _, err := f.svc.CreateLink(f.ctx, root, child, "", nil); err != nil {
			t.Fatalf("link %d: %v", i, err)
		}
	}
	f.drain()
	rootInst := f.instantiate(root)
	standalone := f.instantiate(child)

	if _, _, err := f.svc.PatchTemplate(f.ctx, child, patch.Patch{patch.Replace(propPath, 1.0)}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !f.svc.HasPendingPropagation() {
		t.Fatalf("edit should queue propagation")
	}
	report, err := f.svc.UpdateTemplateInstancesInQueue(f.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !reflect.DeepEqual(report.Templates, []TemplateID{child, root}) {
		t.Fatalf("unexpected drain order %v", report.Templates)
	}

	nested := rootInst.NestedInstances(child)
	if len(nested) != 2 {
		t.Fatalf("expected 2 nested instances, got %d", len(nested))
	}
	for _, inst := range append(nested, standalone) {
		if p := f.prop(inst); p != 1 {
			t.Fatalf("instance %q: p=%v", inst.AliasPath(), p)
		}
	}

	if err := f.svc.Undo(f.ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	f.drain()
	for _, inst := range append(rootInst.NestedInstances(child), standalone) {
		if p := f.prop(inst); p != 0 {
			t.Fatalf("instance %q after undo: p=%v", inst.AliasPath(), p)
		}
	}
}

func TestServicePatchTemplateFailureLeavesTemplate(t *testing.T) {
	f := newFixture(t)
	child := f.template("Child.prefab", childDoc)
	before, _ := f.svc.FindTemplateDOM(child)

	bad := patch.Patch{patch.Replace(propPath, 2.0), patch.Remove(dom.MustParsePointer("/Missing"))}
	if _, _, err := f.svc.PatchTemplate(f.ctx, child, bad); !errors.Is(err, domain.ErrPatchFailed) {
		t.Fatalf("expected patch failure, got %v", err)
	}
	after, _ := f.svc.FindTemplateDOM(child)
	if !dom.Equal(before, after) {
		t.Fatalf("failed patch modified the template")
	}
	if f.svc.HasPendingPropagation() || f.svc.History().Len() != 0 {
		t.Fatalf("failed patch must not queue or record")
	}
}

func TestServiceUpdateLinkPatch(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	child := f.template("Child.prefab", childDoc)
	first, _, err := f.svc.CreateLink(f.ctx, root, child, "", nil)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, _, err := f.svc.CreateLink(f.ctx, root, child, "", nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	f.drain()
	rootInst := f.instantiate(root)

	updated, _, err := f.svc.UpdateLinkPatch(f.ctx, first.ID, patch.Patch{patch.Replace(propPath, 5.0)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Patch) != 1 {
		t.Fatalf("expected stored patch, got %v", updated.Patch)
	}
	f.drain()
	a0, _ := rootInst.FindNestedInstance("a0")
	a1, _ := rootInst.FindNestedInstance("a1")
	if f.prop(a0) != 5 || f.prop(a1) != 0 {
		t.Fatalf("expected only a0 patched, got %v/%v", f.prop(a0), f.prop(a1))
	}

	if err := f.svc.Undo(f.ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	f.drain()
	a0, _ = rootInst.FindNestedInstance("a0")
	if f.prop(a0) != 0 {
		t.Fatalf("undo should restore p, got %v", f.prop(a0))
	}
	link, err := f.svc.FindLinkByAlias(f.ctx, root, "a0")
	if err != nil || !link.Patch.IsEmpty() {
		t.Fatalf("expected empty patch after undo, got %v (%v)", link.Patch, err)
	}
}

func TestServiceRemoveLinkUndo(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	child := f.template("Child.prefab", childDoc)
	link, _, err := f.svc.CreateLink(f.ctx, root, child, "slot", patch.Patch{patch.Replace(propPath, 7.0)})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.svc.RemoveLink(f.ctx, link.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.svc.FindLink(link.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected removed link, got %v", err)
	}
	if err := f.svc.Undo(f.ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	restored, err := f.svc.FindLink(link.ID)
	if err != nil {
		t.Fatalf("find restored: %v", err)
	}
	if restored.Alias != "slot" || !restored.Patch.Equal(link.Patch) {
		t.Fatalf("restored link differs: %+v", restored)
	}
}

func TestServiceRemoveTemplate(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	child := f.template("Child.prefab", childDoc)
	link, _, err := f.svc.CreateLink(f.ctx, root, child, "", nil)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.svc.RemoveTemplate(f.ctx, child); !errors.Is(err, domain.ErrTemplateInUse) {
		t.Fatalf("expected template in use, got %v", err)
	}
	if _, err := f.svc.RemoveLink(f.ctx, link.ID); err != nil {
		t.Fatalf("remove link: %v", err)
	}

	inst := f.instantiate(child)
	if _, err := f.svc.RemoveTemplate(f.ctx, child); !errors.Is(err, domain.ErrTemplateInUse) {
		t.Fatalf("expected live instance to block removal, got %v", err)
	}
	if err := f.svc.DestroyInstance(f.ctx, inst); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := f.svc.RemoveTemplate(f.ctx, child); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.svc.FindTemplate(child); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected removed template, got %v", err)
	}
	if _, err := f.svc.FindTemplateByPath("Child.prefab"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected path freed, got %v", err)
	}
}

func TestServiceLookups(t *testing.T) {
	f := newFixture(t)
	child := f.template("Assets/Child.prefab", childDoc)

	if _, _, err := f.svc.CreateTemplate(f.ctx, "Assets/Child.prefab", nil); !errors.Is(err, domain.ErrDuplicatePath) {
		t.Fatalf("expected duplicate path, got %v", err)
	}
	found, err := f.svc.FindTemplateByPath(`./Assets\Child.prefab`)
	if err != nil || found.ID != child {
		t.Fatalf("path lookup: %v %v", found.ID, err)
	}
	if _, err := f.svc.FindTemplate(999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.FindLinkByAlias(f.ctx, child, "a0"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing link, got %v", err)
	}
	doc, err := f.svc.FindTemplateDOM(child)
	if err != nil {
		t.Fatalf("dom: %v", err)
	}
	doc.(map[string]any)["Source"] = "mutated"
	again, _ := f.svc.FindTemplateDOM(child)
	if domain.TemplateSource(again) != "Child.prefab" {
		t.Fatalf("FindTemplateDOM must return a copy")
	}
	if err := f.svc.MarkDirty(f.ctx, child); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	if got := f.svc.PendingPropagation(); !reflect.DeepEqual(got, []TemplateID{child}) {
		t.Fatalf("pending: %v", got)
	}
	if err := f.svc.MarkDirty(f.ctx, 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceUnregisterAll(t *testing.T) {
	f := newFixture(t)
	root := f.template("Root.prefab", "")
	mid := f.template("Mid.prefab", "")
	child := f.template("Child.prefab", childDoc)
	if _, _, err := f.svc.CreateLink(f.ctx, root, mid, "", nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, _, err := f.svc.CreateLink(f.ctx, mid, child, "", nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	f.instantiate(root)
	if f.runtime.Count() == 0 {
		t.Fatalf("expected live entities")
	}

	if err := f.svc.UnregisterAll(f.ctx); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if n := len(f.svc.ListTemplates()); n != 0 {
		t.Fatalf("expected no templates, got %d", n)
	}
	if n := len(f.svc.ListLinks()); n != 0 {
		t.Fatalf("expected no links, got %d", n)
	}
	if f.runtime.Count() != 0 || len(f.svc.Graph().Roots()) != 0 {
		t.Fatalf("expected no live instances")
	}
	if f.svc.History().Len() != 0 || f.svc.HasPendingPropagation() {
		t.Fatalf("expected cleared history and queue")
	}
	if err := f.svc.Undo(f.ctx); err == nil {
		t.Fatalf("expected nothing to undo")
	}
}

func TestServiceHistoryLimit(t *testing.T) {
	f := newFixture(t, WithHistoryLimit(2))
	child := f.template("Child.prefab", childDoc)
	for i := 1; i <= 3; i++ {
		if _, _, err := f.svc.PatchTemplate(f.ctx, child, patch.Patch{patch.Replace(propPath, float64(i))}); err != nil {
			t.Fatalf("patch %d: %v", i, err)
		}
	}
	if n := f.svc.History().Len(); n != 2 {
		t.Fatalf("expected 2 retained edits, got %d", n)
	}
	_ = f.svc.Undo(f.ctx)
	_ = f.svc.Undo(f.ctx)
	doc, _ := f.svc.FindTemplateDOM(child)
	v, _ := propPath.Get(doc)
	if v != 1.0 {
		t.Fatalf("expected oldest retained state p=1, got %v", v)
	}
}
