package propagation

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"prefabcore/internal/entity"
	"prefabcore/internal/infra/persistence/memory"
	"prefabcore/internal/instance"
	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

var propPath = dom.MustParsePointer("/Entities/Entity_1/Components/Props/p")

type hookedGraph struct {
	*instance.Graph
	before func(*instance.Instance) error
}

func (h hookedGraph) Rebuild(ctx context.Context, inst *instance.Instance) error {
	if h.before != nil {
		if err := h.before(inst); err != nil {
			return err
		}
	}
	return h.Graph.Rebuild(ctx, inst)
}

type recordingObserver struct {
	reports []Report
}

func (o *recordingObserver) ObserveDrain(r Report, _ time.Duration) { o.reports = append(o.reports, r) }

type env struct {
	store   *memory.Store
	runtime *entity.MemoryRuntime
	graph   *hookedGraph
	exec    *Executor
	root    domain.Template
	child   domain.Template
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	store := memory.NewStore(nil)
	rt := entity.NewMemoryRuntime()
	g := &hookedGraph{Graph: instance.NewGraph(store, rt)}
	e := &env{store: store, runtime: rt, graph: g, exec: NewExecutor(store, g, opts...)}
	e.root = e.create(t, "Root.prefab", nil)
	e.child = e.create(t, "Child.prefab", dom.MustParse(`{
		"Source": "Child.prefab",
		"ContainerEntity": {"Id": "ContainerEntity", "Name": "Child", "Components": {}},
		"Entities": {"Entity_1": {"Id": "Entity_1", "Name": "box", "Components": {"Props": {"p": 0}}}},
		"Instances": {}
	}`))
	return e
}

func (e *env) create(t *testing.T, path string, doc dom.Value) domain.Template {
	t.Helper()
	var created domain.Template
	if _, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateTemplate(path, doc)
		return err
	}); err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	return created
}

func (e *env) link(t *testing.T, source, target domain.TemplateID, p patch.Patch) domain.Link {
	t.Helper()
	var created domain.Link
	if _, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateLink(domain.Link{Source: source, Target: target, Patch: p})
		return err
	}); err != nil {
		t.Fatalf("create link: %v", err)
	}
	return created
}

func (e *env) setProp(t *testing.T, value float64) patch.Patch {
	t.Helper()
	p := patch.Patch{patch.Replace(propPath, value)}
	if _, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.PatchTemplate(e.child.ID, p)
		return err
	}); err != nil {
		t.Fatalf("patch child: %v", err)
	}
	return p
}

func (e *env) instantiate(t *testing.T, id domain.TemplateID) *instance.Instance {
	t.Helper()
	inst, err := e.graph.InstantiateTemplate(context.Background(), id)
	if err != nil {
		t.Fatalf("instantiate %s: %v", id, err)
	}
	return inst
}

func prop(t *testing.T, rt *entity.MemoryRuntime, inst *instance.Instance) float64 {
	t.Helper()
	id, ok := inst.EntityID("Entity_1")
	if !ok {
		t.Fatalf("no Entity_1 in %q", inst.AliasPath())
	}
	ent, _ := rt.Entity(id)
	v, err := dom.MustParsePointer("/Props/p").Get(ent.Components)
	if err != nil {
		t.Fatalf("read p: %v", err)
	}
	return v.(float64)
}

func serialize(t *testing.T, inst *instance.Instance) string {
	t.Helper()
	raw, err := dom.Serialize(inst.Document())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return string(raw)
}

func TestDrainFansOutToEveryNestedInstance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.link(t, e.root.ID, e.child.ID, nil)
	e.link(t, e.root.ID, e.child.ID, nil)
	root := e.instantiate(t, e.root.ID)
	standalone := e.instantiate(t, e.child.ID)

	e.setProp(t, 1)
	if err := e.exec.MarkDirty(ctx, e.child.ID); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	if got, _ := e.store.GetTemplate(e.root.ID); !got.Dirty {
		t.Fatalf("nesting template should be flagged dirty")
	}
	if !e.exec.HasPending() {
		t.Fatalf("expected pending work")
	}
	report, err := e.exec.UpdateTemplateInstancesInQueue(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !reflect.DeepEqual(report.Templates, []domain.TemplateID{e.child.ID, e.root.ID}) {
		t.Fatalf("expected most nested first, got %v", report.Templates)
	}
	if report.Rebuilt != 2 {
		t.Fatalf("expected two root rebuilds, got %d", report.Rebuilt)
	}
	for _, alias := range []string{"a0", "a1"} {
		nested, ok := root.FindNestedInstance(alias)
		if !ok || prop(t, e.runtime, nested) != 1 {
			t.Fatalf("nested %s did not pick up the edit", alias)
		}
	}
	if prop(t, e.runtime, standalone) != 1 {
		t.Fatalf("standalone instance did not pick up the edit")
	}
	for _, id := range []domain.TemplateID{e.root.ID, e.child.ID} {
		if got, _ := e.store.GetTemplate(id); got.Dirty {
			t.Fatalf("template %s still dirty", id)
		}
	}
	if e.exec.HasPending() {
		t.Fatalf("queue should be empty")
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.link(t, e.root.ID, e.child.ID, patch.Patch{patch.Replace(propPath, 4.0)})
	root := e.instantiate(t, e.root.ID)
	e.setProp(t, 2)
	e.exec.Enqueue(e.child.ID)
	if _, err := e.exec.UpdateTemplateInstancesInQueue(ctx); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	first := serialize(t, root)

	report, err := e.exec.UpdateTemplateInstancesInQueue(ctx)
	if err != nil || len(report.Templates) != 0 {
		t.Fatalf("empty drain should be a no-op: %+v %v", report, err)
	}
	e.exec.Enqueue(e.child.ID, e.child.ID)
	if got := e.exec.Pending(); len(got) != 1 {
		t.Fatalf("queue should deduplicate, got %v", got)
	}
	if _, err := e.exec.UpdateTemplateInstancesInQueue(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if second := serialize(t, root); second != first {
		t.Fatalf("re-propagation changed the graph:\n%s\n%s", first, second)
	}
	nested, _ := root.FindNestedInstance("a0")
	if prop(t, e.runtime, nested) != 4 {
		t.Fatalf("link patch should override the template value")
	}
}

func TestDrainIsolatesInstanceFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	broken := e.instantiate(t, e.child.ID)
	healthy := e.instantiate(t, e.child.ID)
	cause := errors.New("runtime rejected rebuild")
	e.graph.before = func(inst *instance.Instance) error {
		if inst == broken {
			return cause
		}
		return nil
	}
	e.setProp(t, 9)
	e.exec.Enqueue(e.child.ID)
	report, err := e.exec.UpdateTemplateInstancesInQueue(ctx)
	if !errors.Is(err, domain.ErrPartialPropagation) || !errors.Is(err, cause) {
		t.Fatalf("expected partial propagation failure, got %v", err)
	}
	var perr *domain.PropagationError
	if !errors.As(err, &perr) || len(perr.Failures) != 1 || perr.Failures[0].Instance != "root" {
		t.Fatalf("unexpected failures %+v", perr)
	}
	if report.Rebuilt != 1 || prop(t, e.runtime, healthy) != 9 || prop(t, e.runtime, broken) != 0 {
		t.Fatalf("sibling rebuild should proceed and failed instance stay stale")
	}
}

func TestSettleFailureLeavesTemplateStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.link(t, e.root.ID, e.child.ID, patch.Patch{patch.Replace(propPath, 3.0)})
	root := e.instantiate(t, e.root.ID)
	before := serialize(t, root)

	if _, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.ReplaceTemplateDOM(e.child.ID, domain.NewTemplateDOM("Child.prefab"))
		return err
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := e.exec.MarkDirty(ctx, e.child.ID); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	_, err := e.exec.UpdateTemplateInstancesInQueue(ctx)
	if !errors.Is(err, domain.ErrPatchFailed) || !errors.Is(err, domain.ErrPartialPropagation) {
		t.Fatalf("expected patch failure, got %v", err)
	}
	if serialize(t, root) != before {
		t.Fatalf("instances of an unsettled template must keep their state")
	}
	if got, _ := e.store.GetTemplate(e.root.ID); !got.Dirty {
		t.Fatalf("unsettled template should stay dirty")
	}
	if got, _ := e.store.GetTemplate(e.child.ID); got.Dirty {
		t.Fatalf("settled template should be clean")
	}
}

func TestEditsDuringDrainAreDeferred(t *testing.T) {
	obs := &recordingObserver{}
	e := newEnv(t, WithObserver(obs))
	ctx := context.Background()
	e.link(t, e.root.ID, e.child.ID, nil)
	e.instantiate(t, e.child.ID)
	var nestedErr, markErr error
	fired := false
	e.graph.before = func(*instance.Instance) error {
		if fired {
			return nil
		}
		fired = true
		markErr = e.exec.MarkDirty(ctx, e.child.ID)
		_, nestedErr = e.exec.UpdateTemplateInstancesInQueue(ctx)
		if !e.exec.Draining() {
			t.Errorf("drain flag not set during rebuild")
		}
		return nil
	}
	e.exec.Enqueue(e.child.ID)
	report, err := e.exec.UpdateTemplateInstancesInQueue(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if markErr != nil {
		t.Fatalf("mark dirty during drain: %v", markErr)
	}
	if !errors.Is(nestedErr, domain.ErrPropagationPending) {
		t.Fatalf("nested drain should be refused, got %v", nestedErr)
	}
	if !reflect.DeepEqual(report.Deferred, []domain.TemplateID{e.child.ID}) {
		t.Fatalf("deferred = %v", report.Deferred)
	}
	if got := e.exec.Pending(); !reflect.DeepEqual(got, []domain.TemplateID{e.child.ID}) {
		t.Fatalf("deferred edit should wait for the next drain, got %v", got)
	}
	for _, id := range []domain.TemplateID{e.child.ID, e.root.ID} {
		if tpl, _ := e.store.GetTemplate(id); !tpl.Dirty {
			t.Fatalf("template %s should stay dirty while queued", id)
		}
	}
	if len(obs.reports) != 1 {
		t.Fatalf("observer should see the outer drain only, got %d", len(obs.reports))
	}

	if _, err := e.exec.UpdateTemplateInstancesInQueue(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	for _, id := range []domain.TemplateID{e.child.ID, e.root.ID} {
		if tpl, _ := e.store.GetTemplate(id); tpl.Dirty {
			t.Fatalf("template %s should be clean after the next drain", id)
		}
	}
}

func TestOverlappingEditsAreReported(t *testing.T) {
	e := newEnv(t)
	first := e.setProp(t, 1)
	second := patch.Patch{patch.Replace(dom.MustParsePointer("/Entities/Entity_1"), map[string]any{"Id": "Entity_1"})}
	e.exec.RecordEdit(e.child.ID, first)
	e.exec.RecordEdit(e.child.ID, second)
	e.exec.RecordEdit(e.root.ID, first)
	e.exec.Enqueue(e.child.ID)
	report, err := e.exec.UpdateTemplateInstancesInQueue(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(report.Overlaps) != 1 || report.Overlaps[0].Template != e.child.ID || report.Overlaps[0].Later.String() != "/Entities/Entity_1" {
		t.Fatalf("overlaps = %+v", report.Overlaps)
	}
}

func TestNestingGraphOrdersAndRejectsUnknownTemplates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	leaf := e.create(t, "Leaf.prefab", nil)
	e.link(t, e.child.ID, leaf.ID, nil)
	e.link(t, e.root.ID, e.child.ID, nil)
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		order, err := affectedTemplates(view, []domain.TemplateID{leaf.ID, 404})
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(order, []domain.TemplateID{leaf.ID, e.child.ID, e.root.ID}) {
			t.Fatalf("order = %v", order)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := e.exec.MarkDirty(ctx, 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
