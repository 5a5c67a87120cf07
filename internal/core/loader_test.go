package core

import (
	"errors"
	"testing"
	"testing/fstest"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

func prefabFS() fstest.MapFS {
	return fstest.MapFS{
		"Levels/Root.prefab": {Data: []byte(`{
			// authored by hand
			"Source": "Levels/Root.prefab",
			"ContainerEntity": {"Id": "ContainerEntity", "Name": "Root", "Components": {}},
			"Entities": {},
			"Instances": {
				"a0": {
					"Source": "Props/Child.prefab",
					"Patches": [{"op": "replace", "path": "/Entities/Entity_1/Components/Props/p", "value": 3}],
				},
				"a1": {"Source": "./Props/Child.prefab"}
			}
		}`)},
		"Props/Child.prefab": {Data: []byte(childDoc)},
		"Loop/A.prefab":      {Data: []byte(`{"Instances": {"b": {"Source": "Loop/B.prefab"}}}`)},
		"Loop/B.prefab":      {Data: []byte(`{"Instances": {"a": {"Source": "Loop/A.prefab"}}}`)},
		"Broken.prefab":      {Data: []byte(`{"Instances": {"x": {"Patches": []}}}`)},
		"Array.prefab":       {Data: []byte(`[1, 2]`)},
	}
}

func TestLoadTemplateResolvesNestedSources(t *testing.T) {
	f := newFixture(t)
	root, err := f.svc.LoadTemplate(f.ctx, prefabFS(), "Levels/Root.prefab")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	child, err := f.svc.FindTemplateByPath("Props/Child.prefab")
	if err != nil {
		t.Fatalf("nested template not registered: %v", err)
	}
	if len(f.svc.ListTemplates()) != 2 || len(f.svc.ListLinks()) != 2 {
		t.Fatalf("expected 2 templates and 2 links, got %d/%d", len(f.svc.ListTemplates()), len(f.svc.ListLinks()))
	}
	region, ok := domain.InstanceRegion(root.DOM, "a0")
	if !ok {
		t.Fatalf("expected flattened region a0")
	}
	if v, _ := propPath.Get(region); v != 3.0 {
		t.Fatalf("region a0 should carry the patch, got %v", v)
	}

	inst := f.instantiate(root.ID)
	a0, _ := inst.FindNestedInstance("a0")
	a1, _ := inst.FindNestedInstance("a1")
	if f.prop(a0) != 3 || f.prop(a1) != 0 {
		t.Fatalf("unexpected nested values %v/%v", f.prop(a0), f.prop(a1))
	}
	if got := inst.GetNestedInstanceAliases(child.ID); len(got) != 2 {
		t.Fatalf("expected two nested child instances, got %v", got)
	}

	again, err := f.svc.LoadTemplate(f.ctx, prefabFS(), "./Levels/Root.prefab")
	if err != nil || again.ID != root.ID {
		t.Fatalf("reloading should reuse the template, got %v %v", again.ID, err)
	}
}

func TestExportTemplateRoundTrip(t *testing.T) {
	f := newFixture(t)
	root, err := f.svc.LoadTemplate(f.ctx, prefabFS(), "Levels/Root.prefab")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	exported, err := f.svc.ExportTemplate(f.ctx, root.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	entry, err := dom.MustParsePointer("/Instances/a0").Get(exported)
	if err != nil {
		t.Fatalf("missing a0: %v", err)
	}
	obj := entry.(map[string]any)
	if obj["Source"] != "Props/Child.prefab" {
		t.Fatalf("unexpected source %v", obj["Source"])
	}
	p, err := patch.FromValue(obj["Patches"])
	if err != nil || len(p) != 1 || !p[0].Path.Equal(propPath) {
		t.Fatalf("unexpected patches %v (%v)", p, err)
	}
	if _, err := dom.MustParsePointer("/Instances/a0/Entities").Get(exported); err == nil {
		t.Fatalf("exported instance must not contain the flattened region")
	}

	raw, err := dom.Serialize(exported)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	fsys := prefabFS()
	fsys["Copy.prefab"] = &fstest.MapFile{Data: raw}
	other := newFixture(t)
	copyTpl, err := other.svc.LoadTemplate(other.ctx, fsys, "Copy.prefab")
	if err != nil {
		t.Fatalf("reload export: %v", err)
	}
	want, _ := domain.InstanceRegion(root.DOM, "a0")
	got, _ := domain.InstanceRegion(copyTpl.DOM, "a0")
	if !dom.Equal(want, got) {
		t.Fatalf("reloaded region differs")
	}
}

func TestLoadTemplateFailures(t *testing.T) {
	cases := []struct {
		name string
		path string
		want error
	}{
		{name: "cycle", path: "Loop/A.prefab", want: domain.ErrCycle},
		{name: "missing file", path: "Nope.prefab", want: domain.ErrNotFound},
		{name: "instance without source", path: "Broken.prefab", want: domain.ErrInvalidDocument},
		{name: "not an object", path: "Array.prefab", want: domain.ErrInvalidDocument},
		{name: "escaping path", path: "../outside.prefab", want: domain.ErrInvalidDocument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.svc.LoadTemplate(f.ctx, prefabFS(), tc.path); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := len(f.svc.ListTemplates()); n != 0 {
				t.Fatalf("failed load must not register templates, have %d", n)
			}
		})
	}
}

func TestExportTemplateNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ExportTemplate(f.ctx, 7); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
