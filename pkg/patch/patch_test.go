package patch

import (
	"encoding/json"
	"errors"
	"testing"

	"prefabcore/pkg/dom"
)

func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name          string
		before, after string
	}{
		{"identical", `{"a":1}`, `{"a":1}`},
		{"scalar change", `{"a":1}`, `{"a":2}`},
		{"kind change", `{"a":1}`, `{"a":{"b":1}}`},
		{"member add and remove", `{"a":1,"b":2}`, `{"b":2,"c":3}`},
		{"nested", `{"e":{"x":{"p":0,"q":[1,2]}}}`, `{"e":{"x":{"p":1,"q":[1,3,4]}}}`},
		{"array shrink", `[1,2,3,4]`, `[1]`},
		{"array grow", `[]`, `[{"a":1},null,"s"]`},
		{"root replace", `[1]`, `{"a":1}`},
		{"to null", `{"a":{"b":1}}`, `{"a":null}`},
		{"escaped keys", `{"a/b":{"~":1}}`, `{"a/b":{"~":2,"c/d":true}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := dom.MustParse(tc.before)
			after := dom.MustParse(tc.after)
			p := Diff(before, after)
			got, err := ApplyCopy(before, p)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !dom.Equal(got, after) {
				t.Fatalf("round trip mismatch: got %#v want %#v (patch %#v)", got, after, p)
			}
			if !dom.Equal(before, dom.MustParse(tc.before)) {
				t.Fatalf("ApplyCopy mutated its input")
			}
		})
	}
}

func TestDiffPrefersReplaceForScalars(t *testing.T) {
	p := Diff(dom.MustParse(`{"a":1}`), dom.MustParse(`{"a":"x"}`))
	if len(p) != 1 || p[0].Op != OpReplace || p[0].Path.String() != "/a" {
		t.Fatalf("expected single replace, got %#v", p)
	}
}

func TestDiffArrayOrdering(t *testing.T) {
	p := Diff(dom.MustParse(`[1,2,3]`), dom.MustParse(`[5]`))
	want := Patch{
		Replace(dom.MustParsePointer("/0"), 5.0),
		Remove(dom.MustParsePointer("/2")),
		Remove(dom.MustParsePointer("/1")),
	}
	if !p.Equal(want) {
		t.Fatalf("unexpected patch %#v", p)
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	if p := Diff(dom.MustParse(`{"a":[1,{"b":2}]}`), dom.MustParse(`{"a":[1,{"b":2}]}`)); !p.IsEmpty() {
		t.Fatalf("expected empty patch, got %#v", p)
	}
}

func TestApplyFailures(t *testing.T) {
	doc := dom.MustParse(`{"a":{"b":[1]}}`)
	cases := []struct {
		name string
		op   Operation
	}{
		{"remove missing", Remove(dom.MustParsePointer("/missing"))},
		{"replace missing", Replace(dom.MustParsePointer("/a/c"), 1.0)},
		{"add under missing parent", Add(dom.MustParsePointer("/x/y"), 1.0)},
		{"array index out of range", Add(dom.MustParsePointer("/a/b/5"), 1.0)},
		{"remove past end", Remove(dom.MustParsePointer("/a/b/1"))},
		{"remove root", Remove(dom.Pointer{})},
		{"through scalar", Add(dom.MustParsePointer("/a/b/0/z"), 1.0)},
		{"unknown op", Operation{Op: "move", Path: dom.MustParsePointer("/a")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ApplyCopy(doc, Patch{tc.op})
			if !errors.Is(err, ErrFailed) {
				t.Fatalf("expected ErrFailed, got %v", err)
			}
			var opErr *OpError
			if !errors.As(err, &opErr) || opErr.Index != 0 {
				t.Fatalf("expected OpError at index 0, got %v", err)
			}
		})
	}
}

func TestApplyIsOrdered(t *testing.T) {
	doc := dom.MustParse(`{}`)
	p := Patch{
		Add(dom.MustParsePointer("/list"), []any{}),
		Add(dom.MustParsePointer("/list/-"), "a"),
		Add(dom.MustParsePointer("/list/0"), "b"),
		Replace(dom.MustParsePointer("/list/1"), "c"),
	}
	got, err := ApplyCopy(doc, p)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !dom.Equal(got, dom.MustParse(`{"list":["b","c"]}`)) {
		t.Fatalf("unexpected result %#v", got)
	}
	// Reordered operations do not produce the same result.
	if _, err := ApplyCopy(doc, Patch{p[1], p[0]}); err == nil {
		t.Fatalf("expected reordered patch to fail")
	}
}

func TestApplyDoesNotAliasPatchValues(t *testing.T) {
	value := map[string]any{"k": 1.0}
	got, err := ApplyCopy(dom.MustParse(`{}`), Patch{Add(dom.MustParsePointer("/v"), value)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	value["k"] = 2.0
	if !dom.Equal(got, dom.MustParse(`{"v":{"k":1}}`)) {
		t.Fatalf("document aliased the patch value")
	}
}

func TestAppendPrefixes(t *testing.T) {
	p := Patch{Replace(dom.MustParsePointer("/Components/Transform/x"), 1.0)}
	aliased := AppendAliasPrefix(p, "a0")
	if got := aliased[0].Path.String(); got != "/Instances/a0/Components/Transform/x" {
		t.Fatalf("alias prefix = %s", got)
	}
	if p[0].Path.String() != "/Components/Transform/x" {
		t.Fatalf("prefixing mutated the input")
	}
	if got := AppendEntityAliasPrefix(p, "", true)[0].Path.String(); got != "/ContainerEntity/Components/Transform/x" {
		t.Fatalf("container prefix = %s", got)
	}
	if got := AppendEntityAliasPrefix(p, "Entity_1", false)[0].Path.String(); got != "/Entities/Entity_1/Components/Transform/x" {
		t.Fatalf("entity prefix = %s", got)
	}
}

func TestPatchJSON(t *testing.T) {
	p := Patch{
		Add(dom.MustParsePointer("/a"), nil),
		Remove(dom.MustParsePointer("/b")),
		Replace(dom.MustParsePointer("/c~1d"), map[string]any{"x": 1.0}),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[{"op":"add","path":"/a","value":null},{"op":"remove","path":"/b"},{"op":"replace","path":"/c~1d","value":{"x":1}}]`
	if string(raw) != want {
		t.Fatalf("marshal = %s", raw)
	}
	back, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(p) {
		t.Fatalf("json round trip mismatch")
	}
	if _, err := Parse([]byte(`[{"op":"move","path":"/a"}]`)); err == nil {
		t.Fatalf("expected unsupported op error")
	}
	if _, err := Parse([]byte(`[{"op":"add","path":"/a"}]`)); err == nil {
		t.Fatalf("expected missing value error")
	}
}

func TestPatchValueRoundTrip(t *testing.T) {
	p := Patch{Replace(dom.MustParsePointer("/p"), 1.0)}
	v, err := p.ToValue()
	if err != nil {
		t.Fatalf("to value: %v", err)
	}
	back, err := FromValue(v)
	if err != nil {
		t.Fatalf("from value: %v", err)
	}
	if !back.Equal(p) {
		t.Fatalf("value round trip mismatch")
	}
	empty, err := FromValue(nil)
	if err != nil || empty != nil {
		t.Fatalf("nil value should give nil patch")
	}
}

func TestOverlapping(t *testing.T) {
	a := []dom.Pointer{dom.MustParsePointer("/Entities/e1")}
	b := []dom.Pointer{dom.MustParsePointer("/Entities/e1/Name"), dom.MustParsePointer("/Entities/e2")}
	if got := Overlapping(a, b); len(got) != 1 {
		t.Fatalf("expected one overlap, got %d", len(got))
	}
}
