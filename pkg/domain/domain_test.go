package domain

import (
	"context"
	"errors"
	"testing"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/patch"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "cycle", Cause: ErrCycle}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if err.Error() == "" {
		t.Fatalf("expected error string")
	}
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected rule violation to unwrap to ErrCycle")
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	engine.Register(nil)
	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
	if len(engine.Rules()) != 1 {
		t.Fatalf("expected one registered rule")
	}
}

func TestRulesEngineStopsOnError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(failingRule{})
	engine.Register(staticRule{"never"})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, nil); err == nil {
		t.Fatalf("expected rule error")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !errors.Is(TemplateNotFound(7), ErrNotFound) {
		t.Fatalf("template not found should match ErrNotFound")
	}
	if !errors.Is(LinkNotFound(3), ErrNotFound) {
		t.Fatalf("link not found should match ErrNotFound")
	}
	if !errors.Is(AliasCollisionError{Owner: "template 1", Alias: "a0"}, ErrAliasCollision) {
		t.Fatalf("alias collision should match sentinel")
	}
	if !errors.Is(ErrPatchFailed, patch.ErrFailed) {
		t.Fatalf("patch failures should share one sentinel")
	}
	cause := errors.New("boom")
	perr := &PropagationError{Failures: []PropagationFailure{{Template: 2, Instance: "a0", Err: cause}}}
	if !errors.Is(perr, ErrPartialPropagation) || !errors.Is(perr, cause) {
		t.Fatalf("propagation error should match sentinel and cause")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		`Prefabs\Car.prefab`:       "Prefabs/Car.prefab",
		"./Prefabs//Car.prefab":    "Prefabs/Car.prefab",
		"Prefabs/../Car.prefab":    "Car.prefab",
		"":                         "",
		"Prefabs/Wheel.prefab":     "Prefabs/Wheel.prefab",
		"prefabs/wheel.prefab":     "prefabs/wheel.prefab",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTemplateLayoutHelpers(t *testing.T) {
	doc := NewTemplateDOM("Prefabs/Car.prefab")
	if TemplateSource(doc) != "Prefabs/Car.prefab" {
		t.Fatalf("unexpected source %q", TemplateSource(doc))
	}
	name, err := dom.MustParsePointer("/ContainerEntity/Name").Get(doc)
	if err != nil || name != "Car" {
		t.Fatalf("container name = %v (%v)", name, err)
	}
	if err := SetInstanceRegion(doc, "wheel", map[string]any{"Source": "Wheel.prefab"}); err != nil {
		t.Fatalf("set region: %v", err)
	}
	if _, ok := InstanceRegion(doc, "wheel"); !ok {
		t.Fatalf("expected region")
	}
	if got := InstanceRegionAliases(doc); len(got) != 1 || got[0] != "wheel" {
		t.Fatalf("aliases = %v", got)
	}
	RemoveInstanceRegion(doc, "wheel")
	if _, ok := InstanceRegion(doc, "wheel"); ok {
		t.Fatalf("expected region removed")
	}
	if err := SetInstanceRegion([]any{}, "x", nil); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
}

func TestTemplateCloneIsDeep(t *testing.T) {
	tpl := Template{ID: 1, DOM: dom.MustParse(`{"a":{"b":1}}`), Nested: []LinkID{1}}
	cp := tpl.Clone()
	cp.DOM.(map[string]any)["a"].(map[string]any)["b"] = 2.0
	cp.Nested[0] = 9
	if !dom.Equal(tpl.DOM, dom.MustParse(`{"a":{"b":1}}`)) || tpl.Nested[0] != 1 {
		t.Fatalf("clone shares state with original")
	}
}

func TestChangeTemplateIDs(t *testing.T) {
	c := Change{Entity: EntityLink, Action: ActionUpdate, Before: Link{Source: 4}, After: Link{Source: 4}}
	if ids := c.TemplateIDs(); len(ids) != 2 || ids[0] != 4 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type failingRule struct{}

func (failingRule) Name() string { return "failing" }

func (failingRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{}, errors.New("rule failure")
}

type emptyView struct{}

func (emptyView) ListTemplates() []Template                { return nil }
func (emptyView) ListLinks() []Link                        { return nil }
func (emptyView) FindTemplate(TemplateID) (Template, bool) { return Template{}, false }
func (emptyView) FindLink(LinkID) (Link, bool)             { return Link{}, false }
func (emptyView) LinksFrom(TemplateID) []Link              { return nil }
