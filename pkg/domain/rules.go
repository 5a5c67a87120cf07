package domain

import (
	"context"
	"fmt"
)

// RuleView provides read-only access to templates and links for rule evaluation.
type RuleView interface {
	ListTemplates() []Template
	ListLinks() []Link
	FindTemplate(id TemplateID) (Template, bool)
	FindLink(id LinkID) (Link, bool)
	LinksFrom(source TemplateID) []Link
}

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine. Nil rules are ignored.
func (e *RulesEngine) Register(rule Rule) {
	if rule != nil {
		e.rules = append(e.rules, rule)
	}
}

// Rules returns the registered rules in evaluation order.
func (e *RulesEngine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every rule in registration order and merges their
// violations. The first rule error stops evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}
