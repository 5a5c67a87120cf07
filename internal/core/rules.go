package core

import "prefabcore/pkg/domain"

// NewRulesEngine constructs an engine with no rules.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LinkCycleRule())
	engine.Register(NestingDepthRule(DefaultMaxNestingDepth))
	return engine
}
