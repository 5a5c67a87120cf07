package core

import (
	"context"
	"fmt"

	"prefabcore/internal/propagation"
	"prefabcore/pkg/domain"
)

// DefaultMaxNestingDepth is the nesting depth above which the default engine
// warns.
const DefaultMaxNestingDepth = 16

// NestingDepthRule warns when a template nests other templates more than
// max levels deep.
func NestingDepthRule(max int) domain.Rule {
	return nestingDepthRule{max: max}
}

type nestingDepthRule struct {
	max int
}

func (nestingDepthRule) Name() string { return "nesting_depth" }

func (r nestingDepthRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if r.max <= 0 || !touchesLinks(changes) {
		return res, nil
	}
	graph, err := propagation.NestingGraph(view)
	if err != nil {
		// cycles are reported by link_cycle
		return res, nil
	}
	levels, err := graph.TopologicalSortLevels()
	if err != nil {
		return res, nil
	}
	depth := make(map[domain.TemplateID]int)
	for _, level := range levels {
		for _, id := range level {
			d := 0
			for _, l := range view.LinksFrom(id) {
				if depth[l.Target]+1 > d {
					d = depth[l.Target] + 1
				}
			}
			depth[id] = d
			if d > r.max {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "nesting_depth",
					Severity: domain.SeverityWarn,
					Message:  fmt.Sprintf("template %s nests %d levels deep (limit %d)", id, d, r.max),
					Entity:   domain.EntityTemplate,
					EntityID: id.String(),
				})
			}
		}
	}
	return res, nil
}

func touchesLinks(changes []domain.Change) bool {
	for _, change := range changes {
		if change.Entity == domain.EntityLink {
			return true
		}
	}
	return false
}
