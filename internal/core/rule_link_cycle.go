package core

import (
	"context"
	"errors"
	"fmt"

	"prefabcore/internal/propagation"
	"prefabcore/pkg/domain"
)

// LinkCycleRule blocks link changes that make a template nest itself,
// directly or through other templates.
func LinkCycleRule() domain.Rule {
	return linkCycleRule{}
}

type linkCycleRule struct{}

func (linkCycleRule) Name() string { return "link_cycle" }

func (linkCycleRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	var touched *domain.Link
	for _, change := range changes {
		if change.Entity != domain.EntityLink || change.After == nil {
			continue
		}
		if l, ok := change.After.(domain.Link); ok {
			touched = &l
			break
		}
	}
	if touched == nil {
		return res, nil
	}
	if _, err := propagation.NestingGraph(view); err != nil {
		if !errors.Is(err, domain.ErrCycle) {
			return domain.Result{}, err
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "link_cycle",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("link %q from template %s to template %s creates a nesting cycle", touched.Alias, touched.Source, touched.Target),
			Entity:   domain.EntityLink,
			EntityID: touched.ID.String(),
			Cause:    domain.ErrCycle,
		})
	}
	return res, nil
}
