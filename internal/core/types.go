package core

import "prefabcore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Action             = domain.Action
	Severity           = domain.Severity
	Template           = domain.Template
	Link               = domain.Link
	TemplateID         = domain.TemplateID
	LinkID             = domain.LinkID
	InstanceAlias      = domain.InstanceAlias
	Change             = domain.Change
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RuleView           = domain.RuleView
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
)

const (
	EntityTemplate = domain.EntityTemplate
	EntityLink     = domain.EntityLink
	EntityInstance = domain.EntityInstance
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
