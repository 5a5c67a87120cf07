// Package domain defines the persistent template and link records, their
// identifiers, and the rule evaluation primitives used by prefabcore.
package domain

import (
	"strconv"
	"time"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/patch"
)

// EntityType identifies the type of record stored in the template store.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityTemplate identifies a template record.
	EntityTemplate EntityType = "template"
	// EntityLink identifies a link record.
	EntityLink EntityType = "link"
	// EntityInstance identifies a live instance; instances are never persisted.
	EntityInstance EntityType = "instance"
)

// TemplateID is an opaque handle for a registered template. Zero is invalid.
type TemplateID uint64

// InvalidTemplateID is the zero handle.
const InvalidTemplateID TemplateID = 0

// Valid reports whether the handle may refer to a template.
func (id TemplateID) Valid() bool { return id != InvalidTemplateID }

func (id TemplateID) String() string { return strconv.FormatUint(uint64(id), 10) }

// LinkID is an opaque handle for a link. Zero is invalid.
type LinkID uint64

// InvalidLinkID is the zero handle.
const InvalidLinkID LinkID = 0

// Valid reports whether the handle may refer to a link.
func (id LinkID) Valid() bool { return id != InvalidLinkID }

func (id LinkID) String() string { return strconv.FormatUint(uint64(id), 10) }

// InstanceAlias names a nested instance slot within its owning template.
type InstanceAlias = string

// Template is the canonical authored document for a reusable object graph.
// Dependents and Nested are derived from the link table when the record is
// read and are sorted by LinkID.
type Template struct {
	ID         TemplateID `json:"id"`
	Path       string     `json:"path"`
	DOM        dom.Value  `json:"dom"`
	Dirty      bool       `json:"dirty"`
	Dependents []LinkID   `json:"dependents,omitempty"`
	Nested     []LinkID   `json:"nested,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Link records that Source nests Target at Alias, with Patch describing the
// nested instance's divergence from Target's raw document.
type Link struct {
	ID     LinkID        `json:"id"`
	Source TemplateID    `json:"source"`
	Target TemplateID    `json:"target"`
	Alias  InstanceAlias `json:"alias"`
	Patch  patch.Patch   `json:"patch"`
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	cp := t
	cp.DOM = dom.Clone(t.DOM)
	cp.Dependents = append([]LinkID(nil), t.Dependents...)
	cp.Nested = append([]LinkID(nil), t.Nested...)
	return cp
}

// Clone returns a deep copy of the link.
func (l Link) Clone() Link {
	cp := l
	cp.Patch = l.Patch.Clone()
	return cp
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// TemplateIDs returns the templates touched by the change, before and after.
func (c Change) TemplateIDs() []TemplateID {
	var out []TemplateID
	add := func(v any) {
		switch rec := v.(type) {
		case Template:
			out = append(out, rec.ID)
		case Link:
			out = append(out, rec.Source)
		}
	}
	add(c.Before)
	add(c.After)
	return out
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed rule evaluation. Cause, when set, is the
// sentinel error a blocking violation surfaces as.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
	Cause    error
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Message != "" {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

// Unwrap exposes the causes of blocking violations so callers can match
// them with errors.Is.
func (e RuleViolationError) Unwrap() []error {
	var out []error
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Cause != nil {
			out = append(out, v.Cause)
		}
	}
	return out
}
