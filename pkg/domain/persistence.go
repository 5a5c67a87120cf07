package domain

import (
	"context"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/patch"
)

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	ListTemplates() []Template
	ListLinks() []Link
	FindTemplate(id TemplateID) (Template, bool)
	FindTemplateByPath(path string) (Template, bool)
	FindLink(id LinkID) (Link, bool)
	FindLinkByAlias(source TemplateID, alias InstanceAlias) (Link, bool)
	// LinksFrom returns the links owned by source, sorted by alias.
	LinksFrom(source TemplateID) []Link
	// LinksTo returns the links whose target is target, sorted by ID.
	LinksTo(target TemplateID) []Link
}

// Transaction exposes the template store operations that a persistence
// implementation must support within an atomic scope. Every mutation is
// recorded as a Change.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	Changes() []Change
	CreateTemplate(path string, doc dom.Value) (Template, error)
	ReplaceTemplateDOM(id TemplateID, doc dom.Value) (Template, error)
	PatchTemplate(id TemplateID, p patch.Patch) (Template, error)
	SetDirty(id TemplateID, dirty bool) error
	DeleteTemplate(id TemplateID) error
	// CreateLink stores a new link. A valid link.ID is reused when it is
	// free; otherwise a fresh handle is allocated.
	CreateLink(link Link) (Link, error)
	UpdateLinkPatch(id LinkID, p patch.Patch) (Link, error)
	DeleteLink(id LinkID) error
	// SyncLinkRegion rewrites the link's nested instance region inside its
	// source document from the target document and the link patch.
	SyncLinkRegion(id LinkID) error
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetTemplate(id TemplateID) (Template, bool)
	GetTemplateByPath(path string) (Template, bool)
	GetLink(id LinkID) (Link, bool)
	ListTemplates() []Template
	ListLinks() []Link
	RulesEngine() *RulesEngine
}
