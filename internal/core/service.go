package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prefabcore/internal/entity"
	"prefabcore/internal/infra/persistence/memory"
	"prefabcore/internal/instance"
	"prefabcore/internal/propagation"
	"prefabcore/internal/undo"
	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

// Service wires the template store, the live instance graph, the
// propagation executor and the undo history behind one editing surface.
type Service struct {
	store   PersistentStore
	runtime entity.Runtime
	graph   *instance.Graph
	exec    *propagation.Executor
	history *undo.Stack

	clock   Clock
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runtime == nil {
		cfg.runtime = entity.NewMemoryRuntime()
	}
	if clocked, ok := store.(interface{ SetNowFunc(func() time.Time) }); ok {
		clocked.SetNowFunc(cfg.clock.Now)
	}
	observers := append([]propagation.Observer(nil), cfg.observers...)
	if obs, ok := cfg.metrics.(propagation.Observer); ok {
		observers = append(observers, obs)
	}

	graph := instance.NewGraph(store, cfg.runtime, instance.WithLogger(cfg.logger))
	execOpts := []propagation.Option{propagation.WithLogger(cfg.logger)}
	for _, o := range observers {
		execOpts = append(execOpts, propagation.WithObserver(o))
	}
	return &Service{
		store:   store,
		runtime: cfg.runtime,
		graph:   graph,
		exec:    propagation.NewExecutor(store, graph, execOpts...),
		history: undo.NewStack(cfg.historyLimit),
		clock:   cfg.clock,
		logger:  cfg.logger,
		audit:   cfg.audit,
		metrics: cfg.metrics,
		tracer:  cfg.tracer,
	}
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine. A nil engine selects the default rule set.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Graph returns the live instance graph.
func (s *Service) Graph() *instance.Graph { return s.graph }

// Executor returns the propagation executor.
func (s *Service) Executor() *propagation.Executor { return s.exec }

// History returns the undo history.
func (s *Service) History() *undo.Stack { return s.history }

// Runtime returns the entity runtime instances materialize into.
func (s *Service) Runtime() entity.Runtime { return s.runtime }

type auditOperation struct {
	entity EntityType
	action Action
}

var auditOperations = map[string]auditOperation{
	"create_template":      {EntityTemplate, ActionCreate},
	"replace_template_dom": {EntityTemplate, ActionUpdate},
	"patch_template":       {EntityTemplate, ActionUpdate},
	"mark_dirty":           {EntityTemplate, ActionUpdate},
	"remove_template":      {EntityTemplate, ActionDelete},
	"load_template":        {EntityTemplate, ActionCreate},
	"create_link":          {EntityLink, ActionCreate},
	"update_link_patch":    {EntityLink, ActionUpdate},
	"remove_link":          {EntityLink, ActionDelete},
	"instantiate_template": {EntityInstance, ActionCreate},
	"add_instance":         {EntityInstance, ActionUpdate},
	"destroy_instance":     {EntityInstance, ActionDelete},
	"update_instances":     {EntityInstance, ActionUpdate},
	"undo":                 {EntityTemplate, ActionUpdate},
	"redo":                 {EntityTemplate, ActionUpdate},
	"unregister_all":       {EntityTemplate, ActionDelete},
}

// run traces, times, logs and audits one service operation. fn returns the
// identifier of the entity it touched.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := s.clock.Now()
	id, err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)

	if err != nil {
		s.logger.Error("operation failed", "operation", op, "id", id, "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", op, "id", id, "duration", duration)
	}

	meta, ok := auditOperations[op]
	if !ok {
		return err
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  id,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: start,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
	return err
}

func (s *Service) logViolations(op string, res Result) {
	for _, v := range res.Violations {
		if v.Severity == SeverityBlock {
			continue
		}
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", v.Severity, "entity", v.Entity, "id", v.EntityID, "message", v.Message)
	}
}

// CreateTemplate registers a template at path. A nil document yields an
// empty template document.
func (s *Service) CreateTemplate(ctx context.Context, path string, doc dom.Value) (Template, Result, error) {
	var created Template
	var res Result
	err := s.run(ctx, "create_template", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = tx.CreateTemplate(path, doc)
			return err
		})
		s.logViolations("create_template", res)
		return created.ID.String(), err
	})
	return created, res, err
}

// FindTemplate returns the template record.
func (s *Service) FindTemplate(id TemplateID) (Template, error) {
	t, ok := s.store.GetTemplate(id)
	if !ok {
		return Template{}, domain.TemplateNotFound(id)
	}
	return t, nil
}

// FindTemplateDOM returns a copy of the template document.
func (s *Service) FindTemplateDOM(id TemplateID) (dom.Value, error) {
	t, err := s.FindTemplate(id)
	if err != nil {
		return nil, err
	}
	return dom.Clone(t.DOM), nil
}

// FindTemplateByPath resolves a source path to its template.
func (s *Service) FindTemplateByPath(path string) (Template, error) {
	t, ok := s.store.GetTemplateByPath(domain.NormalizePath(path))
	if !ok {
		return Template{}, domain.NotFoundError{Entity: EntityTemplate, ID: path}
	}
	return t, nil
}

// ListTemplates returns every template ordered by ID.
func (s *Service) ListTemplates() []Template { return s.store.ListTemplates() }

// ListLinks returns every link ordered by ID.
func (s *Service) ListLinks() []Link { return s.store.ListLinks() }

// ReplaceTemplateDOM swaps the template document as an undoable edit and
// marks the template dirty.
func (s *Service) ReplaceTemplateDOM(ctx context.Context, id TemplateID, doc dom.Value) (Template, Result, error) {
	node := undo.NewTemplateEdit("replace template "+id.String(), s.store, s.exec)
	return s.editTemplate(ctx, "replace_template_dom", id, node, func(ctx context.Context) error {
		return node.Capture(ctx, id, doc)
	})
}

// PatchTemplate applies p to the template document as an undoable edit. A
// patch that does not apply leaves the template untouched.
func (s *Service) PatchTemplate(ctx context.Context, id TemplateID, p patch.Patch) (Template, Result, error) {
	node := undo.NewTemplateEdit("patch template "+id.String(), s.store, s.exec)
	return s.editTemplate(ctx, "patch_template", id, node, func(ctx context.Context) error {
		return node.CapturePatch(ctx, id, p)
	})
}

func (s *Service) editTemplate(ctx context.Context, op string, id TemplateID, node *undo.TemplateEdit, capture func(context.Context) error) (Template, Result, error) {
	var updated Template
	err := s.run(ctx, op, func(ctx context.Context) (string, error) {
		if err := capture(ctx); err != nil {
			return id.String(), err
		}
		if err := s.history.Do(ctx, node); err != nil {
			return id.String(), err
		}
		s.logViolations(op, node.Result())
		var err error
		updated, err = s.FindTemplate(id)
		return id.String(), err
	})
	return updated, node.Result(), err
}

// MarkDirty flags the template and its nesting ancestors and queues the
// template for the next drain.
func (s *Service) MarkDirty(ctx context.Context, id TemplateID) error {
	return s.run(ctx, "mark_dirty", func(ctx context.Context) (string, error) {
		return id.String(), s.exec.MarkDirty(ctx, id)
	})
}

// RemoveTemplate unregisters a template. It fails with ErrTemplateInUse
// while a link targets the template or a live instance is bound to it.
func (s *Service) RemoveTemplate(ctx context.Context, id TemplateID) (Result, error) {
	var res Result
	err := s.run(ctx, "remove_template", func(ctx context.Context) (string, error) {
		if s.graph.HasInstancesOf(id) {
			return id.String(), fmt.Errorf("%w: template %s has live instances", domain.ErrTemplateInUse, id)
		}
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			return tx.DeleteTemplate(id)
		})
		return id.String(), err
	})
	return res, err
}

// CreateLink nests target inside source at alias with patch p as an undoable
// edit. An empty alias selects the smallest free generated alias.
func (s *Service) CreateLink(ctx context.Context, source, target TemplateID, alias InstanceAlias, p patch.Patch) (Link, Result, error) {
	node := undo.NewInstanceLink("create link", s.store, s.exec)
	var created Link
	err := s.run(ctx, "create_link", func(ctx context.Context) (string, error) {
		if alias == "" {
			alias = s.freeAlias(ctx, source, nil)
		}
		if err := node.CaptureWithPatch(ctx, source, target, alias, p, domain.InvalidLinkID); err != nil {
			return "", err
		}
		if err := s.history.Do(ctx, node); err != nil {
			return "", err
		}
		s.logViolations("create_link", node.Result())
		var err error
		created, err = s.FindLink(node.LinkID())
		return node.LinkID().String(), err
	})
	return created, node.Result(), err
}

// UpdateLinkPatch replaces a link's patch as an undoable edit.
func (s *Service) UpdateLinkPatch(ctx context.Context, id LinkID, p patch.Patch) (Link, Result, error) {
	node := undo.NewLinkUpdate("update link "+id.String(), s.store, s.exec)
	var updated Link
	err := s.run(ctx, "update_link_patch", func(ctx context.Context) (string, error) {
		if err := node.Capture(ctx, p, id); err != nil {
			return id.String(), err
		}
		if err := s.history.Do(ctx, node); err != nil {
			return id.String(), err
		}
		s.logViolations("update_link_patch", node.Result())
		var err error
		updated, err = s.FindLink(id)
		return id.String(), err
	})
	return updated, node.Result(), err
}

// RemoveLink deletes a link as an undoable edit.
func (s *Service) RemoveLink(ctx context.Context, id LinkID) (Result, error) {
	node := undo.NewInstanceLink("remove link "+id.String(), s.store, s.exec)
	err := s.run(ctx, "remove_link", func(ctx context.Context) (string, error) {
		if err := node.CaptureRemoval(ctx, id); err != nil {
			return id.String(), err
		}
		return id.String(), s.history.Do(ctx, node)
	})
	return node.Result(), err
}

// FindLink returns the link record.
func (s *Service) FindLink(id LinkID) (Link, error) {
	l, ok := s.store.GetLink(id)
	if !ok {
		return Link{}, domain.LinkNotFound(id)
	}
	return l, nil
}

// FindLinkByAlias returns the link source owns at alias.
func (s *Service) FindLinkByAlias(ctx context.Context, source TemplateID, alias InstanceAlias) (Link, error) {
	var found Link
	err := s.store.View(ctx, func(view TransactionView) error {
		l, ok := view.FindLinkByAlias(source, alias)
		if !ok {
			return domain.NotFoundError{Entity: EntityLink, ID: source.String() + "/" + alias}
		}
		found = l
		return nil
	})
	return found, err
}

// freeAlias returns the smallest generated alias unused by the links of
// source and by the nested instances of parent.
func (s *Service) freeAlias(ctx context.Context, source TemplateID, parent *instance.Instance) InstanceAlias {
	used := make(map[InstanceAlias]struct{})
	_ = s.store.View(ctx, func(view TransactionView) error {
		for _, l := range view.LinksFrom(source) {
			used[l.Alias] = struct{}{}
		}
		return nil
	})
	if parent != nil {
		for _, a := range parent.NestedAliases() {
			used[a] = struct{}{}
		}
	}
	return domain.GenerateAlias(func(a InstanceAlias) bool {
		_, taken := used[a]
		return taken
	})
}

// InstantiateTemplate materializes a new live root instance of the template.
func (s *Service) InstantiateTemplate(ctx context.Context, id TemplateID) (*instance.Instance, error) {
	var inst *instance.Instance
	err := s.run(ctx, "instantiate_template", func(ctx context.Context) (string, error) {
		var err error
		inst, err = s.graph.InstantiateTemplate(ctx, id)
		return id.String(), err
	})
	return inst, err
}

// DestroyInstance tears down the instance and its descendants.
func (s *Service) DestroyInstance(ctx context.Context, inst *instance.Instance) error {
	return s.run(ctx, "destroy_instance", func(context.Context) (string, error) {
		if inst == nil {
			return "", fmt.Errorf("%w: nil instance", domain.ErrNotFound)
		}
		path := inst.AliasPath()
		s.graph.Destroy(inst)
		return path, nil
	})
}

// AddInstance nests the root instance child inside parent. It records a
// link from parent's template to child's template at alias as an undoable
// edit and moves child under parent. An empty alias selects the smallest
// alias free in both the template and the instance.
func (s *Service) AddInstance(ctx context.Context, parent, child *instance.Instance, alias InstanceAlias) (InstanceAlias, Result, error) {
	node := undo.NewInstanceLink("add instance", s.store, s.exec)
	err := s.run(ctx, "add_instance", func(ctx context.Context) (string, error) {
		if parent == nil || child == nil || parent.Destroyed() || child.Destroyed() {
			return "", fmt.Errorf("%w: instance destroyed", domain.ErrNotFound)
		}
		if child.Parent() != nil {
			return "", fmt.Errorf("%w: instance already owned by %q", domain.ErrAliasCollision, child.Parent().AliasPath())
		}
		if parent.Root() == child {
			return "", fmt.Errorf("%w: instance cannot own its own ancestor", domain.ErrCycle)
		}
		if alias == "" {
			alias = s.freeAlias(ctx, parent.TemplateID(), parent)
		} else if _, taken := parent.FindNestedInstance(alias); taken {
			return alias, domain.AliasCollisionError{Owner: "instance " + parent.AliasPath(), Alias: alias}
		}
		if err := node.Capture(ctx, parent.TemplateID(), child.TemplateID(), alias); err != nil {
			return alias, err
		}
		if err := node.Redo(ctx); err != nil {
			return alias, err
		}
		if _, err := s.graph.AddInstance(parent, child, alias, node.LinkID()); err != nil {
			if undoErr := node.Undo(ctx); undoErr != nil {
				err = errors.Join(err, undoErr)
			}
			return alias, err
		}
		s.history.Record(node)
		s.logViolations("add_instance", node.Result())
		return alias, nil
	})
	if err != nil {
		return "", node.Result(), err
	}
	return alias, node.Result(), nil
}

// UpdateTemplateInstancesInQueue drains the propagation queue.
func (s *Service) UpdateTemplateInstancesInQueue(ctx context.Context) (propagation.Report, error) {
	var report propagation.Report
	err := s.run(ctx, "update_instances", func(ctx context.Context) (string, error) {
		var err error
		report, err = s.exec.UpdateTemplateInstancesInQueue(ctx)
		return "", err
	})
	return report, err
}

// PendingPropagation lists the templates queued for the next drain.
func (s *Service) PendingPropagation() []TemplateID { return s.exec.Pending() }

// HasPendingPropagation reports whether a drain has queued work or is
// running.
func (s *Service) HasPendingPropagation() bool { return s.exec.HasPending() }

// Undo reverts the most recent edit. Live instances change after the next
// drain.
func (s *Service) Undo(ctx context.Context) error {
	return s.run(ctx, "undo", func(ctx context.Context) (string, error) {
		return "", s.history.Undo(ctx)
	})
}

// Redo reapplies the most recently undone edit.
func (s *Service) Redo(ctx context.Context) error {
	return s.run(ctx, "redo", func(ctx context.Context) (string, error) {
		return "", s.history.Redo(ctx)
	})
}

// UnregisterAll tears down every live instance, removes every template
// (nesting templates before the templates they nest) and clears the undo
// history and the propagation queue.
func (s *Service) UnregisterAll(ctx context.Context) error {
	return s.run(ctx, "unregister_all", func(ctx context.Context) (string, error) {
		if s.exec.Draining() {
			return "", fmt.Errorf("%w: cannot unregister during a drain", domain.ErrPropagationPending)
		}
		s.graph.DestroyAll()
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			graph, err := propagation.NestingGraph(tx)
			if err != nil {
				return err
			}
			order, err := graph.TopologicalSort()
			if err != nil {
				return err
			}
			for i := len(order) - 1; i >= 0; i-- {
				if err := tx.DeleteTemplate(order[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		s.history.Clear()
		s.exec.Reset()
		return "", nil
	})
}
