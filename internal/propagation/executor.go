// Package propagation re-derives live instances after template edits. Edits
// only enqueue dirty templates; an explicit drain settles the nested regions
// of every affected template and rebuilds the instances bound to them.
package propagation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"prefabcore/internal/dag"
	"prefabcore/internal/instance"
	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

// Logger is the subset of structured logging used by the executor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// InstanceGraph is the part of the instance graph a drain rebuilds.
type InstanceGraph interface {
	Roots() []*instance.Instance
	Rebuild(ctx context.Context, inst *instance.Instance) error
}

// Observer receives one callback per drain.
type Observer interface {
	ObserveDrain(report Report, duration time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver registers a drain observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Overlap reports two edits to one template in the same batch where one
// path addresses a location inside the other. The later edit wins.
type Overlap struct {
	Template domain.TemplateID
	Earlier  dom.Pointer
	Later    dom.Pointer
}

// Report summarises a drain.
type Report struct {
	// Templates lists every template whose instances were considered, most
	// nested first.
	Templates []domain.TemplateID
	Rebuilt   int
	Failures  []domain.PropagationFailure
	Overlaps  []Overlap
	// Deferred lists templates marked dirty while the drain ran; they stay
	// queued for the next drain.
	Deferred []domain.TemplateID
}

type edit struct {
	template domain.TemplateID
	paths    []dom.Pointer
}

// Executor owns the dirty-template queue and performs drains.
type Executor struct {
	mu        sync.Mutex
	store     domain.PersistentStore
	graph     InstanceGraph
	logger    Logger
	observers []Observer

	queue    []domain.TemplateID
	queued   map[domain.TemplateID]struct{}
	edits    []edit
	draining bool
}

// NewExecutor returns an executor with an empty queue.
func NewExecutor(store domain.PersistentStore, graph InstanceGraph, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		graph:  graph,
		logger: noopLogger{},
		queued: make(map[domain.TemplateID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue adds templates to the dirty queue. Duplicates are ignored. While a
// drain is running the templates wait for the next drain.
//
// Only the propagation waits: a template written during a drain is stored
// at once, so rebuilds later in the same drain already read the new
// document while templates settled earlier do not. The next drain brings
// them back in line.
func (e *Executor) Enqueue(ids ...domain.TemplateID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if !id.Valid() {
			continue
		}
		if _, ok := e.queued[id]; ok {
			continue
		}
		e.queued[id] = struct{}{}
		e.queue = append(e.queue, id)
	}
}

// RecordEdit notes the paths an edit touched on a template so overlapping
// edits within one batch can be reported.
func (e *Executor) RecordEdit(id domain.TemplateID, p patch.Patch) {
	if p.IsEmpty() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edits = append(e.edits, edit{template: id, paths: p.Paths()})
}

// MarkDirty flags id and every template that nests it, directly or
// transitively, and enqueues id for the next drain. Called during a drain it
// behaves like Enqueue: the flags stay set until a later drain.
func (e *Executor) MarkDirty(ctx context.Context, id domain.TemplateID) error {
	_, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindTemplate(id); !ok {
			return domain.TemplateNotFound(id)
		}
		graph, err := NestingGraph(tx)
		if err != nil {
			return err
		}
		for _, dirty := range append([]domain.TemplateID{id}, graph.Ancestors(id)...) {
			if err := tx.SetDirty(dirty, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Enqueue(id)
	return nil
}

// Reset drops queued templates and recorded edits.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
	e.queued = make(map[domain.TemplateID]struct{})
	e.edits = nil
}

// Pending returns the queued templates in enqueue order.
func (e *Executor) Pending() []domain.TemplateID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.TemplateID(nil), e.queue...)
}

// HasPending reports whether a drain has work to do or is running.
func (e *Executor) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0 || e.draining
}

// Draining reports whether a drain is in progress.
func (e *Executor) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// UpdateTemplateInstancesInQueue drains the dirty queue. Every template that
// nests a queued template is included. Templates are settled most nested
// first, then every live instance bound to an affected template is rebuilt
// in place. Instance failures are isolated and reported together as a
// *domain.PropagationError once the whole work set has been processed.
func (e *Executor) UpdateTemplateInstancesInQueue(ctx context.Context) (Report, error) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return Report{}, fmt.Errorf("%w: drain already in progress", domain.ErrPropagationPending)
	}
	if len(e.queue) == 0 {
		e.edits = nil
		e.mu.Unlock()
		return Report{}, nil
	}
	work := e.queue
	edits := e.edits
	e.queue = nil
	e.queued = make(map[domain.TemplateID]struct{})
	e.edits = nil
	e.draining = true
	e.mu.Unlock()

	start := time.Now()
	report, err := e.drain(ctx, work, edits)

	e.mu.Lock()
	e.draining = false
	report.Deferred = append([]domain.TemplateID(nil), e.queue...)
	e.mu.Unlock()

	for _, o := range e.observers {
		o.ObserveDrain(report, time.Since(start))
	}
	if err != nil {
		return report, err
	}
	if len(report.Failures) > 0 {
		return report, &domain.PropagationError{Failures: report.Failures}
	}
	return report, nil
}

func (e *Executor) drain(ctx context.Context, work []domain.TemplateID, edits []edit) (Report, error) {
	var report Report
	report.Overlaps = detectOverlaps(edits)
	for _, o := range report.Overlaps {
		e.logger.Warn("overlapping edits in one batch", "template", o.Template, "earlier", o.Earlier.String(), "later", o.Later.String())
	}

	var order []domain.TemplateID
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		var err error
		order, err = affectedTemplates(view, work)
		return err
	})
	if err != nil {
		// Requeue so the edits are not lost.
		e.Enqueue(work...)
		return report, err
	}
	report.Templates = order
	e.logger.Debug("draining propagation queue", "queued", len(work), "affected", len(order))

	stale := make(map[domain.TemplateID]struct{})
	for _, id := range order {
		if err := e.settle(ctx, id); err != nil {
			stale[id] = struct{}{}
			report.Failures = append(report.Failures, domain.PropagationFailure{Template: id, Err: err})
			e.logger.Error("template settle failed", "template", id, "error", err)
		}
	}

	affected := make(map[domain.TemplateID]struct{}, len(order))
	for _, id := range order {
		if _, skip := stale[id]; !skip {
			affected[id] = struct{}{}
		}
	}
	for _, target := range rebuildTargets(e.graph.Roots(), order, affected) {
		if target.Destroyed() {
			continue
		}
		if err := e.graph.Rebuild(ctx, target); err != nil {
			report.Failures = append(report.Failures, domain.PropagationFailure{
				Template: target.TemplateID(),
				Instance: describe(target),
				Err:      err,
			})
			e.logger.Error("instance rebuild failed", "template", target.TemplateID(), "instance", describe(target), "error", err)
			continue
		}
		report.Rebuilt++
	}

	var clean []domain.TemplateID
	for _, id := range order {
		if _, skip := stale[id]; !skip {
			clean = append(clean, id)
		}
	}
	// Templates marked dirty while the drain ran keep their flag, as do the
	// templates nesting them.
	if _, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		graph, err := NestingGraph(tx)
		if err != nil {
			return err
		}
		deferred := make(map[domain.TemplateID]struct{})
		for _, id := range e.Pending() {
			if !graph.HasVertex(id) {
				continue
			}
			deferred[id] = struct{}{}
			for _, a := range graph.Ancestors(id) {
				deferred[a] = struct{}{}
			}
		}
		for _, id := range clean {
			if _, ok := deferred[id]; ok {
				continue
			}
			if _, ok := tx.FindTemplate(id); !ok {
				continue
			}
			if err := tx.SetDirty(id, false); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return report, fmt.Errorf("clear dirty flags: %w", err)
	}
	e.logger.Info("propagation drained", "templates", len(order), "rebuilt", report.Rebuilt, "failures", len(report.Failures))
	return report, nil
}

// settle re-syncs every nested region owned by id in one transaction. A
// region that no longer accepts its link patch leaves the template unchanged.
func (e *Executor) settle(ctx context.Context, id domain.TemplateID) error {
	_, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindTemplate(id); !ok {
			return nil
		}
		for _, l := range tx.LinksFrom(id) {
			if err := tx.SyncLinkRegion(l.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// affectedTemplates returns the queued templates plus every template nesting
// one of them, most nested first. Templates removed since they were queued
// are dropped.
func affectedTemplates(view domain.TransactionView, work []domain.TemplateID) ([]domain.TemplateID, error) {
	graph, err := NestingGraph(view)
	if err != nil {
		return nil, err
	}
	closure := make(map[domain.TemplateID]struct{})
	for _, id := range work {
		if !graph.HasVertex(id) {
			continue
		}
		closure[id] = struct{}{}
		for _, a := range graph.Ancestors(id) {
			closure[a] = struct{}{}
		}
	}
	sorted, err := graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	out := make([]domain.TemplateID, 0, len(closure))
	for _, id := range sorted {
		if _, ok := closure[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// rebuildTargets picks the instances to rebuild: roots bound to an affected
// template, and ad hoc nested instances (no backing link) bound to one. Link
// driven nested instances are rebuilt through their root.
func rebuildTargets(roots []*instance.Instance, order []domain.TemplateID, affected map[domain.TemplateID]struct{}) []*instance.Instance {
	var out []*instance.Instance
	for _, id := range order {
		if _, ok := affected[id]; !ok {
			continue
		}
		for _, root := range roots {
			if root.TemplateID() == id {
				out = append(out, root)
			}
		}
	}
	for _, root := range roots {
		if _, ok := affected[root.TemplateID()]; ok {
			continue
		}
		for _, id := range order {
			if _, ok := affected[id]; !ok {
				continue
			}
			for _, n := range root.NestedInstances(id) {
				if !n.LinkID().Valid() {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

func detectOverlaps(edits []edit) []Overlap {
	var out []Overlap
	for i := range edits {
		for j := i + 1; j < len(edits); j++ {
			if edits[i].template != edits[j].template {
				continue
			}
			for _, pair := range patch.Overlapping(edits[i].paths, edits[j].paths) {
				out = append(out, Overlap{Template: edits[i].template, Earlier: pair[0], Later: pair[1]})
			}
		}
	}
	return out
}

func describe(inst *instance.Instance) string {
	if p := inst.AliasPath(); p != "" {
		return p
	}
	return "root"
}

// NestingSource lists the templates and links a nesting graph is built from.
type NestingSource interface {
	ListTemplates() []domain.Template
	ListLinks() []domain.Link
}

// NestingGraph builds the template nesting graph of view: a template depends
// on every template it nests. Vertex order follows template IDs. A nesting
// cycle yields an error matching domain.ErrCycle.
func NestingGraph(view NestingSource) (*dag.DirectedAcyclicGraph[domain.TemplateID], error) {
	g := dag.NewDirectedAcyclicGraph[domain.TemplateID]()
	for i, t := range view.ListTemplates() {
		if err := g.AddVertex(t.ID, i); err != nil {
			return nil, err
		}
	}
	for _, l := range view.ListLinks() {
		if err := g.AddDependencies(l.Source, []domain.TemplateID{l.Target}); err != nil {
			if dag.AsCycleError[domain.TemplateID](err) != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrCycle, err)
			}
			return nil, err
		}
	}
	return g, nil
}
